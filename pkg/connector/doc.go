// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Twitter direct message bridge using
// the mautrix bridgev2 framework.
//
// Every bridged Twitter account is a puppet: messages sent from Matrix are
// posted with that account's own access token, and its direct message
// activity arrives through the Account Activity API webhook.
//
// # Core Types
//
// [TwitterConnector] implements [bridgev2.NetworkConnector]. It owns the
// webhook listener, the [WebhookManager] and the [SessionRegistry].
//
// [WebhookManager] registers the process-wide webhook, subscribes accounts to
// it, answers CRC challenges and routes signed payloads to the
// [ActivityHandle] of the account they are for.
//
// [SessionRegistry] maps user logins to their live [TwitterClient]. Creating
// a session verifies the credentials and subscribes the account; creating it
// again replaces the old session.
//
// [TwitterClient] implements [bridgev2.NetworkAPI] for one account. It relays
// direct messages, media, typing notifications and read receipts in both
// directions.
//
// # Echo Suppression
//
// Twitter delivers the bridge's own messages back through the webhook. Each
// session keeps an [EchoLedger] of event IDs it sent; an incoming message
// whose ID is in the ledger is dropped once. Messages that carry the
// bridge's source app ID and come from the session's own account are
// dropped too.
//
// # Rooms
//
// Direct message events have no conversation ID. The portal of an event is
// the counterparty: the recipient when the account sent it, the sender
// otherwise. Each login gets its own portals.
//
// # Formatting
//
// The [matrixfmt] subpackage converts Matrix HTML to the plain text Twitter
// accepts. The [twitterfmt] subpackage expands t.co links and builds the
// Matrix HTML for incoming messages.
package connector
