// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-twitter is a Matrix-Twitter direct message puppeting bridge
// built on the mautrix bridgev2 framework. Each bridged account receives its
// direct messages through the Account Activity API webhook and sends with its
// own access token.
package main

import (
	"github.com/aiku/mautrix-twitter/pkg/connector"
	"maunium.net/go/mautrix/bridgev2/matrix/mxmain"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var m = mxmain.BridgeMain{
	Name:        "mautrix-twitter",
	URL:         "https://github.com/aiku/mautrix-twitter",
	Description: "A Matrix-Twitter direct message puppeting bridge",
	Version:     "0.1.0",

	Connector: &connector.TwitterConnector{},
}

func main() {
	m.InitVersion(Tag, Commit, BuildTime)
	m.Run()
}
