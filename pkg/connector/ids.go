// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"

	"maunium.net/go/mautrix/bridgev2/networkid"
)

// MakePortalID creates a networkid.PortalID from the counterparty of a
// direct message conversation.
func MakePortalID(counterpartyID string) networkid.PortalID {
	return networkid.PortalID(counterpartyID)
}

// ParsePortalID extracts the counterparty's Twitter user ID from a PortalID.
func ParsePortalID(portalID networkid.PortalID) string {
	return string(portalID)
}

// MakeUserID creates a networkid.UserID from a Twitter user ID.
func MakeUserID(userID string) networkid.UserID {
	return networkid.UserID(userID)
}

// ParseUserID extracts the Twitter user ID from a networkid.UserID.
func ParseUserID(userID networkid.UserID) string {
	return string(userID)
}

// MakeMessageID creates a networkid.MessageID from a direct message event ID.
func MakeMessageID(eventID string) networkid.MessageID {
	return networkid.MessageID(eventID)
}

// ParseMessageID extracts the direct message event ID from a MessageID.
func ParseMessageID(messageID networkid.MessageID) string {
	return string(messageID)
}

// MakeMessagePartID creates a networkid.PartID for message parts (e.g., the media attachment).
func MakeMessagePartID(index int) networkid.PartID {
	if index == 0 {
		return ""
	}
	return networkid.PartID(strconv.Itoa(index))
}

// MakeUserLoginID creates a UserLoginID from a Twitter account ID.
func MakeUserLoginID(accountID string) networkid.UserLoginID {
	return networkid.UserLoginID(accountID)
}

// ParseUserLoginID extracts the Twitter account ID from a UserLoginID.
func ParseUserLoginID(loginID networkid.UserLoginID) string {
	return string(loginID)
}

// makePortalKey creates the portal key of a DM conversation. Every login has
// its own portal for a counterparty.
func makePortalKey(counterpartyID string, receiver networkid.UserLoginID) networkid.PortalKey {
	return networkid.PortalKey{
		ID:       MakePortalID(counterpartyID),
		Receiver: receiver,
	}
}

// resolveCounterparty returns the conversation partner of a DM event. Events
// carry a sender and a recipient but no conversation ID, so the room is
// whichever side is not the own account.
func resolveCounterparty(ownID, senderID, recipientID string) string {
	if senderID == ownID {
		return recipientID
	}
	return senderID
}
