// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-twitter/pkg/twitter"
)

// GetChatInfo describes a DM portal. Twitter has no conversation object to
// fetch, the portal ID is the counterparty.
func (tc *TwitterClient) GetChatInfo(_ context.Context, portal *bridgev2.Portal) (*bridgev2.ChatInfo, error) {
	return tc.dmChatInfo(ParsePortalID(portal.ID)), nil
}

func (tc *TwitterClient) dmChatInfo(counterpartyID string) *bridgev2.ChatInfo {
	members := &bridgev2.ChatMemberList{
		IsFull:      true,
		OtherUserID: MakeUserID(counterpartyID),
		MemberMap: map[networkid.UserID]bridgev2.ChatMember{
			MakeUserID(counterpartyID): {
				EventSender: bridgev2.EventSender{Sender: MakeUserID(counterpartyID)},
				Membership:  event.MembershipJoin,
			},
		},
	}
	if tc.accountID != "" && tc.accountID != counterpartyID {
		members.MemberMap[MakeUserID(tc.accountID)] = bridgev2.ChatMember{
			EventSender: tc.makeEventSender(tc.accountID),
			Membership:  event.MembershipJoin,
		}
	}
	members.TotalMemberCount = len(members.MemberMap)
	return &bridgev2.ChatInfo{
		Type:    ptr.Ptr(database.RoomTypeDM),
		Members: members,
	}
}

// GetUserInfo looks up a Twitter user. Unknown users yield no info.
func (tc *TwitterClient) GetUserInfo(ctx context.Context, ghost *bridgev2.Ghost) (*bridgev2.UserInfo, error) {
	if !tc.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}
	user, err := tc.api.LookupUser(ctx, ParseUserID(ghost.ID))
	if errors.Is(err, twitter.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	return tc.profileToUserInfo(twitter.UserProfile{
		ID:              user.ID,
		Name:            user.Name,
		ScreenName:      user.ScreenName,
		ProfileImageURL: user.ProfileImageURLHTTPS,
	}), nil
}
