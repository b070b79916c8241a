// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventKind is the coarse class of a timeline event.
type EventKind int

const (
	KindOther EventKind = iota
	KindMessage
	KindReaction
	// KindInvite is an invite addressed to the bot.
	KindInvite
	// KindMembership is any other membership change of the bot itself.
	KindMembership
)

func (k EventKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReaction:
		return "reaction"
	case KindInvite:
		return "invite"
	case KindMembership:
		return "membership"
	default:
		return "other"
	}
}

// PinEmoji is the reaction key that triggers a pin.
const PinEmoji = "\U0001f4cc"

// IsPinKey reports whether a reaction key is the pin trigger. Some clients
// append a variation selector to the emoji.
func IsPinKey(key string) bool {
	return key == PinEmoji || key == PinEmoji+"\ufe0f"
}

// Classify sorts an event into the kinds the bot acts on. self is the bot's
// own user ID, used to recognise invites and membership changes that
// concern the bot.
func Classify(evt *event.Event, self id.UserID) EventKind {
	if evt == nil {
		return KindOther
	}
	switch evt.Type {
	case event.EventMessage:
		return KindMessage
	case event.EventReaction:
		return KindReaction
	case event.StateMember:
		if evt.StateKey == nil || id.UserID(*evt.StateKey) != self {
			return KindOther
		}
		parseContent(evt)
		if evt.Content.AsMember().Membership == event.MembershipInvite {
			return KindInvite
		}
		return KindMembership
	default:
		return KindOther
	}
}

// parseContent makes sure evt.Content.Parsed is populated. The syncer
// already parses content, but events fetched directly or built in tests
// may only carry the raw JSON.
func parseContent(evt *event.Event) {
	if evt.Content.Parsed == nil && evt.Content.VeryRaw != nil {
		_ = evt.Content.ParseRaw(evt.Type)
	}
}
