// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// roomJoiner is the part of the Matrix client the invite joiner needs.
// *mautrix.Client satisfies it.
type roomJoiner interface {
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// InviteJoiner accepts room invites addressed to the bot.
//
// Each invite gets a single join attempt. A failed join is logged and not
// retried: the invite event is remembered, so a redelivery of the same
// invite is skipped, while a new invite tries again. Rooms the bot is
// known to be in are skipped, so a redelivered invite doesn't cause a
// second join.
type InviteJoiner struct {
	joiner  roomJoiner
	self    id.UserID
	timeout time.Duration
	metrics *Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	joined map[id.RoomID]struct{}
	failed map[id.EventID]struct{}
}

// NewInviteJoiner creates an invite joiner for the bot user self.
func NewInviteJoiner(joiner roomJoiner, self id.UserID, timeout time.Duration, metrics *Metrics, log zerolog.Logger) *InviteJoiner {
	if timeout <= 0 {
		timeout = DefaultRetryConfig().Timeout
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &InviteJoiner{
		joiner:  joiner,
		self:    self,
		timeout: timeout,
		metrics: metrics,
		log:     log.With().Str("component", "invite_joiner").Logger(),
		joined:  make(map[id.RoomID]struct{}),
		failed:  make(map[id.EventID]struct{}),
	}
}

// HandleInvite joins the room of an invite addressed to the bot. It
// reports whether a join attempt succeeded.
func (ij *InviteJoiner) HandleInvite(ctx context.Context, evt *event.Event) bool {
	if Classify(evt, ij.self) != KindInvite {
		return false
	}
	log := ij.log.With().
		Str("room_id", string(evt.RoomID)).
		Str("inviter", string(evt.Sender)).
		Logger()

	ij.mu.Lock()
	if _, ok := ij.joined[evt.RoomID]; ok {
		ij.mu.Unlock()
		ij.metrics.Invites.WithLabelValues("already_joined").Inc()
		log.Debug().Msg("Ignoring invite to a room the bot is already in")
		return false
	}
	if _, ok := ij.failed[evt.ID]; ok {
		ij.mu.Unlock()
		ij.metrics.Invites.WithLabelValues("already_failed").Inc()
		log.Debug().Str("invite_event_id", string(evt.ID)).Msg("Ignoring redelivered invite that already failed to join")
		return false
	}
	// Reserve the room so a concurrent delivery of the same invite is
	// skipped instead of joining again.
	ij.joined[evt.RoomID] = struct{}{}
	ij.mu.Unlock()

	log.Debug().Msg("Got invite, joining room")
	callCtx, cancel := context.WithTimeout(ctx, ij.timeout)
	defer cancel()
	_, err := ij.joiner.JoinRoomByID(callCtx, evt.RoomID)
	if err != nil {
		ij.mu.Lock()
		delete(ij.joined, evt.RoomID)
		if evt.ID != "" {
			ij.failed[evt.ID] = struct{}{}
		}
		ij.mu.Unlock()
		ij.metrics.Invites.WithLabelValues("failed").Inc()
		log.Err(err).Msg("Failed to join room after invite")
		return false
	}
	ij.metrics.Invites.WithLabelValues("joined").Inc()
	log.Info().Msg("Joined room")
	return true
}

// HandleMembership tracks the bot's own membership so later invites are
// handled correctly. Leaving or being removed from a room forgets it.
func (ij *InviteJoiner) HandleMembership(evt *event.Event) {
	if Classify(evt, ij.self) != KindMembership {
		return
	}
	membership := evt.Content.AsMember().Membership
	ij.mu.Lock()
	defer ij.mu.Unlock()
	switch membership {
	case event.MembershipJoin:
		ij.joined[evt.RoomID] = struct{}{}
	case event.MembershipLeave, event.MembershipBan:
		delete(ij.joined, evt.RoomID)
	}
}

// MarkJoined records that the bot is in roomID.
func (ij *InviteJoiner) MarkJoined(roomID id.RoomID) {
	ij.mu.Lock()
	ij.joined[roomID] = struct{}{}
	ij.mu.Unlock()
}
