// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/quotefmt"
)

// messageResolver resolves source messages. *Resolver satisfies it.
type messageResolver interface {
	Resolve(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*ResolvedMessage, error)
}

// pinPublisher publishes quotes. *Publisher satisfies it.
type pinPublisher interface {
	Publish(ctx context.Context, target id.RoomID, quote *quotefmt.Quote, pinnedBy id.UserID) (id.EventID, error)
}

// pinChecker is the read side of the pin store.
type pinChecker interface {
	HasPinned(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error)
}

// DefaultWorkers is the worker pool size when the config leaves it unset.
const DefaultWorkers = 8

// DispatcherConfig holds the identity and tuning of a Dispatcher.
type DispatcherConfig struct {
	// Self is the bot's own user ID.
	Self id.UserID
	// ArchiveRoom is where pins are published.
	ArchiveRoom id.RoomID
	// Workers bounds the number of reactions processed concurrently.
	Workers int
	// IgnoreInitialSync drops reactions until MarkSynced is called.
	IgnoreInitialSync bool
}

// Dispatcher turns pin reactions into archive posts.
//
// HandleReaction is called from the sync loop. Cheap filtering happens
// inline; everything that needs the network runs on a bounded worker pool.
// Only one attempt per source event runs at a time, so concurrent
// reactions on one message publish at most one pin.
type Dispatcher struct {
	cfg       DispatcherConfig
	resolver  messageResolver
	publisher pinPublisher
	store     pinChecker
	metrics   *Metrics
	log       zerolog.Logger

	locks  *keyLock
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	synced atomic.Bool

	closeMu sync.RWMutex
	closed  bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, resolver messageResolver, publisher pinPublisher, store pinChecker, metrics *Metrics, log zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		cfg:       cfg,
		resolver:  resolver,
		publisher: publisher,
		store:     store,
		metrics:   metrics,
		log:       log.With().Str("component", "dispatcher").Logger(),
		locks:     newKeyLock(),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// MarkSynced tells the dispatcher that the initial sync is over.
func (d *Dispatcher) MarkSynced() {
	if !d.synced.Swap(true) {
		d.log.Debug().Msg("Initial sync done, accepting reactions")
	}
}

// pinReaction is a reaction that passed the inline filters.
type pinReaction struct {
	RoomID     id.RoomID
	ReactionID id.EventID
	Sender     id.UserID
	Target     id.EventID
}

// HandleReaction filters a reaction event and, if it asks for a pin,
// queues the pin attempt on the worker pool. It blocks while the pool is
// full. A reaction on a source event that already has an attempt in flight
// is dropped with OutcomeInFlight without taking a worker; reacting again
// later retries it. Queued attempts return OutcomeQueued; anything else is
// the terminal outcome of the event.
func (d *Dispatcher) HandleReaction(ctx context.Context, evt *event.Event) Outcome {
	reaction, outcome := d.filter(evt)
	if reaction == nil {
		d.metrics.outcome(outcome)
		return outcome
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.metrics.outcome(OutcomeShuttingDown)
		return OutcomeShuttingDown
	}
	unlock, ok := d.locks.TryLock(pinKey{RoomID: reaction.RoomID, EventID: reaction.Target})
	if !ok {
		d.log.Debug().
			Str("room_id", string(reaction.RoomID)).
			Str("event_id", string(reaction.Target)).
			Str("reaction_id", string(reaction.ReactionID)).
			Msg("Pin of this message already in progress, ignoring reaction")
		d.metrics.outcome(OutcomeInFlight)
		return OutcomeInFlight
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		unlock()
		d.metrics.outcome(OutcomeShuttingDown)
		return OutcomeShuttingDown
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer unlock()
		// The attempt must not be cut off halfway when the sync loop stops;
		// every call inside has its own timeout.
		d.process(context.WithoutCancel(ctx), reaction)
	}()
	return OutcomeQueued
}

// Close waits for queued attempts to finish. Reactions handled after Close
// are dropped.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) filter(evt *event.Event) (*pinReaction, Outcome) {
	if evt == nil || evt.Type != event.EventReaction {
		return nil, OutcomeNotPin
	}
	parseContent(evt)
	rel := evt.Content.AsReaction().RelatesTo
	if rel.Type != event.RelAnnotation || rel.EventID == "" || !IsPinKey(rel.Key) {
		return nil, OutcomeNotPin
	}
	if d.cfg.IgnoreInitialSync && !d.synced.Load() {
		return nil, OutcomeCatchUp
	}
	if evt.RoomID == d.cfg.ArchiveRoom {
		return nil, OutcomeArchiveRoom
	}
	if evt.Sender == d.cfg.Self {
		return nil, OutcomeOwnEvent
	}
	return &pinReaction{
		RoomID:     evt.RoomID,
		ReactionID: evt.ID,
		Sender:     evt.Sender,
		Target:     rel.EventID,
	}, ""
}

// process runs one pin attempt. HandleReaction holds the key of the source
// event for the whole attempt, so the check, resolve, publish and record
// steps never run twice at once for one message.
func (d *Dispatcher) process(ctx context.Context, reaction *pinReaction) Outcome {
	d.metrics.InFlight.Inc()
	defer d.metrics.InFlight.Dec()

	log := d.log.With().
		Str("room_id", string(reaction.RoomID)).
		Str("event_id", string(reaction.Target)).
		Str("reaction_id", string(reaction.ReactionID)).
		Str("sender", string(reaction.Sender)).
		Logger()

	outcome := d.attempt(ctx, reaction, log)
	d.metrics.outcome(outcome)
	return outcome
}

func (d *Dispatcher) attempt(ctx context.Context, reaction *pinReaction, log zerolog.Logger) Outcome {
	pinned, err := d.store.HasPinned(ctx, reaction.RoomID, reaction.Target)
	if err != nil {
		log.Err(err).Msg("Can't check pin store, not pinning")
		return OutcomeStoreUnavailable
	}
	if pinned {
		log.Info().Msg("Message already pinned, ignoring")
		return OutcomeAlreadyPinned
	}

	msg, err := d.resolver.Resolve(ctx, reaction.RoomID, reaction.Target)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn().Err(err).Msg("Can't read the message that was reacted to, not pinning")
		return OutcomeNotFound
	case err != nil:
		log.Err(err).Msg("Failed to fetch the message that was reacted to, not pinning")
		return OutcomeUnavailable
	}
	if msg.Sender == d.cfg.Self {
		log.Debug().Msg("Ignoring pin of own message")
		return OutcomeOwnEvent
	}

	quote := quotefmt.Format(msg.Source())
	archiveID, err := d.publisher.Publish(ctx, d.cfg.ArchiveRoom, quote, reaction.Sender)
	switch {
	case archiveID == "":
		log.Err(err).Msg("Failed to publish pin")
		return OutcomePublishFailed
	case err != nil:
		log.Warn().Err(err).
			Str("archive_event_id", string(archiveID)).
			Str("original_sender", string(msg.Sender)).
			Msg("Pinned message but couldn't record it")
		return OutcomePinnedUnrecorded
	}
	log.Info().
		Str("archive_event_id", string(archiveID)).
		Str("original_sender", string(msg.Sender)).
		Msg("Pinned message")
	return OutcomePinned
}
