// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/quotefmt"
)

// eventFetcher is the part of the Matrix client the resolver needs.
// *mautrix.Client satisfies it.
type eventFetcher interface {
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
}

// ResolvedMessage is a fetched source message. Matrix messages are never
// changed in place, so a resolved message never goes stale.
type ResolvedMessage struct {
	RoomID        id.RoomID
	EventID       id.EventID
	Sender        id.UserID
	MsgType       event.MessageType
	Body          string
	FormattedBody string
	URL           id.ContentURIString
}

// Source converts the message into formatter input.
func (rm *ResolvedMessage) Source() *quotefmt.Source {
	return &quotefmt.Source{
		RoomID:  rm.RoomID,
		EventID: rm.EventID,
		Sender:  rm.Sender,
		MsgType: rm.MsgType,
		Body:    rm.Body,
		URL:     rm.URL,
	}
}

// DefaultCacheSize is the resolver cache size when the config leaves it unset.
const DefaultCacheSize = 1024

// Resolver fetches source messages through the homeserver, with an LRU
// cache in front and bounded retries behind.
type Resolver struct {
	fetcher eventFetcher
	cache   *lru.Cache[pinKey, *ResolvedMessage]
	flight  singleflight.Group
	retry   RetryConfig
	metrics *Metrics
	log     zerolog.Logger
}

// NewResolver creates a resolver. cacheSize <= 0 uses DefaultCacheSize.
func NewResolver(fetcher eventFetcher, cacheSize int, retry RetryConfig, metrics *Metrics, log zerolog.Logger) *Resolver {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	// lru.New only fails for non-positive sizes.
	cache, _ := lru.New[pinKey, *ResolvedMessage](cacheSize)
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		fetcher: fetcher,
		cache:   cache,
		retry:   retry.withDefaults(),
		metrics: metrics,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the message with the given ID. It returns an error
// wrapping ErrNotFound if the event can't be quoted, or ErrUnavailable if
// the homeserver kept failing.
func (r *Resolver) Resolve(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*ResolvedMessage, error) {
	key := pinKey{RoomID: roomID, EventID: eventID}
	if msg, ok := r.cache.Get(key); ok {
		r.metrics.ResolveCache.WithLabelValues("hit").Inc()
		return msg, nil
	}
	r.metrics.ResolveCache.WithLabelValues("miss").Inc()

	val, err, _ := r.flight.Do(key.String(), func() (any, error) {
		msg, err := r.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, msg)
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*ResolvedMessage), nil
}

// CacheLen returns the number of cached messages.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}

func (r *Resolver) fetch(ctx context.Context, key pinKey) (*ResolvedMessage, error) {
	log := r.log.With().
		Str("room_id", string(key.RoomID)).
		Str("event_id", string(key.EventID)).
		Logger()

	evt, err := backoff.Retry(ctx, func() (*event.Event, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.retry.Timeout)
		defer cancel()
		evt, err := r.fetcher.GetEvent(callCtx, key.RoomID, key.EventID)
		if err != nil {
			if isPermanentMatrixError(err) {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrNotFound, err))
			}
			return nil, err
		}
		return evt, nil
	}, r.retry.options(func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Failed to fetch source event, retrying")
	})...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, r.retry.Attempts, err)
	}
	return toResolvedMessage(key, evt)
}

// toResolvedMessage checks that evt is a message that can be quoted.
func toResolvedMessage(key pinKey, evt *event.Event) (*ResolvedMessage, error) {
	if evt == nil {
		return nil, fmt.Errorf("%w: empty response", ErrNotFound)
	}
	if evt.Unsigned.RedactedBecause != nil {
		return nil, fmt.Errorf("%w: event was redacted", ErrNotFound)
	}
	// Fetched events don't always carry a type class, so compare names.
	switch evt.Type.Type {
	case event.EventMessage.Type:
	case event.EventEncrypted.Type:
		return nil, fmt.Errorf("%w: event is encrypted", ErrNotFound)
	default:
		return nil, fmt.Errorf("%w: unsupported event type %s", ErrNotFound, evt.Type.Type)
	}
	parseContent(evt)
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace && content.NewContent != nil {
		content = content.NewContent
	}
	if content.Body == "" {
		return nil, fmt.Errorf("%w: message has no body", ErrNotFound)
	}
	msg := &ResolvedMessage{
		RoomID:  key.RoomID,
		EventID: key.EventID,
		Sender:  evt.Sender,
		MsgType: content.MsgType,
		Body:    content.Body,
		URL:     content.URL,
	}
	if content.Format == event.FormatHTML {
		msg.FormattedBody = content.FormattedBody
	}
	return msg, nil
}
