// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore"
	"github.com/aiku/mautrix-pinbot/pkg/pinbot/quotefmt"
)

// messageSender is the part of the Matrix client the publisher needs.
// *mautrix.Client satisfies it.
type messageSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// pinRecorder is the write side of the pin store.
type pinRecorder interface {
	RecordPin(ctx context.Context, rec pinstore.PinRecord) error
}

// Publisher sends quotes to the archive room and records the pin once the
// homeserver accepted the message.
type Publisher struct {
	sender  messageSender
	store   pinRecorder
	retry   RetryConfig
	metrics *Metrics
	log     zerolog.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(sender messageSender, store pinRecorder, retry RetryConfig, metrics *Metrics, log zerolog.Logger) *Publisher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Publisher{
		sender:  sender,
		store:   store,
		retry:   retry.withDefaults(),
		metrics: metrics,
		log:     log.With().Str("component", "publisher").Logger(),
	}
}

// Publish sends quote to target and records the pin.
//
// A send failure returns an error wrapping ErrPublishFailed and records
// nothing. If the send succeeds but recording fails, the archive event ID
// is returned together with an error wrapping ErrStoreUnavailable: the
// message stays in the archive room and may be posted again on replay.
// Losing a race to another writer (ErrDuplicatePin) is not an error.
func (p *Publisher) Publish(ctx context.Context, target id.RoomID, quote *quotefmt.Quote, pinnedBy id.UserID) (id.EventID, error) {
	log := p.log.With().
		Str("archive_room_id", string(target)).
		Str("room_id", string(quote.Reference.RoomID)).
		Str("event_id", string(quote.Reference.EventID)).
		Logger()

	// Retries reuse one transaction ID so the homeserver deduplicates a
	// send whose response got lost.
	txnID := transactionID(quote.Reference)
	resp, err := backoff.Retry(ctx, func() (*mautrix.RespSendEvent, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
		defer cancel()
		resp, err := p.sender.SendMessageEvent(callCtx, target, event.EventMessage, quote.Wire(), mautrix.ReqSendEvent{
			TransactionID: txnID,
		})
		if err != nil {
			if isPermanentMatrixError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}, p.retry.options(func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Failed to send archive message, retrying")
	})...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	p.metrics.Pins.Inc()
	log = log.With().Str("archive_event_id", string(resp.EventID)).Logger()

	err = p.store.RecordPin(ctx, pinstore.PinRecord{
		SourceRoomID:   quote.Reference.RoomID,
		SourceEventID:  quote.Reference.EventID,
		ArchiveEventID: resp.EventID,
		PinnedBy:       pinnedBy,
		CreatedAt:      time.Now(),
	})
	switch {
	case err == nil:
		log.Debug().Msg("Recorded pin")
	case errors.Is(err, ErrDuplicatePin):
		log.Warn().Msg("Pin was already recorded by a concurrent attempt")
	default:
		log.Err(err).Msg("Archive message sent but failed to record pin, it may be posted again")
		return resp.EventID, err
	}
	return resp.EventID, nil
}

// transactionID derives a stable transaction ID from the source event.
func transactionID(ref quotefmt.Reference) string {
	sum := sha256.Sum256([]byte(string(ref.RoomID) + "\x00" + string(ref.EventID)))
	return "pin." + base64.RawURLEncoding.EncodeToString(sum[:18])
}
