// Copyright 2024-2026 Aiku AI

package pinbot

import (
	"errors"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore"
)

var (
	// ErrNotFound means the reacted-to event can't be read: it doesn't
	// exist, the bot can't see it, it was redacted, or it isn't a message
	// that can be quoted.
	ErrNotFound = errors.New("source event not found")
	// ErrUnavailable means fetching the source event kept failing until the
	// retry budget ran out.
	ErrUnavailable = errors.New("source event unavailable")
	// ErrPublishFailed means the archive message could not be sent.
	ErrPublishFailed = errors.New("failed to publish pin")

	ErrDuplicatePin     = pinstore.ErrDuplicatePin
	ErrStoreUnavailable = pinstore.ErrStoreUnavailable
)
