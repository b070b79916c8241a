// Copyright 2024-2026 Aiku AI

package pinbot

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"maunium.net/go/mautrix"
)

// RetryConfig bounds the retries of a single homeserver call.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first one.
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Timeout applies to each individual try.
	Timeout time.Duration
}

// DefaultRetryConfig returns the retry settings used when the config
// leaves them unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Timeout:      30 * time.Second,
	}
}

func (rc RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if rc.Attempts == 0 {
		rc.Attempts = def.Attempts
	}
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = def.InitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.Timeout <= 0 {
		rc.Timeout = def.Timeout
	}
	return rc
}

func (rc RetryConfig) options(notify backoff.Notify) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialDelay
	b.MaxInterval = rc.MaxDelay
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(rc.Attempts),
		backoff.WithNotify(notify),
	}
}

// isPermanentMatrixError reports whether retrying a request can't help.
func isPermanentMatrixError(err error) bool {
	return errors.Is(err, mautrix.MNotFound) ||
		errors.Is(err, mautrix.MForbidden) ||
		errors.Is(err, mautrix.MUnknownToken) ||
		errors.Is(err, mautrix.MMissingToken) ||
		errors.Is(err, mautrix.MBadJSON) ||
		errors.Is(err, mautrix.MNotJSON)
}
