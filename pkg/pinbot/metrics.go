// Copyright 2024-2026 Aiku AI

package pinbot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is the terminal state of handling one reaction.
type Outcome string

const (
	OutcomeNotPin           Outcome = "not_pin"
	OutcomeCatchUp          Outcome = "catch_up"
	OutcomeArchiveRoom      Outcome = "archive_room"
	OutcomeOwnEvent         Outcome = "own_event"
	OutcomeAlreadyPinned    Outcome = "already_pinned"
	OutcomeInFlight         Outcome = "in_flight"
	OutcomeStoreUnavailable Outcome = "store_unavailable"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomePublishFailed    Outcome = "publish_failed"
	OutcomeShuttingDown     Outcome = "shutting_down"
	OutcomePinned           Outcome = "pinned"
	// OutcomePinnedUnrecorded means the archive message was sent but the
	// pin record couldn't be written, so a replay may post it again.
	OutcomePinnedUnrecorded Outcome = "pinned_unrecorded"

	// OutcomeQueued is not terminal: the attempt runs on the worker pool.
	OutcomeQueued Outcome = "queued"
)

// Metrics holds the bot's Prometheus collectors.
type Metrics struct {
	Reactions    *prometheus.CounterVec
	ResolveCache *prometheus.CounterVec
	Invites      *prometheus.CounterVec
	Pins         prometheus.Counter
	InFlight     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinbot",
			Name:      "reactions_total",
			Help:      "Reaction events handled, by outcome.",
		}, []string{"outcome"}),
		ResolveCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinbot",
			Name:      "resolve_cache_total",
			Help:      "Source event lookups, by cache result.",
		}, []string{"result"}),
		Invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinbot",
			Name:      "invites_total",
			Help:      "Room invites handled, by result.",
		}, []string{"result"}),
		Pins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinbot",
			Name:      "pins_total",
			Help:      "Messages published to the archive room.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pinbot",
			Name:      "pins_in_flight",
			Help:      "Pin attempts currently being processed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Reactions, m.ResolveCache, m.Invites, m.Pins, m.InFlight)
	}
	return m
}

func (m *Metrics) outcome(o Outcome) {
	m.Reactions.WithLabelValues(string(o)).Inc()
}
