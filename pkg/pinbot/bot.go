// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore"
)

// aliasResolver resolves room aliases. *mautrix.Client satisfies it.
type aliasResolver interface {
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (*mautrix.RespAliasResolve, error)
}

// Bot wires the pin pipeline to a Matrix client.
type Bot struct {
	Config     *Config
	Client     *mautrix.Client
	Store      *pinstore.Store
	Metrics    *Metrics
	Registry   *prometheus.Registry
	Dispatcher *Dispatcher
	Joiner     *InviteJoiner

	ArchiveRoom id.RoomID

	log   zerolog.Logger
	admin *http.Server
}

// NewBot creates the Matrix client and opens the pin store.
func NewBot(ctx context.Context, cfg *Config, log zerolog.Logger) (*Bot, error) {
	client, err := mautrix.NewClient(cfg.Homeserver.URL, cfg.Homeserver.UserID, cfg.Homeserver.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.DeviceID = cfg.Homeserver.DeviceID
	client.Log = log.With().Str("component", "matrix").Logger()

	store, err := pinstore.Open(ctx, cfg.Database.Type, cfg.Database.URI, log)
	if err != nil {
		return nil, err
	}
	return newBot(cfg, client, store, log), nil
}

func newBot(cfg *Config, client *mautrix.Client, store *pinstore.Store, log zerolog.Logger) *Bot {
	// The sync position lives next to the pin records, so a restart resumes
	// syncing instead of starting with a fresh initial sync.
	client.Store = store.SyncStore()
	registry := prometheus.NewRegistry()
	return &Bot{
		Config:   cfg,
		Client:   client,
		Store:    store,
		Registry: registry,
		Metrics:  NewMetrics(registry),
		log:      log,
	}
}

// Start checks the credentials, resolves and joins the archive room, and
// registers the event handlers. It does not start syncing.
func (b *Bot) Start(ctx context.Context) error {
	whoami, err := b.Client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify access token: %w", err)
	}
	if whoami.UserID != b.Client.UserID {
		return fmt.Errorf("access token belongs to %s, not %s", whoami.UserID, b.Client.UserID)
	}
	if b.Client.DeviceID == "" {
		b.Client.DeviceID = whoami.DeviceID
	}
	b.log.Info().
		Str("user_id", string(whoami.UserID)).
		Str("device_id", string(whoami.DeviceID)).
		Msg("Logged in")

	archive, err := ResolveArchiveRoom(ctx, b.Client, b.Config.Pinbot.ArchiveRoom, b.log)
	if err != nil {
		return err
	}
	b.init(archive)
	if _, err = b.Client.JoinRoomByID(ctx, archive); err != nil {
		return fmt.Errorf("failed to join archive room %s, invite the bot or check the room ID: %w", archive, err)
	}
	b.Joiner.MarkJoined(archive)

	syncer, ok := b.Client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return errors.New("client syncer doesn't support event handlers")
	}
	syncer.OnSync(b.onSync)
	syncer.OnEvent(b.HandleEvent)

	if b.Config.Metrics.Enabled {
		b.startAdmin()
	}
	return nil
}

// init builds the pipeline around the resolved archive room.
func (b *Bot) init(archive id.RoomID) {
	b.ArchiveRoom = archive
	cfg := &b.Config.Pinbot
	resolver := NewResolver(b.Client, cfg.CacheSize, cfg.FetchRetry(), b.Metrics, b.log)
	publisher := NewPublisher(b.Client, b.Store, cfg.SendRetry(), b.Metrics, b.log)
	b.Dispatcher = NewDispatcher(DispatcherConfig{
		Self:              b.Client.UserID,
		ArchiveRoom:       archive,
		Workers:           cfg.Workers,
		IgnoreInitialSync: cfg.IgnoreInitialSync,
	}, resolver, publisher, b.Store, b.Metrics, b.log)
	b.Joiner = NewInviteJoiner(b.Client, b.Client.UserID, cfg.RequestTimeout, b.Metrics, b.log)
}

// onSync marks the end of the initial sync: every sync after the first one
// has a since token.
func (b *Bot) onSync(_ context.Context, _ *mautrix.RespSync, since string) bool {
	if since != "" {
		b.Dispatcher.MarkSynced()
	}
	return true
}

// HandleEvent routes a synced event to the component that handles its kind.
func (b *Bot) HandleEvent(ctx context.Context, evt *event.Event) {
	switch kind := Classify(evt, b.Client.UserID); kind {
	case KindReaction:
		b.Dispatcher.HandleReaction(ctx, evt)
	case KindInvite:
		b.Joiner.HandleInvite(ctx, evt)
	case KindMembership:
		b.Joiner.HandleMembership(evt)
	case KindMessage, KindOther:
		b.log.Trace().
			Str("room_id", string(evt.RoomID)).
			Str("event_id", string(evt.ID)).
			Str("event_type", evt.Type.Type).
			Stringer("kind", kind).
			Msg("Ignoring event")
	}
}

// Run syncs until ctx is cancelled or the sync fails.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info().Str("archive_room_id", string(b.ArchiveRoom)).Msg("Starting sync")
	err := b.Client.SyncWithContext(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop waits for in-flight pins, then shuts down the admin API and closes
// the pin store.
func (b *Bot) Stop() {
	b.Client.StopSync()
	if b.Dispatcher != nil {
		b.Dispatcher.Close()
	}
	if b.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.admin.Shutdown(ctx); err != nil {
			b.log.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	if err := b.Store.Close(); err != nil {
		b.log.Warn().Err(err).Msg("Failed to close database")
	}
}

func (b *Bot) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func (b *Bot) startAdmin() {
	b.admin = &http.Server{
		Addr:         b.Config.Metrics.Listen,
		Handler:      b.adminHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		b.log.Info().Str("addr", b.admin.Addr).Msg("Starting admin API")
		if err := b.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// ResolveArchiveRoom turns the configured archive room into a room ID.
// Aliases are resolved once here, so a misconfigured alias fails startup
// instead of every pin.
func ResolveArchiveRoom(ctx context.Context, resolver aliasResolver, raw string, log zerolog.Logger) (id.RoomID, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "!"):
		return id.RoomID(raw), nil
	case strings.HasPrefix(raw, "#"):
		resp, err := resolver.ResolveAlias(ctx, id.RoomAlias(raw))
		if err != nil {
			return "", fmt.Errorf("failed to resolve archive room alias %s: %w", raw, err)
		}
		if resp.RoomID == "" {
			return "", fmt.Errorf("archive room alias %s resolved to an empty room ID", raw)
		}
		log.Warn().
			Str("alias", raw).
			Str("room_id", string(resp.RoomID)).
			Msg("Archive room is configured as an alias, use the room ID instead")
		return resp.RoomID, nil
	default:
		return "", fmt.Errorf("archive room %q is neither a room ID nor an alias", raw)
	}
}
