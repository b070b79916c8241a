// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pinstore persists which source events have already been pinned.
//
// A pin record is written once, after the archive message was sent, and is
// never updated or deleted. The primary key on (source_room_id,
// source_event_id) makes the insert an atomic insert-if-absent, so two
// racing writers can't both record the same pin.
package pinstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore/upgrades"
)

var (
	// ErrDuplicatePin is returned by RecordPin when the source event already
	// has a pin record.
	ErrDuplicatePin = errors.New("source event already pinned")
	// ErrStoreUnavailable wraps every database failure.
	ErrStoreUnavailable = errors.New("pin store unavailable")
)

// PinRecord is durable proof that a source event was archived.
type PinRecord struct {
	SourceRoomID   id.RoomID
	SourceEventID  id.EventID
	ArchiveEventID id.EventID
	PinnedBy       id.UserID
	CreatedAt      time.Time
}

const (
	hasPinnedQuery = `
		SELECT EXISTS(SELECT 1 FROM pin WHERE source_room_id=$1 AND source_event_id=$2)
	`
	getPinQuery = `
		SELECT source_room_id, source_event_id, archive_event_id, pinned_by, created_at
		FROM pin WHERE source_room_id=$1 AND source_event_id=$2
	`
	insertPinQuery = `
		INSERT INTO pin (source_room_id, source_event_id, archive_event_id, pinned_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_room_id, source_event_id) DO NOTHING
	`
	countPinsQuery = `SELECT COUNT(*) FROM pin`
)

// Store is the SQL-backed pin store.
type Store struct {
	db *dbutil.Database
}

// New wraps an already opened database. Call Upgrade before use.
func New(db *dbutil.Database) *Store {
	db.UpgradeTable = upgrades.Table
	return &Store{db: db}
}

// Open opens the database at uri with the given dialect (sqlite3 or
// postgres) and brings the schema up to date.
func Open(ctx context.Context, dialect, uri string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.Owner = "mautrix-pinbot"
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "pinstore").Logger())
	store := New(db)
	if err = store.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Upgrade runs pending schema migrations.
func (s *Store) Upgrade(ctx context.Context) error {
	if err := s.db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HasPinned reports whether the source event already has a pin record.
func (s *Store) HasPinned(ctx context.Context, roomID id.RoomID, eventID id.EventID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, hasPinnedQuery, roomID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// GetPin returns the pin record of a source event, or nil if there is none.
func (s *Store) GetPin(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*PinRecord, error) {
	var rec PinRecord
	var createdAt int64
	err := s.db.QueryRow(ctx, getPinQuery, roomID, eventID).Scan(
		&rec.SourceRoomID, &rec.SourceEventID, &rec.ArchiveEventID, &rec.PinnedBy, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	return &rec, nil
}

// RecordPin inserts a pin record. It returns ErrDuplicatePin if a record
// for the same source event already exists; the existing record is left
// untouched.
func (s *Store) RecordPin(ctx context.Context, rec PinRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(ctx, insertPinQuery,
		rec.SourceRoomID, rec.SourceEventID, rec.ArchiveEventID, rec.PinnedBy, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s in %s", ErrDuplicatePin, rec.SourceEventID, rec.SourceRoomID)
	}
	return nil
}

// Count returns the number of pin records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, countPinsQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}
