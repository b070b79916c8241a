// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const (
	loadNextBatchQuery = `SELECT next_batch FROM sync_store WHERE user_id=$1`
	saveNextBatchQuery = `
		INSERT INTO sync_store (user_id, next_batch) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET next_batch=excluded.next_batch
	`
	loadFilterIDQuery = `SELECT filter_id FROM sync_store WHERE user_id=$1`
	saveFilterIDQuery = `
		INSERT INTO sync_store (user_id, filter_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET filter_id=excluded.filter_id
	`
)

// SyncStore keeps the Matrix sync position in the pin database, so a
// restarted bot resumes from where it stopped instead of starting over.
type SyncStore struct {
	db *dbutil.Database
}

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore returns the sync store sharing this store's database.
func (s *Store) SyncStore() *SyncStore {
	return &SyncStore{db: s.db}
}

func (ss *SyncStore) loadString(ctx context.Context, query string, userID id.UserID) (string, error) {
	var val string
	err := ss.db.QueryRow(ctx, query, userID).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return val, nil
}

func (ss *SyncStore) saveString(ctx context.Context, query string, userID id.UserID, val string) error {
	if _, err := ss.db.Exec(ctx, query, userID, val); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// SaveNextBatch stores the next_batch token of the last processed sync.
func (ss *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return ss.saveString(ctx, saveNextBatchQuery, userID, nextBatchToken)
}

// LoadNextBatch returns the stored next_batch token, or "" if the user
// never synced.
func (ss *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return ss.loadString(ctx, loadNextBatchQuery, userID)
}

func (ss *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return ss.saveString(ctx, saveFilterIDQuery, userID, filterID)
}

func (ss *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return ss.loadString(ctx, loadFilterIDQuery, userID)
}
