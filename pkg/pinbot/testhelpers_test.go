// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore"
)

const (
	testBot     id.UserID = "@pinbot:example.com"
	testArchive id.RoomID = "!archive:example.com"
	testRoom    id.RoomID = "!general:example.com"
	testAuthor  id.UserID = "@alice:example.com"
	testReactor id.UserID = "@bob:example.com"
)

// fastRetry keeps retry tests from sleeping.
var fastRetry = RetryConfig{
	Attempts:     3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Timeout:      time.Second,
}

func textMessage(roomID id.RoomID, eventID id.EventID, sender id.UserID, body string) *event.Event {
	return &event.Event{
		Type:   event.EventMessage,
		RoomID: roomID,
		ID:     eventID,
		Sender: sender,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func reactionEvent(roomID id.RoomID, reactionID id.EventID, sender id.UserID, target id.EventID, key string) *event.Event {
	return &event.Event{
		Type:   event.EventReaction,
		RoomID: roomID,
		ID:     reactionID,
		Sender: sender,
		Content: event.Content{Parsed: &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: target,
				Key:     key,
			},
		}},
	}
}

func memberEvent(roomID id.RoomID, sender, target id.UserID, membership event.Membership) *event.Event {
	stateKey := string(target)
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   roomID,
		ID:       id.EventID("$member-" + string(membership)),
		Sender:   sender,
		StateKey: &stateKey,
		Content: event.Content{Parsed: &event.MemberEventContent{
			Membership: membership,
		}},
	}
}

// fakeFetcher serves events from a map. Errors queued for a key are
// returned, one per call, before the event is served.
type fakeFetcher struct {
	mu     sync.Mutex
	events map[pinKey]*event.Event
	errs   map[pinKey][]error
	calls  int
	// gate, if set, blocks every call until it is closed.
	gate chan struct{}
}

func newFakeFetcher(events ...*event.Event) *fakeFetcher {
	f := &fakeFetcher{
		events: make(map[pinKey]*event.Event),
		errs:   make(map[pinKey][]error),
	}
	for _, evt := range events {
		f.events[pinKey{RoomID: evt.RoomID, EventID: evt.ID}] = evt
	}
	return f
}

func (f *fakeFetcher) FailNext(roomID id.RoomID, eventID id.EventID, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pinKey{RoomID: roomID, EventID: eventID}
	f.errs[key] = append(f.errs[key], errs...)
}

func (f *fakeFetcher) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := pinKey{RoomID: roomID, EventID: eventID}
	if errs := f.errs[key]; len(errs) > 0 {
		f.errs[key] = errs[1:]
		return nil, errs[0]
	}
	evt, ok := f.events[key]
	if !ok {
		return nil, mautrix.MNotFound
	}
	return evt, nil
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// sentMessage is one call to fakeSender.SendMessageEvent.
type sentMessage struct {
	RoomID        id.RoomID
	TransactionID string
	Content       map[string]any
}

// fakeSender records sent messages. Queued errors are returned, one per
// call, before sends start succeeding.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	calls int
	errs  []error
}

func (s *fakeSender) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *fakeSender) SendMessageEvent(_ context.Context, roomID id.RoomID, _ event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var txnID string
	if len(extra) > 0 {
		txnID = extra[0].TransactionID
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	data, err := json.Marshal(contentJSON)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err = json.Unmarshal(data, &content); err != nil {
		return nil, err
	}
	s.sent = append(s.sent, sentMessage{RoomID: roomID, TransactionID: txnID, Content: content})
	return &mautrix.RespSendEvent{EventID: id.EventID(fmt.Sprintf("$archive%d", len(s.sent)))}, nil
}

func (s *fakeSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]sentMessage, len(s.sent))
	copy(cp, s.sent)
	return cp
}

func (s *fakeSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeJoiner records join attempts.
type fakeJoiner struct {
	mu     sync.Mutex
	joined []id.RoomID
	errs   []error
}

func (j *fakeJoiner) FailNext(errs ...error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errs = append(j.errs, errs...)
}

func (j *fakeJoiner) JoinRoomByID(_ context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.joined = append(j.joined, roomID)
	if len(j.errs) > 0 {
		err := j.errs[0]
		j.errs = j.errs[1:]
		return nil, err
	}
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

func (j *fakeJoiner) Joined() []id.RoomID {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := make([]id.RoomID, len(j.joined))
	copy(cp, j.joined)
	return cp
}

func testStoreURI(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "pins.db") + "?_txlock=immediate&_busy_timeout=5000"
}

func openTestStore(t *testing.T, uri string) *pinstore.Store {
	t.Helper()
	store, err := pinstore.Open(context.Background(), "sqlite3", uri, zerolog.Nop())
	if err != nil {
		t.Fatalf("pinstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// pipeline is a dispatcher wired to fakes and a real pin store.
type pipeline struct {
	fetcher    *fakeFetcher
	sender     *fakeSender
	store      *pinstore.Store
	metrics    *Metrics
	dispatcher *Dispatcher
}

func newPipeline(t *testing.T, store *pinstore.Store, fetcher *fakeFetcher, cfg DispatcherConfig) *pipeline {
	t.Helper()
	if cfg.Self == "" {
		cfg.Self = testBot
	}
	if cfg.ArchiveRoom == "" {
		cfg.ArchiveRoom = testArchive
	}
	p := &pipeline{
		fetcher: fetcher,
		sender:  &fakeSender{},
		store:   store,
		metrics: NewMetrics(nil),
	}
	resolver := NewResolver(fetcher, 0, fastRetry, p.metrics, zerolog.Nop())
	publisher := NewPublisher(p.sender, store, fastRetry, p.metrics, zerolog.Nop())
	p.dispatcher = NewDispatcher(cfg, resolver, publisher, store, p.metrics, zerolog.Nop())
	return p
}
