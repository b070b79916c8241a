// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package pinbot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-pinbot/pkg/pinbot/pinstore"
	"github.com/aiku/mautrix-pinbot/pkg/pinbot/quotefmt"
)

// failingRecorder is a pin store whose writes always fail.
type failingRecorder struct {
	err error
}

func (f failingRecorder) RecordPin(context.Context, pinstore.PinRecord) error {
	return f.err
}

func testQuote() *quotefmt.Quote {
	return quotefmt.Format(&quotefmt.Source{
		RoomID:  testRoom,
		EventID: "$m1",
		Sender:  testAuthor,
		MsgType: event.MsgText,
		Body:    "hello @room",
	})
}

func TestPublish_SendsAndRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t, testStoreURI(t))
	sender := &fakeSender{}
	metrics := NewMetrics(nil)
	p := NewPublisher(sender, store, fastRetry, metrics, zerolog.Nop())

	archiveID, err := p.Publish(ctx, testArchive, testQuote(), testReactor)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if archiveID != "$archive1" {
		t.Errorf("archive event ID: got %q, want %q", archiveID, "$archive1")
	}

	sent := sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent messages: got %d, want 1", len(sent))
	}
	if sent[0].RoomID != testArchive {
		t.Errorf("target room: got %q, want %q", sent[0].RoomID, testArchive)
	}
	content := sent[0].Content
	if body, _ := content["body"].(string); !strings.HasPrefix(body, "> "+string(testAuthor)+" in "+string(testRoom)+": hello") {
		t.Errorf("body: got %q", body)
	}
	if mentions, ok := content["m.mentions"].(map[string]any); !ok || len(mentions) != 0 {
		t.Errorf("m.mentions: got %v, want empty object", content["m.mentions"])
	}
	relatesTo, _ := content["m.relates_to"].(map[string]any)
	inReplyTo, _ := relatesTo["m.in_reply_to"].(map[string]any)
	if inReplyTo["event_id"] != "$m1" || inReplyTo["room_id"] != string(testRoom) {
		t.Errorf("m.in_reply_to: got %v", inReplyTo)
	}
	ref, _ := content[quotefmt.ReferenceKey].(map[string]any)
	if ref["sender"] != string(testAuthor) {
		t.Errorf("source reference: got %v", ref)
	}

	rec, err := store.GetPin(ctx, testRoom, "$m1")
	if err != nil {
		t.Fatalf("GetPin: %v", err)
	}
	if rec == nil || rec.ArchiveEventID != archiveID || rec.PinnedBy != testReactor {
		t.Errorf("pin record: got %+v", rec)
	}
	if got := testutil.ToFloat64(metrics.Pins); got != 1 {
		t.Errorf("pins metric: got %v, want 1", got)
	}
}

func TestPublish_RetriesWithSameTransactionID(t *testing.T) {
	t.Parallel()
	store := openTestStore(t, testStoreURI(t))
	sender := &fakeSender{}
	sender.FailNext(errConnReset, errConnReset)
	p := NewPublisher(sender, store, fastRetry, nil, zerolog.Nop())

	if _, err := p.Publish(context.Background(), testArchive, testQuote(), testReactor); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := sender.Calls(); got != 3 {
		t.Errorf("send calls: got %d, want 3", got)
	}
	sent := sender.Sent()
	want := transactionID(testQuote().Reference)
	if len(sent) != 1 || sent[0].TransactionID != want {
		t.Errorf("transaction ID: got %+v, want %q", sent, want)
	}
}

func TestPublish_PermanentFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t, testStoreURI(t))
	sender := &fakeSender{}
	sender.FailNext(mautrix.MForbidden)
	p := NewPublisher(sender, store, fastRetry, nil, zerolog.Nop())

	archiveID, err := p.Publish(ctx, testArchive, testQuote(), testReactor)
	if !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Publish: got %v, want ErrPublishFailed", err)
	}
	if archiveID != "" {
		t.Errorf("archive event ID: got %q, want empty", archiveID)
	}
	if got := sender.Calls(); got != 1 {
		t.Errorf("send calls: got %d, want 1", got)
	}
	if pinned, _ := store.HasPinned(ctx, testRoom, "$m1"); pinned {
		t.Error("failed publish must not record a pin")
	}
}

func TestPublish_DuplicateRecordIsNotAnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openTestStore(t, testStoreURI(t))
	err := store.RecordPin(ctx, pinstore.PinRecord{
		SourceRoomID:   testRoom,
		SourceEventID:  "$m1",
		ArchiveEventID: "$earlier",
		PinnedBy:       testAuthor,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordPin: %v", err)
	}
	p := NewPublisher(&fakeSender{}, store, fastRetry, nil, zerolog.Nop())

	archiveID, err := p.Publish(ctx, testArchive, testQuote(), testReactor)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if archiveID == "" {
		t.Error("archive event ID should be returned")
	}
	rec, _ := store.GetPin(ctx, testRoom, "$m1")
	if rec == nil || rec.ArchiveEventID != "$earlier" {
		t.Errorf("first record must win: got %+v", rec)
	}
}

func TestPublish_StoreFailureAfterSend(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	storeErr := errors.Join(ErrStoreUnavailable, errors.New("disk full"))
	p := NewPublisher(sender, failingRecorder{err: storeErr}, fastRetry, nil, zerolog.Nop())

	archiveID, err := p.Publish(context.Background(), testArchive, testQuote(), testReactor)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Publish: got %v, want ErrStoreUnavailable", err)
	}
	if archiveID != "$archive1" {
		t.Errorf("archive event ID: got %q, want %q", archiveID, "$archive1")
	}
}

func TestTransactionID(t *testing.T) {
	t.Parallel()
	a := transactionID(quotefmt.Reference{RoomID: testRoom, EventID: "$m1"})
	b := transactionID(quotefmt.Reference{RoomID: testRoom, EventID: "$m1", Sender: testAuthor})
	c := transactionID(quotefmt.Reference{RoomID: testRoom, EventID: "$m2"})
	if a != b {
		t.Errorf("same source gave different IDs: %q and %q", a, b)
	}
	if a == c {
		t.Errorf("different sources share ID %q", a)
	}
	if !strings.HasPrefix(a, "pin.") {
		t.Errorf("transaction ID %q lacks prefix", a)
	}
}
