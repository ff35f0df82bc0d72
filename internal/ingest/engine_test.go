package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/store"
	"go.uber.org/zap"
)

func testEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	return NewEngine(db, b, zap.NewNop()), db, b
}

func TestIngestMessageCreatesChatAndMessage(t *testing.T) {
	eng, db, b := testEngine(t)

	ch, unsub := b.Subscribe(bus.MessageUpserted, 8)
	defer unsub()

	msg := &store.Message{
		ChatGUID:  "iMessage;-;+15551234567",
		MsgID:     "ABC-123",
		Sender:    "+15551234567",
		Text:      "hello there",
		CreatedAt: 1000,
		Status:    store.StatusReceived,
		Source:    store.SourceServer,
	}
	if err := eng.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	chat, err := db.GetChat("iMessage;-;+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMessagePreview != "hello there" {
		t.Errorf("preview = %q, want %q", chat.LastMessagePreview, "hello there")
	}

	select {
	case evt := <-ch:
		got, ok := evt.Payload.(*store.Message)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if got.MsgID != "ABC-123" {
			t.Errorf("msg id = %q", got.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.upserted event published")
	}
}

func TestIngestMessageIdempotent(t *testing.T) {
	eng, db, _ := testEngine(t)

	msg := &store.Message{
		ChatGUID:  "iMessage;-;+15551234567",
		MsgID:     "ABC-123",
		Text:      "hello",
		CreatedAt: 1000,
		Status:    store.StatusReceived,
		Source:    store.SourceServer,
	}
	if err := eng.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}
	if err := eng.IngestMessage(msg); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountMessages("iMessage;-;+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

func TestIngestBatch(t *testing.T) {
	eng, db, _ := testEngine(t)

	msgs := []*store.Message{
		{ChatGUID: "iMessage;-;+15551234567", MsgID: "A", Text: "first", CreatedAt: 1000, Status: store.StatusReceived, Source: store.SourceServer},
		{ChatGUID: "iMessage;-;+15551234567", MsgID: "B", Text: "second", CreatedAt: 2000, Status: store.StatusReceived, Source: store.SourceServer},
		{ChatGUID: "SMS;-;+15559999999", MsgID: "C", Text: "third", CreatedAt: 3000, Status: store.StatusReceived, Source: store.SourceCarrier},
	}
	if err := eng.IngestBatch(msgs); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountMessages("iMessage;-;+15551234567")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}

	chat, err := db.GetChat("SMS;-;+15559999999")
	if err != nil {
		t.Fatal(err)
	}
	if chat.Service != "SMS" {
		t.Errorf("service = %q, want SMS", chat.Service)
	}
}

func TestEngineConsumesBusEvents(t *testing.T) {
	eng, db, b := testEngine(t)

	eng.Start(context.Background())
	defer eng.Stop()

	b.Publish(bus.ServerMessage, &store.Message{
		ChatGUID:  "iMessage;-;+15551234567",
		MsgID:     "EVT-1",
		Text:      "via bus",
		CreatedAt: 1000,
		Status:    store.StatusReceived,
		Source:    store.SourceServer,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := db.GetMessage("iMessage;-;+15551234567", "EVT-1"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message was not ingested from bus event")
}

func TestPreviewTruncationKeepsValidUTF8(t *testing.T) {
	long := strings.Repeat("你", 40) // 3 bytes per rune, 120 bytes total
	got := truncate(long, 100)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated preview is not valid UTF-8: %q", got)
	}
	if len(got) > 100 {
		t.Errorf("len = %d, want <= 100", len(got))
	}
	if utf8.RuneCountInString(got) != 33 {
		t.Errorf("rune count = %d, want 33", utf8.RuneCountInString(got))
	}
	if short := truncate("hello", 100); short != "hello" {
		t.Errorf("short string changed: %q", short)
	}
}
