package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/config"
	"github.com/lucamoreira/bluebird/internal/delivery"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/store"
	"github.com/lucamoreira/bluebird/internal/transport"
	"go.uber.org/zap"
)

type fetchCall struct {
	after int64
	limit int
}

type fakeClient struct {
	mu            sync.Mutex
	connected     bool
	exists        bool
	existsDelay   time.Duration
	fetches       []fetchCall
	results       []*store.Message
	beforeCalls   []fetchCall
	beforeResults []*store.Message
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Disconnect()                   {}
func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) SendText(context.Context, string, string, transport.SendOptions) (string, error) {
	return "SRV-1", nil
}
func (f *fakeClient) SendAttachment(context.Context, string, string, *store.Attachment, func(int64, int64)) (string, error) {
	return "SRV-1", nil
}
func (f *fakeClient) SendReaction(context.Context, string, string, string) (string, error) {
	return "SRV-R", nil
}
func (f *fakeClient) RemoveReaction(context.Context, string, string, string) error { return nil }
func (f *fakeClient) SendStartedTyping(context.Context, string) error              { return nil }
func (f *fakeClient) SendStoppedTyping(context.Context, string) error              { return nil }

func (f *fakeClient) MessagesAfter(_ context.Context, _ string, after int64, limit int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetchCall{after: after, limit: limit})
	return f.results, nil
}

func (f *fakeClient) MessagesBefore(_ context.Context, _ string, before int64, limit, _ int) ([]*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeCalls = append(f.beforeCalls, fetchCall{after: before, limit: limit})
	return f.beforeResults, nil
}
func (f *fakeClient) ChatExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	exists := f.exists
	delay := f.existsDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return exists, nil
}

func (f *fakeClient) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fetchCall, len(f.fetches))
	copy(out, f.fetches)
	return out
}

func testCfg() config.Reconcile {
	return config.Reconcile{
		PollInterval:     config.Duration(20 * time.Millisecond),
		QuietThreshold:   config.Duration(40 * time.Millisecond),
		ResumeFetchLimit: 25,
		PageSize:         50,
	}
}

const testChat = "iMessage;-;+15551234567"

func testSession(t *testing.T, merged []string) (*Session, *store.DB, *fakeClient, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	client := &fakeClient{connected: true, exists: true}
	b := bus.New()
	s := newSession(testChat, merged, db, client, b, testCfg(), zap.NewNop())
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	select {
	case <-s.InitialLoadDone():
	case <-time.After(2 * time.Second):
		t.Fatal("initial load never completed")
	}
	return s, db, client, b
}

func waitFor(t *testing.T, cond func() bool, why string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(why)
}

func TestInitialLoadFromStore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, m := range []store.Message{
		{ChatGUID: testChat, MsgID: "A", Text: "first", CreatedAt: 1000, Status: store.StatusReceived},
		{ChatGUID: testChat, MsgID: "B", Text: "second", CreatedAt: 2000, Status: store.StatusReceived},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	s := newSession(testChat, nil, db, &fakeClient{connected: true, exists: true}, bus.New(), testCfg(), zap.NewNop())
	if s.Phase() != PhaseUninitialized {
		t.Errorf("phase before start = %v", s.Phase())
	}
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	select {
	case <-s.InitialLoadDone():
	case <-time.After(2 * time.Second):
		t.Fatal("initial load never completed")
	}
	if s.Phase() != PhaseSteady {
		t.Errorf("phase = %v, want steady", s.Phase())
	}

	msgs, total := s.Snapshot()
	if len(msgs) != 2 || total != 2 {
		t.Fatalf("snapshot = %d msgs, total %d", len(msgs), total)
	}
	if msgs[0].MsgID != "B" {
		t.Errorf("newest first, got %q", msgs[0].MsgID)
	}
}

func TestOptimisticThenAckExactlyOneEntry(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	text := "hello"
	s.InsertOptimistic(send.PendingSendDescriptor{
		TempID:    "temp-abc",
		Text:      &text,
		CreatedAt: 1000,
		Channel:   "server",
	})

	msgs, _ := s.Snapshot()
	if len(msgs) != 1 || msgs[0].MsgID != "temp-abc" {
		t.Fatalf("snapshot after optimistic insert = %v", msgs)
	}
	if msgs[0].Status != store.StatusSending {
		t.Errorf("status = %q, want sending", msgs[0].Status)
	}

	b.Publish(bus.MessageSendAck, delivery.SendAck{ChatGUID: testChat, TempID: "temp-abc", ServerID: "SRV-9"})

	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 1 && msgs[0].MsgID == "SRV-9"
	}, "ack was not reconciled into exactly one durable entry")

	msgs, _ = s.Snapshot()
	if msgs[0].Text != "hello" || msgs[0].Status != store.StatusSent {
		t.Errorf("entry after swap = %+v", msgs[0])
	}
}

func TestPushAndAckForSameMessageDedupe(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	text := "hello"
	s.InsertOptimistic(send.PendingSendDescriptor{TempID: "temp-abc", Text: &text, CreatedAt: 1000, Channel: "server"})

	// Confirmation arrives over push first, then the ack correlates.
	b.Publish(bus.MessageUpserted, &store.Message{ChatGUID: testChat, MsgID: "SRV-9", FromMe: true, Text: "hello", CreatedAt: 1001, Status: store.StatusSent})
	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 2
	}, "push entry never landed")

	b.Publish(bus.MessageSendAck, delivery.SendAck{ChatGUID: testChat, TempID: "temp-abc", ServerID: "SRV-9"})
	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 1 && msgs[0].MsgID == "SRV-9"
	}, "duplicate entries were not collapsed")
}

func TestMergedChatPushAccepted(t *testing.T) {
	s, _, _, b := testSession(t, []string{"iMessage;-;+15551234567", "SMS;-;+15551234567"})

	// Different case, no plus: still this conversation.
	b.Publish(bus.MessageUpserted, &store.Message{
		ChatGUID: "sms;-;15551234567", MsgID: "X", Text: "fallback", CreatedAt: 1000, Status: store.StatusReceived,
	})

	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 1 && msgs[0].MsgID == "X"
	}, "merged-identifier push was not accepted")
}

func TestUnrelatedChatPushIgnored(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	b.Publish(bus.MessageUpserted, &store.Message{
		ChatGUID: "iMessage;-;+15559990000", MsgID: "Y", Text: "other", CreatedAt: 1000, Status: store.StatusReceived,
	})

	time.Sleep(50 * time.Millisecond)
	msgs, _ := s.Snapshot()
	if len(msgs) != 0 {
		t.Errorf("foreign chat message leaked in: %v", msgs)
	}
}

func TestSendFailureMarksEntry(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	text := "doomed"
	s.InsertOptimistic(send.PendingSendDescriptor{TempID: "temp-f", Text: &text, CreatedAt: 1000, Channel: "server"})

	b.Publish(bus.MessageSendFailed, delivery.SendFailure{ChatGUID: testChat, TempID: "temp-f", Reason: "offline"})

	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 1 && msgs[0].Status == store.StatusFailed
	}, "failure was not applied to the optimistic entry")
}

func TestPollFiresAfterQuiet(t *testing.T) {
	_, _, client, b := testSession(t, nil)

	// Mark push as having been alive, then go silent.
	b.Publish(bus.ServerMessage, &store.Message{ChatGUID: testChat, MsgID: "P", CreatedAt: 5000})
	b.Publish(bus.MessageUpserted, &store.Message{ChatGUID: testChat, MsgID: "P", Text: "push", CreatedAt: 5000, Status: store.StatusReceived})

	waitFor(t, func() bool { return len(client.fetchCalls()) > 0 }, "no catch-up poll fired after quiet threshold")

	calls := client.fetchCalls()
	if calls[0].after != 5000 {
		t.Errorf("poll after = %d, want newest local timestamp 5000", calls[0].after)
	}
}

func TestNoPollWhileDisconnected(t *testing.T) {
	_, _, client, b := testSession(t, nil)

	client.mu.Lock()
	client.connected = false
	client.mu.Unlock()

	b.Publish(bus.ServerMessage, &store.Message{ChatGUID: testChat, MsgID: "P", CreatedAt: 5000})

	time.Sleep(200 * time.Millisecond)
	if n := len(client.fetchCalls()); n != 0 {
		t.Errorf("polled %d times while disconnected", n)
	}
}

func TestNoPollWithoutPriorPush(t *testing.T) {
	_, _, client, _ := testSession(t, nil)

	// Push never became active for this chat: stay quiet.
	time.Sleep(200 * time.Millisecond)
	if n := len(client.fetchCalls()); n != 0 {
		t.Errorf("polled %d times without push ever being live", n)
	}
}

func TestResumeIssuesBoundedFetch(t *testing.T) {
	s, _, client, _ := testSession(t, nil)

	s.Resume()

	waitFor(t, func() bool { return len(client.fetchCalls()) > 0 }, "resume fetch never fired")
	calls := client.fetchCalls()
	if calls[0].limit != 25 {
		t.Errorf("resume fetch limit = %d, want 25", calls[0].limit)
	}
}

func TestSeenThisSession(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	if s.SeenThisSession("X") {
		t.Error("unseen id reported as seen")
	}
	b.Publish(bus.MessageUpserted, &store.Message{ChatGUID: testChat, MsgID: "X", Text: "hi", CreatedAt: 1000, Status: store.StatusReceived})
	waitFor(t, func() bool { return s.SeenThisSession("X") }, "seen set never updated")
}

func TestViewUpdatesPublished(t *testing.T) {
	s, _, _, b := testSession(t, nil)

	ch, unsub := b.Subscribe(bus.ViewUpdated, 16)
	defer unsub()

	text := "hello"
	s.InsertOptimistic(send.PendingSendDescriptor{TempID: "temp-v", Text: &text, CreatedAt: 1000, Channel: "server"})

	select {
	case evt := <-ch:
		view := evt.Payload.(View)
		if view.ChatGUID != testChat || len(view.Messages) != 1 {
			t.Errorf("view = %+v", view)
		}
		if !view.InitialLoadDone {
			t.Error("steady-phase views must flag initial load done")
		}
	case <-time.After(time.Second):
		t.Fatal("no view.updated event")
	}
}

func TestEventLoopResponsiveDuringExistenceCheck(t *testing.T) {
	s, _, client, b := testSession(t, nil)

	client.mu.Lock()
	client.existsDelay = 5 * time.Second
	client.mu.Unlock()

	// Make push live, then let the quiet threshold pass so the catch-up
	// machinery engages and starts the slow existence check.
	b.Publish(bus.ServerMessage, &store.Message{ChatGUID: testChat, MsgID: "P", CreatedAt: 5000})
	time.Sleep(60 * time.Millisecond)

	// The check must not stall the loop: events keep applying promptly.
	b.Publish(bus.MessageUpserted, &store.Message{ChatGUID: testChat, MsgID: "Q", Text: "still live", CreatedAt: 6000, Status: store.StatusReceived})
	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 1 && msgs[0].MsgID == "Q"
	}, "event was not applied while existence check was pending")
}

func TestNoFetchWhenChatMissingUpstream(t *testing.T) {
	_, _, client, b := testSession(t, nil)

	client.mu.Lock()
	client.exists = false
	client.mu.Unlock()

	b.Publish(bus.ServerMessage, &store.Message{ChatGUID: testChat, MsgID: "P", CreatedAt: 5000})

	time.Sleep(200 * time.Millisecond)
	if n := len(client.fetchCalls()); n != 0 {
		t.Errorf("fetched %d times for a chat that does not exist upstream", n)
	}
}

func TestHistoryBeforeHonorsSingleFlight(t *testing.T) {
	s, db, client, _ := testSession(t, nil)

	if err := db.UpsertMessage(&store.Message{ChatGUID: testChat, MsgID: "C", Text: "three", CreatedAt: 3000, Status: store.StatusReceived}); err != nil {
		t.Fatal(err)
	}

	// A range fetch is already running; backfill must serve the short
	// local page instead of overlapping it.
	s.syncInFlight.Store(true)
	page, err := s.HistoryBefore(context.Background(), 4000, 5)
	s.syncInFlight.Store(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Fatalf("page len = %d, want the local row only", len(page))
	}
	client.mu.Lock()
	calls := len(client.beforeCalls)
	client.mu.Unlock()
	if calls != 0 {
		t.Errorf("hit upstream %d times while a sync was in flight", calls)
	}
}

func TestHistoryBeforeBackfillsFromUpstream(t *testing.T) {
	s, db, client, _ := testSession(t, nil)

	for _, m := range []store.Message{
		{ChatGUID: testChat, MsgID: "C", Text: "three", CreatedAt: 3000, Status: store.StatusReceived},
		{ChatGUID: testChat, MsgID: "B", Text: "two", CreatedAt: 2000, Status: store.StatusReceived},
		{ChatGUID: testChat, MsgID: "GONE", Text: "bye", CreatedAt: 1200, Status: store.StatusReceived},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.SoftDeleteMessage(testChat, "GONE"); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	client.beforeResults = []*store.Message{
		{ChatGUID: testChat, MsgID: "A", Text: "one", CreatedAt: 1000, Status: store.StatusReceived},
		// The server still has the soft-deleted message; it must stay gone.
		{ChatGUID: testChat, MsgID: "GONE", Text: "bye", CreatedAt: 1200, Status: store.StatusReceived},
	}
	client.mu.Unlock()

	page, err := s.HistoryBefore(context.Background(), 4000, 4)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(page))
	for i, m := range page {
		ids[i] = m.MsgID
	}
	want := []string{"C", "B", "A"}
	if len(ids) != len(want) {
		t.Fatalf("page = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("page = %v, want %v", ids, want)
		}
	}
}

func TestHistoryBeforeServedLocallyWhenFull(t *testing.T) {
	s, db, client, _ := testSession(t, nil)

	for _, m := range []store.Message{
		{ChatGUID: testChat, MsgID: "C", Text: "three", CreatedAt: 3000, Status: store.StatusReceived},
		{ChatGUID: testChat, MsgID: "B", Text: "two", CreatedAt: 2000, Status: store.StatusReceived},
	} {
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.HistoryBefore(context.Background(), 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page len = %d, want 2", len(page))
	}
	client.mu.Lock()
	calls := len(client.beforeCalls)
	client.mu.Unlock()
	if calls != 0 {
		t.Errorf("hit upstream %d times for a locally full page", calls)
	}
}

func TestManagerMergedLookupAndOptimisticRouting(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.UpsertChat(&store.Chat{GUID: testChat, Service: "iMessage"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetChatIdentifiers(testChat, []string{testChat, "SMS;-;+15551234567"}); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	m := NewManager(db, &fakeClient{connected: true, exists: true}, b, testCfg(), zap.NewNop())
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	s, err := m.Open(testChat)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.InitialLoadDone():
	case <-time.After(2 * time.Second):
		t.Fatal("initial load never completed")
	}

	again, err := m.Open(testChat)
	if err != nil {
		t.Fatal(err)
	}
	if again != s {
		t.Error("second open must return the same session")
	}

	// The acknowledger path feeds queued sends straight into the session.
	text := "hi"
	m.SendQueued(testChat, send.PendingSendDescriptor{TempID: "temp-m", Text: &text, CreatedAt: 1000, Channel: "server"})
	msgs, _ := s.Snapshot()
	if len(msgs) != 1 || msgs[0].MsgID != "temp-m" {
		t.Errorf("snapshot = %v", msgs)
	}

	b.Publish(bus.MessageUpserted, &store.Message{ChatGUID: "SMS;-;+15551234567", MsgID: "S", Text: "sms side", CreatedAt: 2000, Status: store.StatusReceived})
	waitFor(t, func() bool {
		msgs, _ := s.Snapshot()
		return len(msgs) == 2
	}, "merged-identifier event not routed to session")

	m.Close(testChat)
	if m.Get(testChat) != nil {
		t.Error("session should be gone after close")
	}
}
