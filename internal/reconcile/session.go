// Package reconcile merges optimistic local sends, authoritative storage
// updates, and real-time push events into one consistent ordered view per
// chat. Each open chat gets a Session with a single owning goroutine; all
// mutations are serialized through it, so the merge policy never races
// against itself.
package reconcile

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/config"
	"github.com/lucamoreira/bluebird/internal/delivery"
	"github.com/lucamoreira/bluebird/internal/identity"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/store"
	"github.com/lucamoreira/bluebird/internal/transport"
	"go.uber.org/zap"
)

// Phase is the lifecycle state of a chat session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseSteady
)

// View is the payload of view.updated events: a snapshot of the reconciled
// window for one chat.
type View struct {
	ChatGUID        string
	Messages        []store.Message
	TotalCount      int
	InitialLoadDone bool
}

// Session owns the reconciled message view for one logical conversation,
// which may span several provider-side chat identifiers.
type Session struct {
	chatGUID string
	matcher  *identity.Matcher
	db       *store.DB
	client   transport.Client
	bus      *bus.Bus
	cfg      config.Reconcile
	logger   *zap.Logger

	mu    sync.Mutex
	list  *SparseList
	seen  map[string]struct{}
	phase Phase

	initialLoad     chan struct{}
	initialLoadOnce sync.Once

	// Loop-owned polling state. syncInFlight is also taken by history
	// paging, so it is atomic: one range fetch per chat at a time.
	lastPushAt   time.Time
	pushWasLive  bool
	syncInFlight atomic.Bool
	chatUpstream bool
	checkedChat  bool

	cmds   chan func()
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(chatGUID string, merged []string, db *store.DB, client transport.Client, b *bus.Bus, cfg config.Reconcile, logger *zap.Logger) *Session {
	return &Session{
		chatGUID:    chatGUID,
		matcher:     identity.NewMatcher(chatGUID, merged),
		db:          db,
		client:      client,
		bus:         b,
		cfg:         cfg,
		logger:      logger.With(zap.String("chat_guid", chatGUID)),
		list:        NewSparseList(),
		seen:        make(map[string]struct{}),
		initialLoad: make(chan struct{}),
		cmds:        make(chan func(), 64),
	}
}

// Start loads the initial window and launches the owning goroutine.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	s.mu.Lock()
	s.phase = PhaseLoading
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop tears the session down and waits for the loop to exit.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// InitialLoadDone is closed once the first window has loaded. Transitions
// into the steady phase are idempotent; the channel closes exactly once.
func (s *Session) InitialLoadDone() <-chan struct{} { return s.initialLoad }

// Phase returns the session's current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Snapshot returns the current reconciled window, newest first, plus the
// known total.
func (s *Session) Snapshot() ([]store.Message, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list.Snapshot(), s.list.TotalCount()
}

// SeenThisSession reports whether an identifier has already been observed
// by this session. The rendering layer uses it to suppress entry
// animations on reload.
func (s *Session) SeenThisSession(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[msgID]
	return ok
}

// InsertOptimistic places a just-queued send at its timestamp position
// before any network or storage round trip confirms it.
func (s *Session) InsertOptimistic(desc send.PendingSendDescriptor) {
	text := ""
	if desc.Text != nil {
		text = *desc.Text
	}
	msg := store.Message{
		ChatGUID:  s.chatGUID,
		MsgID:     desc.TempID,
		FromMe:    true,
		Text:      text,
		CreatedAt: desc.CreatedAt,
		Status:    store.StatusSending,
		Source:    store.Source(desc.Channel),
		EffectID:  desc.EffectID,
		ReplyToID: desc.ReplyToID,
	}
	s.mu.Lock()
	s.list.InsertOrUpdate(msg)
	s.seen[desc.TempID] = struct{}{}
	s.mu.Unlock()
	s.publishView()
}

// Resume issues one bounded catch-up fetch, used on foreground transitions
// to recover anything missed while suspended. Errors are logged only.
func (s *Session) Resume() {
	s.dispatch(func() { s.startSync(s.cfg.ResumeFetchLimit) })
}

// HistoryBefore returns a page of messages older than beforeTs, newest
// first. When the local store cannot fill the page and the transport is
// connected, the missing range is fetched upstream; fetched messages are
// re-published as server events so they persist through the usual
// ingestion path. Soft-deleted identifiers never reappear in the page.
func (s *Session) HistoryBefore(ctx context.Context, beforeTs int64, limit int) ([]store.Message, error) {
	page, err := s.db.ListMessages(s.chatGUID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	if len(page) >= limit || !s.client.Connected() {
		return page, nil
	}
	// Backfill shares the single-flight guard with catch-up polling; if a
	// range fetch is already running, serve the short local page.
	if !s.syncInFlight.CompareAndSwap(false, true) {
		return page, nil
	}
	defer s.syncInFlight.Store(false)

	fetched, err := s.client.MessagesBefore(ctx, s.chatGUID, beforeTs, limit, 0)
	if err != nil {
		// Serve what the store has; the next request retries upstream.
		s.logger.Debug("history backfill failed", zap.Error(err))
		return page, nil
	}

	have := make(map[string]struct{}, len(page))
	for _, m := range page {
		have[m.MsgID] = struct{}{}
	}
	for _, m := range fetched {
		if m == nil {
			continue
		}
		s.bus.Publish(bus.ServerMessage, m)
		if _, ok := have[m.MsgID]; ok {
			continue
		}
		if gone, err := s.db.IsTombstoned(s.chatGUID, m.MsgID); err == nil && gone {
			continue
		}
		have[m.MsgID] = struct{}{}
		page = append(page, *m)
	}
	sort.Slice(page, func(i, j int) bool {
		if page[i].CreatedAt != page[j].CreatedAt {
			return page[i].CreatedAt > page[j].CreatedAt
		}
		return page[i].MsgID > page[j].MsgID
	})
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// Refresh reloads the window from storage.
func (s *Session) Refresh() {
	s.dispatch(func() { s.reload() })
}

// MarkRead clears the chat's unread state.
func (s *Session) MarkRead() error {
	return s.db.MarkChatRead(s.chatGUID)
}

// dispatch runs fn on the owning goroutine.
func (s *Session) dispatch(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	events, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	s.load()

	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval))
	defer ticker.Stop()

	for {
		select {
		case evt := <-events:
			s.handleEvent(evt)
		case fn := <-s.cmds:
			fn()
		case <-ticker.C:
			s.maybePoll()
		case <-ctx.Done():
			return
		}
	}
}

// load performs the initial window load from storage.
func (s *Session) load() {
	msgs, err := s.db.ListMessages(s.chatGUID, 0, s.cfg.PageSize)
	if err != nil {
		s.logger.Error("initial load failed", zap.Error(err))
		msgs = nil
	}
	total, err := s.db.CountMessages(s.chatGUID)
	if err != nil {
		total = len(msgs)
	}

	s.mu.Lock()
	s.list.Reset(msgs, total)
	s.phase = PhaseSteady
	s.mu.Unlock()

	s.initialLoadOnce.Do(func() { close(s.initialLoad) })
	s.publishView()
	s.logger.Debug("session loaded", zap.Int("messages", len(msgs)), zap.Int("total", total))
}

func (s *Session) reload() {
	msgs, err := s.db.ListMessages(s.chatGUID, 0, s.cfg.PageSize)
	if err != nil {
		s.logger.Error("refresh failed", zap.Error(err))
		return
	}
	total, err := s.db.CountMessages(s.chatGUID)
	if err != nil {
		total = len(msgs)
	}
	s.mu.Lock()
	s.list.Reset(msgs, total)
	s.mu.Unlock()
	s.publishView()
}

func (s *Session) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.ServerMessage, bus.ServerMessageUpdated:
		// Push is alive; mutation arrives separately via message.upserted
		// once ingestion has persisted it.
		if msg, ok := evt.Payload.(*store.Message); ok && s.matcher.Matches(msg.ChatGUID) {
			s.lastPushAt = evt.At
			s.pushWasLive = true
		}

	case bus.MessageUpserted:
		msg, ok := evt.Payload.(*store.Message)
		if !ok || !s.matcher.Matches(msg.ChatGUID) {
			return
		}
		s.applyUpsert(*msg)

	case bus.MessageSendAck:
		ack, ok := evt.Payload.(delivery.SendAck)
		if !ok || !s.matcher.Matches(ack.ChatGUID) {
			return
		}
		s.applyAck(ack)

	case bus.MessageSendFailed:
		fail, ok := evt.Payload.(delivery.SendFailure)
		if !ok || !s.matcher.Matches(fail.ChatGUID) {
			return
		}
		s.applyFailure(fail)

	case bus.MessageDeleted:
		del, ok := evt.Payload.(delivery.SendFailure)
		if !ok || !s.matcher.Matches(del.ChatGUID) {
			return
		}
		s.mu.Lock()
		removed := s.list.Remove(del.TempID)
		s.mu.Unlock()
		if removed {
			s.publishView()
		}

	case bus.TransportDisconnected:
		s.pushWasLive = false
	}
}

func (s *Session) applyUpsert(msg store.Message) {
	s.mu.Lock()
	changed := s.list.InsertOrUpdate(msg)
	if changed {
		s.seen[msg.MsgID] = struct{}{}
	}
	s.mu.Unlock()
	if changed {
		s.checkpoint(msg.CreatedAt)
		s.publishView()
	}
}

func (s *Session) applyAck(ack delivery.SendAck) {
	s.mu.Lock()
	replaced := s.list.ReplaceID(ack.TempID, ack.ServerID)
	if replaced {
		s.seen[ack.ServerID] = struct{}{}
	}
	s.mu.Unlock()
	if replaced {
		s.publishView()
	}
}

func (s *Session) applyFailure(fail delivery.SendFailure) {
	s.mu.Lock()
	msg, ok := s.list.Get(fail.TempID)
	if ok {
		msg.Status = store.StatusFailed
		s.list.InsertOrUpdate(msg)
	}
	s.mu.Unlock()
	if ok {
		s.publishView()
	}
}

// maybePoll fires a bounded catch-up fetch when push has been alive but is
// now quiet, the transport is connected, and the chat exists upstream. At
// most one fetch is in flight at a time.
func (s *Session) maybePoll() {
	if s.syncInFlight.Load() || !s.pushWasLive || !s.client.Connected() {
		return
	}
	if time.Since(s.lastPushAt) < time.Duration(s.cfg.QuietThreshold) {
		return
	}
	if s.checkedChat && !s.chatUpstream {
		return
	}
	s.startSync(s.cfg.PageSize)
}

// startSync launches one messages-after fetch. The upstream round trips,
// including the first-time chat existence check, all run off the event
// loop so a stalled server never blocks event handling. Results are
// re-published as server events so they flow through the exact same
// ingestion path as push.
func (s *Session) startSync(limit int) {
	if !s.syncInFlight.CompareAndSwap(false, true) {
		return
	}
	needCheck := !s.checkedChat

	s.mu.Lock()
	after := s.list.NewestTimestamp()
	s.mu.Unlock()

	go func() {
		defer s.syncInFlight.Store(false)

		ctx, cancelFetch := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelFetch()

		if needCheck {
			exists, err := s.client.ChatExists(ctx, s.chatGUID)
			if err != nil {
				s.logger.Debug("chat existence check failed", zap.Error(err))
				return
			}
			s.dispatch(func() {
				s.checkedChat = true
				s.chatUpstream = exists
			})
			if !exists {
				return
			}
		}

		msgs, err := s.client.MessagesAfter(ctx, s.chatGUID, after, limit)
		if err != nil {
			// Best-effort catch-up; the next tick retries.
			s.logger.Debug("catch-up fetch failed", zap.Error(err))
		}
		for _, m := range msgs {
			s.bus.Publish(bus.ServerMessage, m)
		}
	}()
}

func (s *Session) checkpoint(ts int64) {
	if ts <= 0 {
		return
	}
	key := "chat:" + s.chatGUID + ":newest"
	if err := s.db.SetCheckpoint(key, strconv.FormatInt(ts, 10)); err != nil {
		s.logger.Debug("checkpoint write failed", zap.Error(err))
	}
}

func (s *Session) publishView() {
	s.mu.Lock()
	view := View{
		ChatGUID:        s.chatGUID,
		Messages:        s.list.Snapshot(),
		TotalCount:      s.list.TotalCount(),
		InitialLoadDone: s.phase == PhaseSteady,
	}
	s.mu.Unlock()
	s.bus.Publish(bus.ViewUpdated, view)
}
