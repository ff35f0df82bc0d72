package reconcile

import (
	"context"
	"sync"

	"github.com/lucamoreira/bluebird/internal/bus"
	"github.com/lucamoreira/bluebird/internal/config"
	"github.com/lucamoreira/bluebird/internal/identity"
	"github.com/lucamoreira/bluebird/internal/send"
	"github.com/lucamoreira/bluebird/internal/store"
	"github.com/lucamoreira/bluebird/internal/transport"
	"go.uber.org/zap"
)

// Manager owns one Session per open chat. Sessions for different chats are
// independent and run concurrently.
type Manager struct {
	db     *store.DB
	client transport.Client
	bus    *bus.Bus
	cfg    config.Reconcile
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a session manager.
func NewManager(db *store.DB, client transport.Client, b *bus.Bus, cfg config.Reconcile, logger *zap.Logger) *Manager {
	return &Manager{
		db:       db,
		client:   client,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Start establishes the lifetime under which sessions run.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop tears down every open session.
func (m *Manager) Stop() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	cancel := m.cancel
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// Open returns the session for a chat, creating and starting it if needed.
// The chat's merged identifier set is read from storage so pushes addressed
// to any underlying provider-side identifier land in the same session.
func (m *Manager) Open(chatGUID string) (*Session, error) {
	key := identity.Normalize(chatGUID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s, nil
	}

	merged, err := m.db.ChatIdentifiers(chatGUID)
	if err != nil {
		return nil, err
	}

	s := newSession(chatGUID, merged, m.db, m.client, m.bus, m.cfg, m.logger)
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.Start(ctx)
	m.sessions[key] = s
	m.logger.Info("chat session opened", zap.String("chat_guid", chatGUID), zap.Int("merged_ids", len(merged)))
	return s, nil
}

// Close tears down the session for a chat, if open.
func (m *Manager) Close(chatGUID string) {
	key := identity.Normalize(chatGUID)

	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		s.Stop()
		m.logger.Info("chat session closed", zap.String("chat_guid", chatGUID))
	}
}

// Get returns the open session for a chat, or nil.
func (m *Manager) Get(chatGUID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[identity.Normalize(chatGUID)]
}

// ResumeAll issues one bounded catch-up fetch per open session, used on
// foreground transitions.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Resume()
	}
}

// SendQueued feeds a just-queued send into the chat's session for
// optimistic display. Satisfies the send coordinator's acknowledger; chats
// without an open session skip straight to storage-driven rendering.
func (m *Manager) SendQueued(chatGUID string, desc send.PendingSendDescriptor) {
	if s := m.Get(chatGUID); s != nil {
		s.InsertOptimistic(desc)
	}
}
