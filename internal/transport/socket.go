package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Socket is the production Client: a gorilla websocket for push events plus
// an HTTP JSON client for sends and range queries against the same server.
type Socket struct {
	baseURL  string
	password string
	http     *http.Client
	dialer   *websocket.Dialer
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	handler func(Event)

	connected atomic.Bool
}

// NewSocket creates a transport client for the given server base URL.
func NewSocket(baseURL, password string, logger *zap.Logger) *Socket {
	return &Socket{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		password: password,
		http:     &http.Client{Timeout: 30 * time.Second},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger,
	}
}

// RegisterHandler sets the event callback. Must be called before Connect.
func (s *Socket) RegisterHandler(h func(Event)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Connect dials the push socket and starts the read loop. The loop
// reconnects with backoff until Disconnect is called or ctx ends.
func (s *Socket) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		return err
	}
	s.setConn(conn)
	s.connected.Store(true)
	s.emit(ConnectedEvent{})

	go s.readLoop(ctx)
	return nil
}

// Disconnect tears down the push socket and stops reconnecting.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.connected.Store(false)
	if conn != nil {
		_ = conn.Close()
	}
}

// Connected reports whether the push channel is currently up.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.socketURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial push socket: %w", err)
	}
	return conn, nil
}

func (s *Socket) socketURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("password", s.password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) readLoop(ctx context.Context) {
	backoff := time.Second
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connected.Store(false)
			s.emit(DisconnectedEvent{Err: err})

			// Reconnect with capped exponential backoff.
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				next, dialErr := s.dial(ctx)
				if dialErr == nil {
					s.setConn(next)
					s.connected.Store(true)
					s.emit(ConnectedEvent{})
					backoff = time.Second
					break
				}
				s.logger.Warn("push socket reconnect failed", zap.Error(dialErr), zap.Duration("backoff", backoff))
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
			continue
		}

		s.handleFrame(data)
	}
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Socket) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("malformed push frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case "new-message":
		var wm wireMessage
		if err := json.Unmarshal(frame.Data, &wm); err != nil {
			s.logger.Warn("malformed message frame", zap.Error(err))
			return
		}
		s.emit(MessageEvent{Msg: wm.toStoreMessage()})
	case "updated-message":
		var wm wireMessage
		if err := json.Unmarshal(frame.Data, &wm); err != nil {
			s.logger.Warn("malformed update frame", zap.Error(err))
			return
		}
		s.emit(MessageUpdatedEvent{Msg: wm.toStoreMessage()})
	case "typing-indicator":
		var ti struct {
			GUID    string `json:"guid"`
			Display bool   `json:"display"`
		}
		if err := json.Unmarshal(frame.Data, &ti); err != nil {
			s.logger.Warn("malformed typing frame", zap.Error(err))
			return
		}
		s.emit(TypingEvent{ChatGUID: ti.GUID, Typing: ti.Display})
	default:
		// Unknown frame kinds are ignored; the server adds types over time.
	}
}

func (s *Socket) emit(evt Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
}

func (s *Socket) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
