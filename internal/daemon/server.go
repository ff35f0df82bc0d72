package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/lucamoreira/bluebird/internal/api"
	"github.com/lucamoreira/bluebird/internal/session"
	"go.uber.org/zap"
)

// Server manages the local API server lifecycle for a session daemon.
type Server struct {
	api        *api.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the API server to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, apiSrv *api.Server) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		api:        apiSrv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving API requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	return s.api.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	if err := s.api.Shutdown(ctx); err != nil {
		s.logger.Warn("api shutdown error", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
