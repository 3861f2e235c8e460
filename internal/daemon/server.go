package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/internal/session"
	"go.uber.org/zap"
)

// Server serves the local API over the session's Unix domain socket.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the router to the session socket. A stale socket file
// from a crashed daemon is removed; a live one is protected by the
// session lock acquired before this runs.
func NewServer(p Params, logger *zap.Logger, router *gin.Engine) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

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
		httpServer: &http.Server{Handler: router},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts down gracefully and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = os.Remove(s.socketPath)
}
