package daemon

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"coachchat/internal/core"
	"coachchat/internal/gateway"
	"coachchat/internal/remote"
)

// Server manages the gateway's HTTP listener lifecycle.
type Server struct {
	gw       *gateway.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer binds the gateway to the configured loopback address.
func NewServer(p Params, logger *zap.Logger, client *core.Client, blobs remote.BlobStore) (*Server, error) {
	reader, ok := blobs.(remote.BlobReader)
	if !ok {
		return nil, fmt.Errorf("blob store %T cannot serve downloads", blobs)
	}

	listener, err := net.Listen("tcp", p.Config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.Config.ListenAddr, err)
	}

	return &Server{
		gw:       gateway.NewServer(client, reader, logger),
		listener: listener,
		logger:   logger,
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.listener.Addr().String()))
	return s.gw.Serve(s.listener)
}

// Stop drains the gateway.
func (s *Server) Stop(ctx context.Context) {
	if err := s.gw.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown", zap.Error(err))
	}
}
