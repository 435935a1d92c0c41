// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package transport accepts TCP or TLS connections and hands each of them to a
// handler running on its own goroutine.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// ErrServerStarted is returned by Start on a running server.
var ErrServerStarted = errors.New("transport: server already started")

// Handler serves one accepted connection until it returns. ctx is cancelled
// when the server stops.
type Handler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// ServeConn calls f.
func (f HandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Server manages the accepting and handling of raw TCP connections.
type Server struct {
	handler Handler
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a server passing connections to handler.
func NewServer(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening on addr and accepting connections in the
// background.
func (s *Server) Start(ctx context.Context, addr string) error {
	return s.listen(ctx, addr, func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	})
}

// StartTLS is Start with every connection wrapped in TLS.
func (s *Server) StartTLS(ctx context.Context, addr string, config *tls.Config) error {
	return s.listen(ctx, addr, func() (net.Listener, error) {
		return tls.Listen("tcp", addr, config)
	})
}

func (s *Server) listen(ctx context.Context, addr string, listen func() (net.Listener, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrServerStarted
	}
	ln, err := listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	s.logger.Info("server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listener and every open connection, and waits for the
// handlers to return.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	_ = s.listener.Close()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("server stopped")
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("error accepting connection", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			s.handler.ServeConn(ctx, conn)
		}()
	}
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
