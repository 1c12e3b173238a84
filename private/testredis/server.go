// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package testredis provides a throwaway in-process redis for tests.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zeebo/errs"
)

// Server is a running redis for tests.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process redis instance.
func Start(ctx context.Context) (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Server{mini: mini}, nil
}

// Addr returns the host:port the server listens on.
func (server *Server) Addr() string { return server.mini.Addr() }

// FastForward advances the server clock, expiring ttl'd keys.
func (server *Server) FastForward(d time.Duration) { server.mini.FastForward(d) }

// Close shuts the server down.
func (server *Server) Close() error {
	server.mini.Close()
	return nil
}
