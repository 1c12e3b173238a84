// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package guildpix assembles the gallery backend: the KV and object
// stores, the gallery and request services, the upload pipeline and the
// gradient worker.
package guildpix

import (
	"context"
	"errors"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guildpix/guildpix/guildpix/gallery"
	"github.com/guildpix/guildpix/guildpix/gradient"
	"github.com/guildpix/guildpix/guildpix/requests"
	"github.com/guildpix/guildpix/guildpix/uploads"
	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/objstore"
	"github.com/guildpix/guildpix/private/objstore/miniostore"
)

var mon = monkit.Package()

// Error is the default guildpix peer error class.
var Error = errs.Class("guildpix")

// DatabaseConfig holds the KV store connection settings.
type DatabaseConfig struct {
	Address  string `help:"redis server address" default:"localhost:6379"`
	Password string `help:"redis password" default:""`
	DB       int    `help:"redis database index" default:"0"`
}

// Config is the run configuration of the peer.
type Config struct {
	Database DatabaseConfig
	Objects  miniostore.Config
	Uploads  uploads.Config
	Gradient gradient.Config
}

// Peer is the gallery backend process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger

	DB      *kvstore.Client
	Objects objstore.Store

	Galleries *gallery.Service
	Requests  *requests.Store

	Gradient struct {
		Worker *gradient.Worker
	}

	Uploads struct {
		Chunks     *uploads.ChunkService
		Controller *uploads.Controller
	}
}

// New creates a new peer with all subsystems wired up. The tenant
// bucket must already exist.
func New(ctx context.Context, log *zap.Logger, config Config) (_ *Peer, err error) {
	defer mon.Task()(&ctx)(&err)

	peer := &Peer{Log: log}

	peer.DB, err = kvstore.Open(ctx, config.Database.Address, config.Database.Password, config.Database.DB)
	if err != nil {
		return nil, Error.New("failed to connect to kv store: %v", err)
	}

	objects, err := miniostore.Open(ctx, config.Objects)
	if err != nil {
		_ = peer.DB.Close()
		return nil, Error.New("failed to connect to object store: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		_ = peer.DB.Close()
		return nil, Error.Wrap(err)
	}
	peer.Objects = objects

	peer.Galleries = gallery.NewService(log.Named("gallery"), peer.DB, peer.Objects)
	peer.Requests = requests.NewStore(log.Named("requests"), peer.DB)

	peer.Gradient.Worker = gradient.NewWorker(log.Named("gradient"), peer.DB, peer.Objects, config.Gradient)

	peer.Uploads.Chunks = uploads.NewChunkService(log.Named("uploads:chunks"), config.Uploads)
	peer.Uploads.Controller = uploads.NewController(log.Named("uploads"), peer.DB, peer.Objects,
		peer.Galleries, peer.Gradient.Worker, peer.Uploads.Chunks, config.Uploads)

	return peer, nil
}

// Run starts the background subsystems and blocks until ctx is
// canceled or one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCancel(peer.Gradient.Worker.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCancel(peer.Uploads.Chunks.Run(ctx))
	})
	return group.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts the subsystems down in reverse dependency order, waiting
// for in-flight background uploads and draining in-flight gradient
// jobs back to the queue.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Uploads.Controller != nil {
		group.Add(peer.Uploads.Controller.Close())
	}
	if peer.Uploads.Chunks != nil {
		group.Add(peer.Uploads.Chunks.Close())
	}
	if peer.Gradient.Worker != nil {
		group.Add(peer.Gradient.Worker.Close())
	}
	if peer.DB != nil {
		group.Add(peer.DB.Close())
	}

	return group.Err()
}
