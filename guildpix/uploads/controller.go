// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package uploads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/guildpix/guildpix/guildpix/gallery"
	"github.com/guildpix/guildpix/guildpix/gradient"
	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/objstore"
)

// Result describes what happened to a finalized upload. Single images
// are stored synchronously (type "sync") and carry the object key; zip
// archives are processed in the background (type "async") and carry a
// job id to poll.
type Result struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	JobID string `json:"jobId,omitempty"`
}

// Controller routes finalized uploads into gallery storage.
//
// architecture: Service
type Controller struct {
	log       *zap.Logger
	db        *kvstore.Client
	objects   objstore.Store
	galleries *gallery.Service
	gradients *gradient.Worker
	chunks    *ChunkService
	config    Config

	pending sync.WaitGroup
}

// NewController instantiates a Controller.
func NewController(log *zap.Logger, db *kvstore.Client, objects objstore.Store, galleries *gallery.Service, gradients *gradient.Worker, chunks *ChunkService, config Config) *Controller {
	return &Controller{
		log:       log,
		db:        db,
		objects:   objects,
		galleries: galleries,
		gradients: gradients,
		chunks:    chunks,
		config:    config,
	}
}

// Close waits for in-flight background zip jobs to finish.
func (controller *Controller) Close() error {
	controller.pending.Wait()
	return nil
}

// Process stores a finalized upload session's assembled file. Images go
// straight to the object store; zip archives get a background job. The
// assembled file is always consumed: removed synchronously for images
// and rejected uploads, by the background job for archives.
func (controller *Controller) Process(ctx context.Context, session *Session, assembledPath string) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	head := make([]byte, 4)
	file, err := os.Open(assembledPath)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	n, err := io.ReadFull(file, head)
	if err != nil && n == 0 {
		_ = file.Close()
		_ = os.Remove(assembledPath)
		return Result{}, Error.New("assembled file is empty")
	}
	head = head[:n]

	meta := session.Meta
	switch {
	case IsZip(meta.FileName, meta.FileType, head):
		_ = file.Close()
		return controller.processZip(ctx, session, assembledPath)

	case AllowedImage(meta.FileName, meta.FileType):
		defer func() {
			_ = file.Close()
			_ = os.Remove(assembledPath)
		}()
		return controller.processImage(ctx, session, file)

	default:
		_ = file.Close()
		_ = os.Remove(assembledPath)
		err = ErrUnsupportedType.New("%q (%s)", meta.FileName, meta.FileType)
		_ = controller.chunks.MarkFailed(session.ID, err)
		return Result{}, err
	}
}

func (controller *Controller) processImage(ctx context.Context, session *Session, file *os.File) (Result, error) {
	meta := session.Meta
	info, err := file.Stat()
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Result{}, Error.Wrap(err)
	}

	target, err := controller.galleries.Get(ctx, meta.GuildID, meta.GalleryName)
	if err != nil {
		_ = controller.chunks.MarkFailed(session.ID, err)
		return Result{}, err
	}

	base := SanitizePath(path.Base(filepath.ToSlash(meta.FileName)))
	key := fmt.Sprintf("%s%s/%d-%s",
		gallery.UploadsPrefix(meta.GuildID, target.FolderName), dayFolder(), nowMillis(), base)

	contentType := meta.FileType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeOf(meta.FileName)
	}

	_ = controller.chunks.UpdateProgress(session.ID, StatusProcessing, PhaseServerUpload, nil, nil)
	if err := controller.objects.PutStream(ctx, key, file, info.Size(), contentType, nil); err != nil {
		_ = controller.chunks.MarkFailed(session.ID, err)
		return Result{}, Error.Wrap(err)
	}

	if err := controller.galleries.IncrementItemCount(ctx, meta.GuildID, meta.GalleryName, 1); err != nil {
		controller.log.Warn("failed to bump gallery item count",
			zap.String("guildId", meta.GuildID),
			zap.String("gallery", meta.GalleryName),
			zap.Error(err))
	}
	if _, err := controller.gradients.Enqueue(ctx, gradient.Job{
		GuildID:     meta.GuildID,
		GalleryName: meta.GalleryName,
		StorageKey:  key,
	}); err != nil {
		controller.log.Warn("failed to enqueue gradient job",
			zap.String("key", key), zap.Error(err))
	}

	_ = controller.chunks.MarkCompleted(session.ID)
	mon.Counter("uploads_images_stored").Inc(1)

	return Result{Type: "sync", Key: key}, nil
}

func (controller *Controller) processZip(ctx context.Context, session *Session, assembledPath string) (Result, error) {
	meta := session.Meta
	if _, err := controller.galleries.Get(ctx, meta.GuildID, meta.GalleryName); err != nil {
		_ = os.Remove(assembledPath)
		_ = controller.chunks.MarkFailed(session.ID, err)
		return Result{}, err
	}

	job, err := controller.createJob(ctx, meta.GuildID, meta.GalleryName, meta.FileName, meta.TotalSize)
	if err != nil {
		_ = os.Remove(assembledPath)
		return Result{}, err
	}

	_ = controller.chunks.UpdateProgress(session.ID, StatusProcessing, PhaseServerZipExtract, nil, nil)

	controller.pending.Add(1)
	go func() {
		defer controller.pending.Done()
		// detached from the request; the watchdog below bounds it.
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), controller.config.MaxProcessingDuration)
		defer cancel()
		controller.runZipJob(jobCtx, session, job.JobID, assembledPath)
	}()

	return Result{Type: "async", JobID: job.JobID}, nil
}
