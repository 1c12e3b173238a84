// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package uploads

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/guildpix/guildpix/guildpix/gallery"
	"github.com/guildpix/guildpix/guildpix/gradient"
)

// runZipJob extracts a zip archive into gallery storage. Entries are
// uploaded sequentially under one shared timestamp so the batch sorts
// together; per-entry failures accumulate on the job record instead of
// aborting the run. The ctx deadline is the processing watchdog.
func (controller *Controller) runZipJob(ctx context.Context, session *Session, jobID, archivePath string) {
	defer func() {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			controller.log.Warn("failed to remove processed archive",
				zap.String("jobId", jobID), zap.Error(err))
		}
	}()

	meta := session.Meta
	log := controller.log.With(
		zap.String("jobId", jobID),
		zap.String("guildId", meta.GuildID),
		zap.String("gallery", meta.GalleryName))

	// record writes must land even after the watchdog tripped.
	recordCtx := context.WithoutCancel(ctx)

	fail := func(message string, cause error) {
		if cause != nil {
			log.Warn("zip upload failed", zap.String("reason", message), zap.Error(cause))
		} else {
			log.Info("zip upload rejected", zap.String("reason", message))
		}
		controller.failJob(recordCtx, jobID, message)
		_ = controller.chunks.MarkFailed(session.ID, Error.New("%s", message))
		mon.Counter("uploads_zip_failed").Inc(1)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		fail("invalid ZIP archive", err)
		return
	}
	defer func() { _ = reader.Close() }()

	entries := eligibleEntries(reader.File)
	if len(entries) == 0 {
		fail("ZIP contained no supported image files", nil)
		return
	}
	if len(entries) > controller.config.MaxZipEntries {
		fail(fmt.Sprintf("ZIP limits exceeded: %d image entries, maximum is %d",
			len(entries), controller.config.MaxZipEntries), nil)
		return
	}

	target, err := controller.galleries.Get(recordCtx, meta.GuildID, meta.GalleryName)
	if err != nil {
		fail("gallery no longer available", err)
		return
	}
	prefix := gallery.UploadsPrefix(meta.GuildID, target.FolderName) + dayFolder() + "/"

	total := len(entries)
	err = controller.updateJob(recordCtx, jobID, func(job *Job) {
		job.Status = JobProcessing
		job.StartedAt = nowMillis()
		job.Progress.TotalFiles = total
	})
	if err != nil {
		log.Error("failed to start upload job", zap.Error(err))
		return
	}
	sessionTotal := total
	_ = controller.chunks.UpdateProgress(session.ID, StatusProcessing, PhaseServerUpload, nil, &sessionTotal)

	timestamp := nowMillis()
	byteBudget := controller.config.MaxZipUncompressed.Int64()

	var uploaded []UploadedFile
	var failed []FailedFile
	var extractedBytes int64

	for index, entry := range entries {
		if ctx.Err() != nil {
			fail("ZIP processing timed out", ctx.Err())
			return
		}

		extractedBytes += int64(entry.UncompressedSize64)
		if extractedBytes > byteBudget {
			fail(fmt.Sprintf("ZIP limits exceeded: uncompressed size above %s",
				controller.config.MaxZipUncompressed), nil)
			return
		}

		key, err := controller.storeEntry(ctx, prefix, timestamp, index, entry)
		if err != nil {
			failed = append(failed, FailedFile{
				Filename: entry.Name,
				Error:    err.Error(),
			})
		} else {
			uploaded = append(uploaded, UploadedFile{
				Key:         key,
				ContentType: contentTypeOf(entry.Name),
			})
		}

		processed := index + 1
		if processed%controller.config.ProgressInterval == 0 && processed < total {
			err := controller.updateJob(recordCtx, jobID, func(job *Job) {
				job.Progress.ProcessedFiles = processed
				job.Progress.UploadedFiles = []UploadedFile{}
				job.Progress.FailedFiles = []FailedFile{}
			})
			if err != nil {
				log.Warn("failed to write zip progress", zap.Error(err))
			}
			sessionProcessed := processed
			_ = controller.chunks.UpdateProgress(session.ID, StatusProcessing, PhaseServerUpload, &sessionProcessed, nil)
		}
	}

	if len(uploaded) == 0 {
		// every entry failed to store; the archive yielded nothing.
		err := controller.updateJob(recordCtx, jobID, func(job *Job) {
			job.Progress.ProcessedFiles = total
			job.Progress.FailedFiles = failed
		})
		if err != nil {
			log.Warn("failed to record zip failures", zap.Error(err))
		}
		fail("ZIP contained no supported image files", nil)
		return
	}

	err = controller.updateJob(recordCtx, jobID, func(job *Job) {
		job.Status = JobCompleted
		job.CompletedAt = nowMillis()
		job.Progress.ProcessedFiles = total
		job.Progress.UploadedFiles = uploaded
		job.Progress.FailedFiles = failed
	})
	if err != nil {
		log.Error("failed to complete upload job", zap.Error(err))
		return
	}
	controller.finalizeJob(recordCtx, jobID)
	_ = controller.chunks.MarkCompleted(session.ID)

	if len(uploaded) > 0 {
		if err := controller.galleries.IncrementItemCount(recordCtx, meta.GuildID, meta.GalleryName, len(uploaded)); err != nil {
			log.Warn("failed to bump gallery item count", zap.Error(err))
		}
	}
	for _, file := range uploaded {
		if _, err := controller.gradients.Enqueue(recordCtx, gradient.Job{
			GuildID:     meta.GuildID,
			GalleryName: meta.GalleryName,
			StorageKey:  file.Key,
		}); err != nil {
			log.Warn("failed to enqueue gradient job",
				zap.String("key", file.Key), zap.Error(err))
		}
	}

	log.Info("zip upload completed",
		zap.Int("uploaded", len(uploaded)),
		zap.Int("failed", len(failed)))
	mon.Counter("uploads_zip_completed").Inc(1)
	mon.Counter("uploads_zip_images_stored").Inc(int64(len(uploaded)))
}

// eligibleEntries filters an archive down to the image files worth
// storing, dropping directories and Apple resource forks.
func eligibleEntries(files []*zip.File) []*zip.File {
	var entries []*zip.File
	for _, file := range files {
		if file.FileInfo().IsDir() {
			continue
		}
		name := strings.ReplaceAll(file.Name, `\`, "/")
		if isResourceFork(name) {
			continue
		}
		if !allowedExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}
		entries = append(entries, file)
	}
	return entries
}

func isResourceFork(name string) bool {
	for _, segment := range strings.Split(name, "/") {
		if segment == "__MACOSX" {
			return true
		}
	}
	return strings.HasPrefix(path.Base(name), "._")
}

func (controller *Controller) storeEntry(ctx context.Context, prefix string, timestamp int64, index int, entry *zip.File) (string, error) {
	content, err := entry.Open()
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = content.Close() }()

	base := SanitizePath(path.Base(strings.ReplaceAll(entry.Name, `\`, "/")))
	key := fmt.Sprintf("%s%d-%d-%s", prefix, timestamp, index, base)

	err = controller.objects.PutStream(ctx, key, content, int64(entry.UncompressedSize64), contentTypeOf(entry.Name), nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return key, nil
}
