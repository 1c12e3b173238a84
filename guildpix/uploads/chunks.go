// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package uploads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// Progress statuses of an upload session.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Progress phases of an upload session.
const (
	PhaseClientUpload     = "client-upload"
	PhaseServerAssemble   = "server-assemble"
	PhaseServerZipExtract = "server-zip-extract"
	PhaseServerUpload     = "server-upload"
)

// Progress is the externally visible state of an upload session.
type Progress struct {
	Status         string `json:"status"`
	Phase          string `json:"phase"`
	UploadedBytes  int64  `json:"uploadedBytes"`
	TotalBytes     int64  `json:"totalBytes"`
	ProcessedFiles *int   `json:"processedFiles"`
	TotalFiles     *int   `json:"totalFiles"`
	Error          string `json:"error,omitempty"`
}

// SessionMeta describes an upload at session init.
type SessionMeta struct {
	FileName    string
	FileType    string
	TotalSize   int64
	GalleryName string
	GuildID     string
}

// Session is one in-progress chunked upload, staged in a private
// scratch directory.
type Session struct {
	ID        string
	Meta      SessionMeta
	TempDir   string
	CreatedAt time.Time
	Progress  Progress
}

// ChunkService tracks chunked upload sessions for this process and
// reaps abandoned ones.
//
// architecture: Service
type ChunkService struct {
	log    *zap.Logger
	config Config

	Loop *sync2.Cycle

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewChunkService instantiates a ChunkService.
func NewChunkService(log *zap.Logger, config Config) *ChunkService {
	return &ChunkService{
		log:      log,
		config:   config,
		Loop:     sync2.NewCycle(config.JanitorInterval),
		sessions: map[string]*Session{},
	}
}

// Run reaps expired sessions until ctx is canceled.
func (service *ChunkService) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		service.CleanupExpired(ctx)
		return nil
	})
}

// Close stops the janitor loop.
func (service *ChunkService) Close() error {
	service.Loop.Close()
	return nil
}

// Init registers a new upload session and creates its scratch dir.
func (service *ChunkService) Init(ctx context.Context, meta SessionMeta) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	if meta.FileName == "" || meta.GalleryName == "" || meta.GuildID == "" {
		return nil, ErrInvalidInput.New("file name, gallery and guild are required")
	}

	id := uuid.NewString()
	scratch := service.config.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	tempDir, err := os.MkdirTemp(scratch, "upload-"+id+"-")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	session := &Session{
		ID:        id,
		Meta:      meta,
		TempDir:   tempDir,
		CreatedAt: time.Now(),
		Progress: Progress{
			Status:     StatusPending,
			Phase:      PhaseClientUpload,
			TotalBytes: meta.TotalSize,
		},
	}

	service.mu.Lock()
	service.sessions[id] = session
	service.mu.Unlock()

	return session, nil
}

// SaveChunk persists one chunk of the session. Chunks above the
// configured cap are rejected.
func (service *ChunkService) SaveChunk(ctx context.Context, id string, index int, reader io.Reader) (err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.lookup(id)
	if err != nil {
		return err
	}

	limit := service.config.MaxChunkSize.Int64()
	file, err := os.Create(filepath.Join(session.TempDir, fmt.Sprintf("chunk-%d", index)))
	if err != nil {
		return Error.Wrap(err)
	}

	written, err := io.Copy(file, io.LimitReader(reader, limit+1))
	if err != nil {
		_ = file.Close()
		return Error.Wrap(err)
	}
	if err := file.Close(); err != nil {
		return Error.Wrap(err)
	}
	if written > limit {
		_ = os.Remove(file.Name())
		return ErrChunkTooLarge.New("chunk %d exceeds %s", index, service.config.MaxChunkSize)
	}

	service.mu.Lock()
	session.Progress.Status = StatusUploading
	session.Progress.UploadedBytes += written
	service.mu.Unlock()

	return nil
}

// Finalize concatenates all chunks in order into a single file in the
// scratch root, removes the session's temp dir and returns the
// assembled path. Assembly streams chunk by chunk; nothing is buffered.
func (service *ChunkService) Finalize(ctx context.Context, id string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	session, err := service.lookup(id)
	if err != nil {
		return "", err
	}

	service.mu.Lock()
	session.Progress.Status = StatusProcessing
	session.Progress.Phase = PhaseServerAssemble
	service.mu.Unlock()

	entries, err := os.ReadDir(session.TempDir)
	if err != nil {
		return "", Error.Wrap(err)
	}
	chunkCount := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			chunkCount++
		}
	}
	if chunkCount == 0 {
		return "", Error.New("session %s has no chunks", id)
	}

	assembled := filepath.Join(filepath.Dir(session.TempDir), id+"-"+SanitizePath(filepath.Base(session.Meta.FileName)))
	out, err := os.Create(assembled)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(assembled)
		}
	}()

	var total int64
	for index := 0; index < chunkCount; index++ {
		chunk, err := os.Open(filepath.Join(session.TempDir, fmt.Sprintf("chunk-%d", index)))
		if err != nil {
			return "", Error.New("missing chunk %d of %d: %v", index, chunkCount, err)
		}
		n, err := io.Copy(out, chunk)
		_ = chunk.Close()
		if err != nil {
			return "", Error.Wrap(err)
		}
		total += n
	}
	if err := out.Close(); err != nil {
		return "", Error.Wrap(err)
	}
	if session.Meta.TotalSize > 0 && total != session.Meta.TotalSize {
		return "", Error.New("assembled %d bytes, expected %d", total, session.Meta.TotalSize)
	}

	if err := os.RemoveAll(session.TempDir); err != nil {
		service.log.Warn("failed to remove session scratch dir",
			zap.String("uploadId", id), zap.Error(err))
	}

	return assembled, nil
}

// UpdateProgress moves the session through its state machine.
func (service *ChunkService) UpdateProgress(id, status, phase string, processedFiles, totalFiles *int) error {
	session, err := service.lookup(id)
	if err != nil {
		return err
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	session.Progress.Status = status
	session.Progress.Phase = phase
	if processedFiles != nil {
		session.Progress.ProcessedFiles = processedFiles
	}
	if totalFiles != nil {
		session.Progress.TotalFiles = totalFiles
	}
	return nil
}

// MarkCompleted finishes the session's progress record.
func (service *ChunkService) MarkCompleted(id string) error {
	session, err := service.lookup(id)
	if err != nil {
		return err
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	session.Progress.Status = StatusCompleted
	return nil
}

// MarkFailed records a terminal error on the session.
func (service *ChunkService) MarkFailed(id string, cause error) error {
	session, err := service.lookup(id)
	if err != nil {
		return err
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	session.Progress.Status = StatusFailed
	session.Progress.Error = cause.Error()
	return nil
}

// Progress returns the session's progress record.
func (service *ChunkService) Progress(id string) (Progress, error) {
	session, err := service.lookup(id)
	if err != nil {
		return Progress{}, err
	}
	service.mu.Lock()
	defer service.mu.Unlock()
	return session.Progress, nil
}

// CleanupExpired removes sessions older than the configured max age
// together with their scratch dirs.
func (service *ChunkService) CleanupExpired(ctx context.Context) {
	cutoff := time.Now().Add(-service.config.SessionMaxAge)

	service.mu.Lock()
	var stale []*Session
	for id, session := range service.sessions {
		if session.CreatedAt.Before(cutoff) {
			stale = append(stale, session)
			delete(service.sessions, id)
		}
	}
	service.mu.Unlock()

	for _, session := range stale {
		if err := os.RemoveAll(session.TempDir); err != nil {
			service.log.Warn("failed to remove stale session scratch dir",
				zap.String("uploadId", session.ID), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		service.log.Info("reaped stale upload sessions", zap.Int("count", len(stale)))
		mon.Counter("upload_sessions_reaped").Inc(int64(len(stale)))
	}
}

func (service *ChunkService) lookup(id string) (*Session, error) {
	service.mu.Lock()
	defer service.mu.Unlock()
	session, ok := service.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound.New("%q", id)
	}
	return session, nil
}
