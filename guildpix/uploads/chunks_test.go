// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package uploads_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"

	"github.com/guildpix/guildpix/guildpix/uploads"
)

func chunkConfig(ctx *testcontext.Context) uploads.Config {
	return uploads.Config{
		ScratchDir:            ctx.Dir("scratch"),
		MaxChunkSize:          10 * memory.MiB,
		SessionMaxAge:         24 * time.Hour,
		JanitorInterval:       time.Minute,
		MaxZipEntries:         1000,
		MaxZipUncompressed:    500 * memory.MiB,
		MaxProcessingDuration: time.Minute,
		ProgressInterval:      10,
	}
}

func TestChunkAssembly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := uploads.NewChunkService(zaptest.NewLogger(t), chunkConfig(ctx))
	defer ctx.Check(service.Close)

	session, err := service.Init(ctx, uploads.SessionMeta{
		FileName:    "photo.jpg",
		FileType:    "image/jpeg",
		TotalSize:   23,
		GalleryName: "Summer",
		GuildID:     "guild1",
	})
	require.NoError(t, err)

	// chunks arrive out of order.
	require.NoError(t, service.SaveChunk(ctx, session.ID, 2, strings.NewReader("World!")))
	require.NoError(t, service.SaveChunk(ctx, session.ID, 0, strings.NewReader("Hello, ")))
	require.NoError(t, service.SaveChunk(ctx, session.ID, 1, strings.NewReader("Beautiful ")))

	progress, err := service.Progress(session.ID)
	require.NoError(t, err)
	require.Equal(t, uploads.StatusUploading, progress.Status)
	require.Equal(t, int64(23), progress.UploadedBytes)

	assembled, err := service.Finalize(ctx, session.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(assembled)
	require.NoError(t, err)
	require.Equal(t, "Hello, Beautiful World!", string(data))

	// the session's scratch dir is gone.
	_, err = os.Stat(session.TempDir)
	require.True(t, os.IsNotExist(err))
}

func TestChunkTooLarge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	config := chunkConfig(ctx)
	config.MaxChunkSize = 8
	service := uploads.NewChunkService(zaptest.NewLogger(t), config)
	defer ctx.Check(service.Close)

	session, err := service.Init(ctx, uploads.SessionMeta{
		FileName: "photo.jpg", GalleryName: "Summer", GuildID: "guild1",
	})
	require.NoError(t, err)

	err = service.SaveChunk(ctx, session.ID, 0, strings.NewReader("way too large a chunk"))
	require.True(t, uploads.ErrChunkTooLarge.Has(err))

	require.NoError(t, service.SaveChunk(ctx, session.ID, 0, strings.NewReader("tiny")))
}

func TestFinalizeSizeMismatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := uploads.NewChunkService(zaptest.NewLogger(t), chunkConfig(ctx))
	defer ctx.Check(service.Close)

	session, err := service.Init(ctx, uploads.SessionMeta{
		FileName: "photo.jpg", TotalSize: 99, GalleryName: "Summer", GuildID: "guild1",
	})
	require.NoError(t, err)
	require.NoError(t, service.SaveChunk(ctx, session.ID, 0, strings.NewReader("short")))

	_, err = service.Finalize(ctx, session.ID)
	require.Error(t, err)
}

func TestSessionNotFound(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := uploads.NewChunkService(zaptest.NewLogger(t), chunkConfig(ctx))
	defer ctx.Check(service.Close)

	err := service.SaveChunk(ctx, "nope", 0, strings.NewReader("data"))
	require.True(t, uploads.ErrSessionNotFound.Has(err))
	_, err = service.Progress("nope")
	require.True(t, uploads.ErrSessionNotFound.Has(err))
}

func TestCleanupExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	config := chunkConfig(ctx)
	config.SessionMaxAge = 0
	service := uploads.NewChunkService(zaptest.NewLogger(t), config)
	defer ctx.Check(service.Close)

	session, err := service.Init(ctx, uploads.SessionMeta{
		FileName: "photo.jpg", GalleryName: "Summer", GuildID: "guild1",
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	service.CleanupExpired(ctx)

	_, err = service.Progress(session.ID)
	require.True(t, uploads.ErrSessionNotFound.Has(err))
	_, err = os.Stat(session.TempDir)
	require.True(t, os.IsNotExist(err))
}

func TestSanitizePath(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want string
	}{
		{"../../../etc/passwd", "/etc/passwd"},
		{`foo\bar\baz`, "foo/bar/baz"},
		{"---foo---", "foo"},
		{"foo///bar", "foo/bar"},
		{"My Photo (1).jpeg", "My-Photo-1-.jpeg"},
	} {
		require.Equal(t, tt.want, uploads.SanitizePath(tt.in), "sanitize(%q)", tt.in)
	}
}
