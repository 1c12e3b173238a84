// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package objstore abstracts the S3-compatible tenant bucket that holds
// gallery image objects.
package objstore

import (
	"context"
	"io"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default objstore error class.
	Error = errs.Class("objstore")

	// ErrBucketMissing is returned when the tenant bucket does not exist.
	ErrBucketMissing = errs.Class("bucket missing")

	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errs.Class("object not found")
)

// DeleteBatchLimit is the maximum number of keys a single DeleteBatch
// call accepts; callers chunk larger sets.
const DeleteBatchLimit = 1000

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	UserMetadata map[string]string
}

// Store is the object-store surface the core subsystems use.
//
// architecture: Database
type Store interface {
	// EnsureBucket verifies the tenant bucket exists, returning
	// ErrBucketMissing otherwise.
	EnsureBucket(ctx context.Context) error
	// PutFolderMarker writes a zero-byte object at prefix, which must
	// end with a slash.
	PutFolderMarker(ctx context.Context, prefix string) error
	// ListPrefix calls fn for every object under prefix, paginating
	// transparently.
	ListPrefix(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
	// Stat returns metadata for a single object.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// PutBuffer stores an in-memory payload.
	PutBuffer(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	// PutStream stores a payload from a reader without buffering it
	// wholly in memory. Pass size -1 when unknown.
	PutStream(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error
	// Get opens an object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Copy duplicates src to dst within the bucket.
	Copy(ctx context.Context, src, dst string) error
	// Delete removes a single object. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error
	// DeleteBatch removes up to DeleteBatchLimit objects.
	DeleteBatch(ctx context.Context, keys []string) error
	// PresignGet returns a time-limited download URL.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
