// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package miniostore implements objstore.Store against any S3-compatible
// endpoint via the minio client.
package miniostore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"

	"github.com/guildpix/guildpix/private/objstore"
)

var mon = monkit.Package()

// Config holds the S3 connection settings.
type Config struct {
	Endpoint  string `help:"S3-compatible endpoint (host:port)" default:"localhost:9000"`
	AccessKey string `help:"S3 access key" default:""`
	SecretKey string `help:"S3 secret key" default:""`
	UseSSL    bool   `help:"use https to reach the endpoint" default:"false"`
	Bucket    string `help:"tenant bucket holding all gallery objects" default:"galleries"`
}

// Store implements objstore.Store over minio-go.
type Store struct {
	client *minio.Client
	bucket string
}

// Open dials the S3 endpoint.
func Open(ctx context.Context, config Config) (*Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, objstore.Error.Wrap(err)
	}
	return &Store{client: client, bucket: config.Bucket}, nil
}

// EnsureBucket verifies the tenant bucket exists.
func (store *Store) EnsureBucket(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	exists, err := store.client.BucketExists(ctx, store.bucket)
	if err != nil {
		return objstore.Error.Wrap(err)
	}
	if !exists {
		return objstore.ErrBucketMissing.New("%q", store.bucket)
	}
	return nil
}

// PutFolderMarker writes a zero-byte object at prefix.
func (store *Store) PutFolderMarker(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	_, err = store.client.PutObject(ctx, store.bucket, prefix,
		bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	return objstore.Error.Wrap(err)
}

// ListPrefix calls fn for every object under prefix. The minio client
// paginates transparently at 1000 keys per page.
func (store *Store) ListPrefix(ctx context.Context, prefix string, fn func(objstore.ObjectInfo) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	objects := store.client.ListObjects(ctx, store.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return objstore.Error.Wrap(object.Err)
		}
		err := fn(objstore.ObjectInfo{
			Key:         object.Key,
			Size:        object.Size,
			ContentType: object.ContentType,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat returns metadata for a single object.
func (store *Store) Stat(ctx context.Context, key string) (_ objstore.ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	info, err := store.client.StatObject(ctx, store.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return objstore.ObjectInfo{}, convertError(err, key)
	}
	return objstore.ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		UserMetadata: info.UserMetadata,
	}, nil
}

// PutBuffer stores an in-memory payload.
func (store *Store) PutBuffer(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.PutObject(ctx, store.bucket, key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: metadata,
		})
	return objstore.Error.Wrap(err)
}

// PutStream stores a payload from a reader. minio streams the body in
// parts when the size is unknown, so nothing is buffered wholesale.
func (store *Store) PutStream(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.PutObject(ctx, store.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	return objstore.Error.Wrap(err)
}

// Get opens an object for reading.
func (store *Store) Get(ctx context.Context, key string) (_ io.ReadCloser, _ objstore.ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	object, err := store.client.GetObject(ctx, store.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objstore.ObjectInfo{}, convertError(err, key)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, objstore.ObjectInfo{}, convertError(err, key)
	}
	return object, objstore.ObjectInfo{
		Key:         stat.Key,
		Size:        stat.Size,
		ContentType: stat.ContentType,
	}, nil
}

// Copy duplicates src to dst within the bucket.
func (store *Store) Copy(ctx context.Context, src, dst string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: store.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: store.bucket, Object: src},
	)
	if err != nil {
		return convertError(err, src)
	}
	return nil
}

// Delete removes a single object. Missing objects are ignored so that
// interrupted renames can be re-run safely.
func (store *Store) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = store.client.RemoveObject(ctx, store.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return objstore.Error.Wrap(err)
	}
	return nil
}

// DeleteBatch removes up to objstore.DeleteBatchLimit objects in one
// server-side multi-delete.
func (store *Store) DeleteBatch(ctx context.Context, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > objstore.DeleteBatchLimit {
		return objstore.Error.New("delete batch too large: %d", len(keys))
	}

	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	var failed []error
	for result := range store.client.RemoveObjects(ctx, store.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && !isNotFound(result.Err) {
			failed = append(failed, result.Err)
		}
	}
	if len(failed) > 0 {
		return objstore.Error.New("delete batch: %d of %d failed: %v", len(failed), len(keys), failed[0])
	}
	return nil
}

// PresignGet returns a time-limited download URL, preferring https.
func (store *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	u, err := store.client.PresignedGetObject(ctx, store.bucket, key, ttl, nil)
	if err != nil {
		return "", objstore.Error.Wrap(err)
	}
	link := u.String()
	if strings.HasPrefix(link, "http://") {
		link = "https://" + strings.TrimPrefix(link, "http://")
	}
	return link, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func convertError(err error, key string) error {
	if isNotFound(err) {
		return objstore.ErrObjectNotFound.New("%q", key)
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchBucket" {
		return objstore.ErrBucketMissing.Wrap(err)
	}
	return objstore.Error.Wrap(err)
}
