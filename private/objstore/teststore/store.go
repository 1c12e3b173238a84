// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory object store for tests.
package teststore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/guildpix/guildpix/private/objstore"
)

// Store implements objstore.Store in memory.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	CallCount struct {
		Put    int
		Get    int
		List   int
		Delete int
	}

	// ForceGetErrors makes the next N Get calls fail with a transient
	// error, for retry tests.
	ForceGetErrors int
}

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// New creates an empty in-memory object store.
func New() *Store {
	return &Store{objects: map[string]object{}}
}

// EnsureBucket always succeeds.
func (store *Store) EnsureBucket(ctx context.Context) error { return nil }

// PutFolderMarker writes a zero-byte object at prefix.
func (store *Store) PutFolderMarker(ctx context.Context, prefix string) error {
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return store.PutBuffer(ctx, prefix, nil, "", nil)
}

// ListPrefix calls fn for every object under prefix in key order.
func (store *Store) ListPrefix(ctx context.Context, prefix string, fn func(objstore.ObjectInfo) error) error {
	store.mu.Lock()
	store.CallCount.List++
	var keys []string
	for key := range store.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	infos := make([]objstore.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		obj := store.objects[key]
		infos = append(infos, objstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			ContentType:  obj.contentType,
			UserMetadata: obj.metadata,
		})
	}
	store.mu.Unlock()

	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Stat returns metadata for a single object.
func (store *Store) Stat(ctx context.Context, key string) (objstore.ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	obj, ok := store.objects[key]
	if !ok {
		return objstore.ObjectInfo{}, objstore.ErrObjectNotFound.New("%q", key)
	}
	return objstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		UserMetadata: obj.metadata,
	}, nil
}

// PutBuffer stores an in-memory payload.
func (store *Store) PutBuffer(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++
	store.objects[key] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		metadata:    metadata,
	}
	return nil
}

// PutStream stores a payload from a reader.
func (store *Store) PutStream(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return objstore.Error.Wrap(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return objstore.Error.New("size mismatch for %q: got %d want %d", key, len(data), size)
	}
	return store.PutBuffer(ctx, key, data, contentType, metadata)
}

// Get opens an object for reading.
func (store *Store) Get(ctx context.Context, key string) (io.ReadCloser, objstore.ObjectInfo, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++
	if store.ForceGetErrors > 0 {
		store.ForceGetErrors--
		return nil, objstore.ObjectInfo{}, objstore.Error.New("forced transient error")
	}
	obj, ok := store.objects[key]
	if !ok {
		return nil, objstore.ObjectInfo{}, objstore.ErrObjectNotFound.New("%q", key)
	}
	info := objstore.ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
	}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

// Copy duplicates src to dst.
func (store *Store) Copy(ctx context.Context, src, dst string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	obj, ok := store.objects[src]
	if !ok {
		return objstore.ErrObjectNotFound.New("%q", src)
	}
	store.objects[dst] = object{
		data:        append([]byte(nil), obj.data...),
		contentType: obj.contentType,
		metadata:    obj.metadata,
	}
	return nil
}

// Delete removes a single object; missing objects are ignored.
func (store *Store) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	delete(store.objects, key)
	return nil
}

// DeleteBatch removes up to objstore.DeleteBatchLimit objects.
func (store *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) > objstore.DeleteBatchLimit {
		return objstore.Error.New("delete batch too large: %d", len(keys))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, key := range keys {
		store.CallCount.Delete++
		delete(store.objects, key)
	}
	return nil
}

// PresignGet returns a fake, stable url.
func (store *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.objects[key]; !ok {
		return "", objstore.ErrObjectNotFound.New("%q", key)
	}
	return "https://teststore.invalid/" + key, nil
}

// Keys returns all stored keys in order. Test helper.
func (store *Store) Keys() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	keys := make([]string, 0, len(store.objects))
	for key := range store.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Data returns the stored bytes for key. Test helper.
func (store *Store) Data(key string) ([]byte, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	obj, ok := store.objects[key]
	return obj.data, ok
}
