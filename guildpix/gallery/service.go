// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gallery

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/objstore"
)

// Gallery is the metadata record of one gallery.
type Gallery struct {
	Name       string `json:"name"`
	FolderName string `json:"folderName"`
	GuildID    string `json:"guildId"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	TTLWeeks   int    `json:"ttlWeeks"`
	CreatedBy  string `json:"createdBy"`
	TotalItems int    `json:"totalItems"`
}

// Live reports whether the gallery is past its expiry.
func (gallery *Gallery) Live(now int64) bool {
	return gallery.ExpiresAt > now
}

// Service implements gallery metadata CRUD over redis plus the folder
// layout in the object store.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      *kvstore.Client
	objects objstore.Store
}

// NewService instantiates a gallery Service.
func NewService(log *zap.Logger, db *kvstore.Client, objects objstore.Store) *Service {
	return &Service{
		log:     log,
		db:      db,
		objects: objects,
	}
}

// Create registers a new gallery in the guild and creates its storage
// folder marker. The name must be unique within the guild both
// case-insensitively and by slug.
func (service *Service) Create(ctx context.Context, guildID, name string, ttlWeeks int, userID string) (_ *Gallery, err error) {
	defer mon.Task()(&ctx)(&err)

	if guildID == "" || strings.TrimSpace(name) == "" || userID == "" {
		return nil, ErrInvalidInput.New("guild id, name and user id are required")
	}
	if ttlWeeks < 1 {
		return nil, ErrInvalidInput.New("ttl weeks must be at least 1")
	}

	slug := Slug(name)

	existing, err := service.db.SMembers(ctx, listKey(guildID))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, other := range existing {
		if strings.EqualFold(other, name) || Slug(other) == slug {
			return nil, ErrConflict.New("%q collides with existing gallery %q", name, other)
		}
	}

	now := nowMillis()
	gallery := &Gallery{
		Name:       name,
		FolderName: slug,
		GuildID:    guildID,
		CreatedAt:  now,
		ExpiresAt:  now + int64(ttlWeeks)*week.Milliseconds(),
		TTLWeeks:   ttlWeeks,
		CreatedBy:  userID,
		TotalItems: 0,
	}

	data, err := json.Marshal(gallery)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = service.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.SAdd(ctx, listKey(guildID), name)
		pipe.SetEx(ctx, metaKey(guildID, name), data, service.metaTTL(gallery))
		pipe.ZAdd(ctx, expiriesKey, float64(gallery.ExpiresAt), memberKey(guildID, name))
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if err := service.objects.PutFolderMarker(ctx, Prefix(guildID, slug)); err != nil {
		// the index is live either way; the first upload creates the
		// prefix implicitly.
		service.log.Warn("failed to create gallery folder marker",
			zap.String("guildId", guildID),
			zap.String("slug", slug),
			zap.Error(err))
	}

	return gallery, nil
}

// Get returns a single gallery; ErrExpired when it exists but is past
// its expiry. Malformed records count as missing.
func (service *Service) Get(ctx context.Context, guildID, name string) (_ *Gallery, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := service.db.Get(ctx, metaKey(guildID, name))
	if kvstore.ErrKeyNotFound.Has(err) {
		return nil, ErrNotFound.New("%q", name)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var gallery Gallery
	if err := json.Unmarshal(data, &gallery); err != nil {
		service.log.Warn("malformed gallery meta",
			zap.String("guildId", guildID),
			zap.String("name", name),
			zap.Error(err))
		return nil, ErrNotFound.New("%q", name)
	}
	if !gallery.Live(nowMillis()) {
		return nil, ErrExpired.New("%q", name)
	}
	return &gallery, nil
}

// List returns the guild's live galleries and sweeps expired or
// malformed index entries in the same call. List is the sole reaper of
// expired galleries; image objects of swept galleries are left for an
// out-of-band cleanup.
func (service *Service) List(ctx context.Context, guildID string) (_ []Gallery, err error) {
	defer mon.Task()(&ctx)(&err)

	names, err := service.db.SMembers(ctx, listKey(guildID))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	metaKeys := make([]string, len(names))
	for i, name := range names {
		metaKeys[i] = metaKey(guildID, name)
	}
	values, err := service.db.MGet(ctx, metaKeys...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	now := nowMillis()
	var live []Gallery
	var expired []string
	for i, data := range values {
		if data == nil {
			expired = append(expired, names[i])
			continue
		}
		var gallery Gallery
		if err := json.Unmarshal(data, &gallery); err != nil {
			service.log.Warn("sweeping malformed gallery meta",
				zap.String("guildId", guildID),
				zap.String("name", names[i]))
			expired = append(expired, names[i])
			continue
		}
		if !gallery.Live(now) {
			expired = append(expired, names[i])
			continue
		}
		live = append(live, gallery)
	}

	if len(expired) > 0 {
		err = service.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
			for _, name := range expired {
				pipe.SRem(ctx, listKey(guildID), name)
				pipe.Delete(ctx, metaKey(guildID, name))
				pipe.ZRem(ctx, expiriesKey, memberKey(guildID, name))
			}
			return nil
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		mon.Counter("galleries_swept").Inc(int64(len(expired)))
	}

	return live, nil
}

// Rename changes a gallery's name and slug, updating all indexes first
// and then moving the stored objects to the new prefix. The object move
// is idempotent, so an interrupted rename can be re-run.
func (service *Service) Rename(ctx context.Context, guildID, oldName, newName string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(newName) == "" {
		return ErrInvalidInput.New("new name is required")
	}

	gallery, err := service.Get(ctx, guildID, oldName)
	if err != nil {
		return err
	}

	newSlug := Slug(newName)
	existing, err := service.db.SMembers(ctx, listKey(guildID))
	if err != nil {
		return Error.Wrap(err)
	}
	for _, other := range existing {
		if other == oldName {
			continue
		}
		if strings.EqualFold(other, newName) || Slug(other) == newSlug {
			return ErrConflict.New("%q collides with existing gallery %q", newName, other)
		}
	}

	oldSlug := gallery.FolderName
	gallery.Name = newName
	gallery.FolderName = newSlug
	data, err := json.Marshal(gallery)
	if err != nil {
		return Error.Wrap(err)
	}

	err = service.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.SRem(ctx, listKey(guildID), oldName)
		pipe.SAdd(ctx, listKey(guildID), newName)
		pipe.Delete(ctx, metaKey(guildID, oldName))
		pipe.SetEx(ctx, metaKey(guildID, newName), data, service.metaTTL(gallery))
		pipe.ZRem(ctx, expiriesKey, memberKey(guildID, oldName))
		pipe.ZAdd(ctx, expiriesKey, float64(gallery.ExpiresAt), memberKey(guildID, newName))
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if oldSlug == newSlug {
		return nil
	}
	return service.moveObjects(ctx, guildID, oldSlug, newSlug)
}

func (service *Service) moveObjects(ctx context.Context, guildID, oldSlug, newSlug string) error {
	oldPrefix := Prefix(guildID, oldSlug)
	newPrefix := Prefix(guildID, newSlug)

	var moved []string
	err := service.objects.ListPrefix(ctx, oldPrefix, func(info objstore.ObjectInfo) error {
		dst := newPrefix + strings.TrimPrefix(info.Key, oldPrefix)
		if err := service.objects.Copy(ctx, info.Key, dst); err != nil {
			return err
		}
		moved = append(moved, info.Key)
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	for start := 0; start < len(moved); start += objstore.DeleteBatchLimit {
		end := min(start+objstore.DeleteBatchLimit, len(moved))
		if err := service.objects.DeleteBatch(ctx, moved[start:end]); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Remove deletes a gallery's indexes, its stored objects and its folder
// marker. Expired galleries can still be removed.
func (service *Service) Remove(ctx context.Context, guildID, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := service.db.Get(ctx, metaKey(guildID, name))
	if kvstore.ErrKeyNotFound.Has(err) {
		return ErrNotFound.New("%q", name)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	var gallery Gallery
	if err := json.Unmarshal(data, &gallery); err != nil {
		return ErrNotFound.New("%q", name)
	}

	err = service.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.SRem(ctx, listKey(guildID), name)
		pipe.Delete(ctx, metaKey(guildID, name))
		pipe.ZRem(ctx, expiriesKey, memberKey(guildID, name))
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	prefix := Prefix(guildID, gallery.FolderName)
	var keys []string
	err = service.objects.ListPrefix(ctx, prefix, func(info objstore.ObjectInfo) error {
		keys = append(keys, info.Key)
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	for start := 0; start < len(keys); start += objstore.DeleteBatchLimit {
		end := min(start+objstore.DeleteBatchLimit, len(keys))
		if err := service.objects.DeleteBatch(ctx, keys[start:end]); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(service.objects.Delete(ctx, prefix))
}

// IncrementItemCount bumps the item counter after an upload.
func (service *Service) IncrementItemCount(ctx context.Context, guildID, name string, delta int) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.updateMeta(ctx, guildID, name, func(gallery *Gallery) {
		gallery.TotalItems += delta
		if gallery.TotalItems < 0 {
			gallery.TotalItems = 0
		}
	})
}

// DecrementItemCount lowers the item counter, clamping at zero.
func (service *Service) DecrementItemCount(ctx context.Context, guildID, name string) error {
	return service.IncrementItemCount(ctx, guildID, name, -1)
}

// SyncItemCount recomputes the counter from the object store, which is
// the canonical truth when concurrent updates have raced.
func (service *Service) SyncItemCount(ctx context.Context, guildID, name string) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	gallery, err := service.Get(ctx, guildID, name)
	if err != nil {
		return 0, err
	}

	err = service.objects.ListPrefix(ctx, UploadsPrefix(guildID, gallery.FolderName), func(info objstore.ObjectInfo) error {
		if info.Size > 0 && !strings.HasSuffix(info.Key, "/") && !isAppleArtifact(info.Key) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}

	err = service.updateMeta(ctx, guildID, name, func(gallery *Gallery) {
		gallery.TotalItems = count
	})
	return count, err
}

// updateMeta is a read-modify-write over the meta record. Concurrent
// callers may race; SyncItemCount reconciles.
func (service *Service) updateMeta(ctx context.Context, guildID, name string, change func(*Gallery)) error {
	data, err := service.db.Get(ctx, metaKey(guildID, name))
	if kvstore.ErrKeyNotFound.Has(err) {
		return ErrNotFound.New("%q", name)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	var gallery Gallery
	if err := json.Unmarshal(data, &gallery); err != nil {
		return ErrNotFound.New("%q", name)
	}

	change(&gallery)

	updated, err := json.Marshal(gallery)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(service.db.SetEx(ctx, metaKey(guildID, name), updated, service.metaTTL(&gallery)))
}

// metaTTL keeps the record until well past its logical expiry so that
// the list sweep, not redis, retires it.
func (service *Service) metaTTL(gallery *Gallery) time.Duration {
	until := time.Duration(gallery.ExpiresAt-nowMillis()) * time.Millisecond
	if until < 0 {
		until = 0
	}
	return until + metaGrace
}
