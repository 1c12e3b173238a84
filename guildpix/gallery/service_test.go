// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gallery_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/guildpix/guildpix/guildpix/gallery"
	"github.com/guildpix/guildpix/guildpix/gradient"
	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/objstore/teststore"
	"github.com/guildpix/guildpix/private/testredis"
)

func newService(t *testing.T, ctx *testcontext.Context) (*gallery.Service, *kvstore.Client, *teststore.Store) {
	redis, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, redis.Close()) })

	db, err := kvstore.Open(ctx, redis.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	objects := teststore.New()
	return gallery.NewService(zaptest.NewLogger(t), db, objects), db, objects
}

func TestCreate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, objects := newService(t, ctx)

	created, err := service.Create(ctx, "guild1", "Summer '25", 4, "user1")
	require.NoError(t, err)
	require.Equal(t, "summer-25", created.FolderName)
	require.Equal(t, int64(4*7*86400000), created.ExpiresAt-created.CreatedAt)
	require.Equal(t, "user1", created.CreatedBy)
	require.Zero(t, created.TotalItems)

	// the storage folder marker exists.
	require.Contains(t, objects.Keys(), "guild1/summer-25/")

	got, err := service.Get(ctx, "guild1", "Summer '25")
	require.NoError(t, err)
	require.Equal(t, created, got)

	_, err = service.Get(ctx, "guild1", "Winter '25")
	require.True(t, gallery.ErrNotFound.Has(err))
}

func TestCreateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, _ := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "   ", 4, "user1")
	require.True(t, gallery.ErrInvalidInput.Has(err))
	_, err = service.Create(ctx, "", "Name", 4, "user1")
	require.True(t, gallery.ErrInvalidInput.Has(err))
	_, err = service.Create(ctx, "guild1", "Name", 0, "user1")
	require.True(t, gallery.ErrInvalidInput.Has(err))
}

func TestCreateConflicts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, _ := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "My Gallery", 4, "user1")
	require.NoError(t, err)

	// same name, different case.
	_, err = service.Create(ctx, "guild1", "my gallery", 4, "user1")
	require.True(t, gallery.ErrConflict.Has(err))

	// different name, same slug.
	_, err = service.Create(ctx, "guild1", "My!!!Gallery", 4, "user1")
	require.True(t, gallery.ErrConflict.Has(err))

	// other guilds are unaffected.
	_, err = service.Create(ctx, "guild2", "My Gallery", 4, "user1")
	require.NoError(t, err)
}

// expire rewrites a gallery's meta record so it is past its expiry.
func expire(t *testing.T, ctx *testcontext.Context, db *kvstore.Client, guildID, name string) {
	key := "guild:" + guildID + ":gallery:" + name + ":meta"
	data, err := db.Get(ctx, key)
	require.NoError(t, err)
	var meta gallery.Gallery
	require.NoError(t, json.Unmarshal(data, &meta))
	meta.ExpiresAt = time.Now().Add(-time.Hour).UnixMilli()
	data, err = json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, key, data))
}

func TestListSweepsExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db, _ := newService(t, ctx)

	for _, name := range []string{"Old One", "Old Two", "Fresh"} {
		_, err := service.Create(ctx, "guild1", name, 4, "user1")
		require.NoError(t, err)
	}
	expire(t, ctx, db, "guild1", "Old One")
	expire(t, ctx, db, "guild1", "Old Two")

	live, err := service.List(ctx, "guild1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.Equal(t, "Fresh", live[0].Name)

	// the sweep pruned the index set and the expiry sorted set.
	names, err := db.SMembers(ctx, "guild:guild1:galleries")
	require.NoError(t, err)
	require.Equal(t, []string{"Fresh"}, names)

	members, err := db.ZRange(ctx, "galleries:expiries:v2", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"guild:guild1:gallery:Fresh"}, members)

	// expired galleries are gone for Get too.
	_, err = service.Get(ctx, "guild1", "Old One")
	require.True(t, gallery.ErrNotFound.Has(err))
}

func TestGetExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db, _ := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Fading", 1, "user1")
	require.NoError(t, err)
	expire(t, ctx, db, "guild1", "Fading")

	_, err = service.Get(ctx, "guild1", "Fading")
	require.True(t, gallery.ErrExpired.Has(err))
}

func TestRename(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db, objects := newService(t, ctx)

	created, err := service.Create(ctx, "guild1", "Summer '25", 4, "user1")
	require.NoError(t, err)

	prefix := gallery.UploadsPrefix("guild1", "summer-25")
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/1756100000000-"+name, []byte("img"), "image/jpeg", nil))
	}

	require.NoError(t, service.Rename(ctx, "guild1", "Summer '25", "Summer 2025"))

	renamed, err := service.Get(ctx, "guild1", "Summer 2025")
	require.NoError(t, err)
	require.Equal(t, "summer-2025", renamed.FolderName)

	_, err = service.Get(ctx, "guild1", "Summer '25")
	require.True(t, gallery.ErrNotFound.Has(err))

	// objects moved wholesale, old prefix empty.
	keys := objects.Keys()
	for _, key := range keys {
		require.NotContains(t, key, "/summer-25/")
	}
	require.Contains(t, keys, gallery.UploadsPrefix("guild1", "summer-2025")+"2025-08-26/1756100000000-a.jpg")

	// the expiry member follows the name, keeping the same score.
	score, err := db.ZScore(ctx, "galleries:expiries:v2", "guild:guild1:gallery:Summer 2025")
	require.NoError(t, err)
	require.Equal(t, float64(created.ExpiresAt), score)
}

func TestRenameConflict(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, _ := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "First", 4, "user1")
	require.NoError(t, err)
	_, err = service.Create(ctx, "guild1", "Second", 4, "user1")
	require.NoError(t, err)

	err = service.Rename(ctx, "guild1", "First", "second")
	require.True(t, gallery.ErrConflict.Has(err))

	// renaming to a name with the same slug as itself is fine.
	require.NoError(t, service.Rename(ctx, "guild1", "First", "FIRST"))
}

func TestRemove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db, objects := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Doomed", 4, "user1")
	require.NoError(t, err)
	prefix := gallery.UploadsPrefix("guild1", "doomed")
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/1-a.jpg", []byte("img"), "image/jpeg", nil))

	// expired galleries can still be removed.
	expire(t, ctx, db, "guild1", "Doomed")
	require.NoError(t, service.Remove(ctx, "guild1", "Doomed"))

	require.Empty(t, objects.Keys())
	names, err := db.SMembers(ctx, "guild:guild1:galleries")
	require.NoError(t, err)
	require.Empty(t, names)

	err = service.Remove(ctx, "guild1", "Doomed")
	require.True(t, gallery.ErrNotFound.Has(err))
}

func TestItemCounts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, objects := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Counted", 4, "user1")
	require.NoError(t, err)

	require.NoError(t, service.IncrementItemCount(ctx, "guild1", "Counted", 3))
	got, err := service.Get(ctx, "guild1", "Counted")
	require.NoError(t, err)
	require.Equal(t, 3, got.TotalItems)

	// decrement clamps at zero.
	for i := 0; i < 5; i++ {
		require.NoError(t, service.DecrementItemCount(ctx, "guild1", "Counted"))
	}
	got, err = service.Get(ctx, "guild1", "Counted")
	require.NoError(t, err)
	require.Zero(t, got.TotalItems)

	// sync recounts from storage, skipping markers and artifacts.
	prefix := gallery.UploadsPrefix("guild1", "counted")
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/1-a.jpg", []byte("img"), "image/jpeg", nil))
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/2-b.jpg", []byte("img"), "image/jpeg", nil))
	require.NoError(t, objects.PutBuffer(ctx, prefix+"__MACOSX/._a.jpg", []byte("junk"), "", nil))

	count, err := service.SyncItemCount(ctx, "guild1", "Counted")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestContents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, db, objects := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Pics", 4, "user1")
	require.NoError(t, err)

	prefix := gallery.UploadsPrefix("guild1", "pics")
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/10-1-a.png", []byte("img-a"), "image/png", nil))
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/10-2-b.png", []byte("img-b"), "image/png", nil))
	require.NoError(t, objects.PutBuffer(ctx, prefix+"2025-08-26/10-3-._c.png", []byte("fork"), "image/png", nil))
	require.NoError(t, objects.PutBuffer(ctx, prefix+"__MACOSX/._a.png", []byte("fork"), "", nil))

	record, err := json.Marshal(gradient.Record{
		Status: gradient.StatusCompleted,
		Gradient: &gradient.Gradient{
			Primary:   "#112233",
			Secondary: "#445566",
		},
	})
	require.NoError(t, err)
	require.NoError(t, db.Set(ctx, gradient.RecordKey(prefix+"2025-08-26/10-1-a.png"), record))

	items, err := service.Contents(ctx, "guild1", "Pics")
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, prefix+"2025-08-26/10-1-a.png", items[0].Key)
	require.True(t, items[0].GradientResolved)
	require.NotNil(t, items[0].Gradient)
	require.Equal(t, "#112233", items[0].Gradient.Primary)

	require.Equal(t, prefix+"2025-08-26/10-2-b.png", items[1].Key)
	require.False(t, items[1].GradientResolved)
	require.Nil(t, items[1].Gradient)
}

func TestItemURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, objects := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Pics", 4, "user1")
	require.NoError(t, err)

	key := gallery.UploadsPrefix("guild1", "pics") + "2025-08-26/1-a.jpg"
	require.NoError(t, objects.PutBuffer(ctx, key, []byte("img"), "image/jpeg", nil))

	url, err := service.ItemURL(ctx, "guild1", "Pics", key, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, url)

	_, err = service.ItemURL(ctx, "guild1", "Pics", "guild2/other/whatever.jpg", time.Hour)
	require.True(t, gallery.ErrInvalidInput.Has(err))

	_, err = service.ItemURL(ctx, "guild1", "Pics", gallery.UploadsPrefix("guild1", "pics")+"missing.jpg", time.Hour)
	require.True(t, gallery.ErrNotFound.Has(err))
}

func TestContentsLegacyLayout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service, _, objects := newService(t, ctx)

	_, err := service.Create(ctx, "guild1", "Old Pics", 4, "user1")
	require.NoError(t, err)

	// objects stored directly under the gallery prefix, before uploads/.
	prefix := gallery.Prefix("guild1", "old-pics")
	require.NoError(t, objects.PutBuffer(ctx, prefix+"legacy.jpg", []byte("img"), "image/jpeg", nil))

	items, err := service.Contents(ctx, "guild1", "Old Pics")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, prefix+"legacy.jpg", items[0].Key)
}
