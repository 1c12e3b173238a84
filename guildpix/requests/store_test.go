// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package requests

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/guildpix/guildpix/private/kvstore"
	"github.com/guildpix/guildpix/private/testredis"
)

func newStore(t *testing.T, ctx *testcontext.Context) (*Store, *kvstore.Client) {
	redis, err := testredis.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, redis.Close()) })

	db, err := kvstore.Open(ctx, redis.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	return NewStore(zaptest.NewLogger(t), db), db
}

func TestTransitionClosure(t *testing.T) {
	all := []Status{StatusOpen, StatusApproved, StatusDenied, StatusCancelled, StatusClosed}
	allowed := map[[2]Status]bool{
		{StatusOpen, StatusApproved}:    true,
		{StatusOpen, StatusDenied}:      true,
		{StatusOpen, StatusCancelled}:   true,
		{StatusApproved, StatusClosed}:  true,
		{StatusDenied, StatusClosed}:    true,
		{StatusCancelled, StatusClosed}: true,
		{StatusClosed, StatusOpen}:      true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]Status{from, to}], ValidTransition(from, to),
				"%s -> %s", from, to)
		}
	}
	require.False(t, ValidTransition(StatusOpen, StatusClosed))
	require.False(t, ValidTransition(StatusOpen, Status("bogus")))
}

func TestRequestLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, _ := newStore(t, ctx)

	created, err := store.Create(ctx, "guild1", "user1", "gal1", "More storage", "please")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, created.Status)
	require.NotEmpty(t, created.ID)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)

	// open -> closed is not in the relation.
	_, err = store.UpdateStatus(ctx, created.ID, StatusClosed, "mod1")
	require.True(t, ErrConflict.Has(err))

	approved, err := store.UpdateStatus(ctx, created.ID, StatusApproved, "mod1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Zero(t, approved.ClosedAt)

	closed, err := store.UpdateStatus(ctx, created.ID, StatusClosed, "mod1")
	require.NoError(t, err)
	require.Equal(t, "mod1", closed.ClosedBy)
	require.NotZero(t, closed.ClosedAt)

	// reopening clears the closure stamp.
	reopened, err := store.UpdateStatus(ctx, created.ID, StatusOpen, "mod2")
	require.NoError(t, err)
	require.Empty(t, reopened.ClosedBy)
	require.Zero(t, reopened.ClosedAt)

	// status index followed along.
	page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}, Status: StatusOpen}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Requests, 1)
	page, err = store.List(ctx, Filter{GuildIDs: []string{"guild1"}, Status: StatusApproved}, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Requests)
}

func TestUpdateStatusCAS(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, db := newStore(t, ctx)

	created, err := store.Create(ctx, "guild1", "user1", "", "Title", "")
	require.NoError(t, err)
	key := recordKey(created.ID)

	touch := func() {
		data, err := db.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, db.Set(ctx, key, data))
	}

	// one concurrent write aborts the first try; the replay succeeds.
	var attempts []int
	store.beforeCommit = func(attempt int) {
		attempts = append(attempts, attempt)
		if attempt == 0 {
			touch()
		}
	}
	updated, err := store.UpdateStatus(ctx, created.ID, StatusApproved, "mod1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Equal(t, []int{0, 1}, attempts)

	// permanent contention surfaces as a conflict after five tries.
	attempts = nil
	store.beforeCommit = func(attempt int) {
		attempts = append(attempts, attempt)
		touch()
	}
	_, err = store.UpdateStatus(ctx, created.ID, StatusClosed, "mod1")
	require.True(t, ErrConflict.Has(err))
	require.Equal(t, []int{0, 1, 2, 3, 4}, attempts)

	// the record was left untouched by the failed transition.
	store.beforeCommit = nil
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
}

func TestListPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, _ := newStore(t, ctx)

	var ids []string
	for i := 0; i < 7; i++ {
		created, err := store.Create(ctx, "guild1", "user1", "", "Request", "")
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}}, cursor, 3)
		require.NoError(t, err)
		for _, request := range page.Requests {
			require.False(t, seen[request.ID], "request %s repeated across pages", request.ID)
			seen[request.ID] = true
		}
		pages++
		if !page.HasMore {
			break
		}
		require.NotEmpty(t, page.Requests)
		cursor = page.NextCursor
	}
	require.Len(t, seen, len(ids))
	require.Equal(t, 3, pages)

	// an unknown cursor falls back to the first page.
	page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}}, "no-such-id", 3)
	require.NoError(t, err)
	require.Len(t, page.Requests, 3)
}

func TestListFilters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, _ := newStore(t, ctx)

	a, err := store.Create(ctx, "guild1", "user1", "", "A", "")
	require.NoError(t, err)
	_, err = store.Create(ctx, "guild1", "user2", "", "B", "")
	require.NoError(t, err)
	c, err := store.Create(ctx, "guild2", "user1", "", "C", "")
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, a.ID, StatusApproved, "mod1")
	require.NoError(t, err)

	page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}, UserID: "user1"}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Requests, 1)
	require.Equal(t, a.ID, page.Requests[0].ID)

	page, err = store.List(ctx, Filter{GuildIDs: []string{"guild1", "guild2"}, UserID: "user1"}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Requests, 2)
	require.ElementsMatch(t,
		[]string{a.ID, c.ID},
		[]string{page.Requests[0].ID, page.Requests[1].ID})

	page, err = store.List(ctx, Filter{GuildIDs: []string{"guild1"}, Status: StatusApproved}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Requests, 1)

	_, err = store.List(ctx, Filter{}, "", 10)
	require.True(t, ErrInvalidInput.Has(err))
}

func TestListDropsOrphans(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, db := newStore(t, ctx)

	created, err := store.Create(ctx, "guild1", "user1", "", "Orphan", "")
	require.NoError(t, err)

	// an index row whose created-score is gone is silently dropped.
	_, err = db.ZRem(ctx, createdIndexKey, created.ID)
	require.NoError(t, err)

	page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}}, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Requests)
}

func TestComments(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, _ := newStore(t, ctx)

	created, err := store.Create(ctx, "guild1", "user1", "", "Title", "")
	require.NoError(t, err)

	first, err := store.AddComment(ctx, created.ID, "user2", "  looks good  ")
	require.NoError(t, err)
	require.Equal(t, "looks good", first.Content)

	second, err := store.AddComment(ctx, created.ID, "user1", "thanks")
	require.NoError(t, err)

	comments, err := store.Comments(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.ElementsMatch(t,
		[]string{first.ID, second.ID},
		[]string{comments[0].ID, comments[1].ID})

	_, err = store.AddComment(ctx, "missing", "user1", "hello")
	require.True(t, ErrNotFound.Has(err))
	_, err = store.AddComment(ctx, created.ID, "user1", "   ")
	require.True(t, ErrInvalidInput.Has(err))
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	store, db := newStore(t, ctx)

	created, err := store.Create(ctx, "guild1", "user1", "", "Title", "")
	require.NoError(t, err)
	comment, err := store.AddComment(ctx, created.ID, "user2", "note")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.ID))

	_, err = store.Get(ctx, created.ID)
	require.True(t, ErrNotFound.Has(err))

	page, err := store.List(ctx, Filter{GuildIDs: []string{"guild1"}}, "", 10)
	require.NoError(t, err)
	require.Empty(t, page.Requests)

	_, err = db.Get(ctx, commentKey(comment.ID))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	err = store.Delete(ctx, created.ID)
	require.True(t, ErrNotFound.Has(err))
}
