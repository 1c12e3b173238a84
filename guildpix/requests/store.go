// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package requests

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guildpix/guildpix/private/kvstore"
)

// Request is one member request record.
type Request struct {
	ID          string `json:"id"`
	GuildID     string `json:"guildId"`
	UserID      string `json:"userId"`
	GalleryID   string `json:"galleryId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	ClosedAt    int64  `json:"closedAt,omitempty"`
	ClosedBy    string `json:"closedBy,omitempty"`
}

// Comment is one comment on a request.
type Comment struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Filter narrows a listing. GuildIDs is required; UserID and Status
// intersect further when set.
type Filter struct {
	GuildIDs []string
	UserID   string
	Status   Status
}

// Page is one slice of a filtered listing.
type Page struct {
	Requests   []Request
	NextCursor string
	HasMore    bool
}

// Store persists requests, their indexes and comments.
//
// architecture: Database
type Store struct {
	log *zap.Logger
	db  *kvstore.Client

	// beforeCommit runs between the watched read and the transactional
	// write; tests use it to induce CAS aborts.
	beforeCommit func(attempt int)
}

// NewStore instantiates a request Store.
func NewStore(log *zap.Logger, db *kvstore.Client) *Store {
	return &Store{log: log, db: db}
}

// Create persists a new open request together with all of its index
// rows in a single pipeline.
func (store *Store) Create(ctx context.Context, guildID, userID, galleryID, title, description string) (_ *Request, err error) {
	defer mon.Task()(&ctx)(&err)

	if guildID == "" || userID == "" {
		return nil, ErrInvalidInput.New("guild and user are required")
	}
	if strings.TrimSpace(title) == "" {
		return nil, ErrInvalidInput.New("title is required")
	}

	now := nowMillis()
	request := &Request{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		UserID:      userID,
		GalleryID:   galleryID,
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = store.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.SetEx(ctx, recordKey(request.ID), data, recordTTL)
		pipe.SAdd(ctx, guildIndexKey(guildID), request.ID)
		pipe.SAdd(ctx, userIndexKey(userID), request.ID)
		pipe.SAdd(ctx, statusIndexKey(StatusOpen), request.ID)
		pipe.ZAdd(ctx, createdIndexKey, float64(now), request.ID)
		pipe.ZAdd(ctx, updatedIndexKey, float64(now), request.ID)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	mon.Counter("requests_created").Inc(1)
	return request, nil
}

// Get returns a request by id.
func (store *Store) Get(ctx context.Context, id string) (_ *Request, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.db.Get(ctx, recordKey(id))
	if err != nil {
		return nil, ErrNotFound.New("%q", id)
	}
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, ErrNotFound.New("%q", id)
	}
	return &request, nil
}

// List returns a page of requests matching the filter, newest first.
// The cursor is the id of the last item of the previous page; an
// unknown cursor falls back to the first page.
func (store *Store) List(ctx context.Context, filter Filter, cursor string, limit int) (_ Page, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(filter.GuildIDs) == 0 {
		return Page{}, ErrInvalidInput.New("at least one guild is required")
	}
	if limit <= 0 {
		limit = 50
	}

	ids, err := store.candidates(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	if len(ids) == 0 {
		return Page{}, nil
	}

	scores, err := store.db.ZMScore(ctx, createdIndexKey, ids...)
	if err != nil {
		return Page{}, Error.Wrap(err)
	}

	type scored struct {
		id    string
		score float64
	}
	ordered := make([]scored, 0, len(ids))
	for i, id := range ids {
		// index rows without a creation score are orphans of a deleted
		// or expired record.
		if scores[i] == nil {
			continue
		}
		ordered = append(ordered, scored{id: id, score: *scores[i]})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].id < ordered[j].id
	})

	start := 0
	if cursor != "" {
		for i, entry := range ordered {
			if entry.id == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(ordered) {
		return Page{}, nil
	}

	end := start + limit
	if end > len(ordered) {
		end = len(ordered)
	}

	keys := make([]string, 0, end-start)
	for _, entry := range ordered[start:end] {
		keys = append(keys, recordKey(entry.id))
	}
	values, err := store.db.MGet(ctx, keys...)
	if err != nil {
		return Page{}, Error.Wrap(err)
	}

	page := Page{HasMore: end < len(ordered)}
	for _, data := range values {
		if data == nil {
			continue
		}
		var request Request
		if err := json.Unmarshal(data, &request); err != nil {
			continue
		}
		page.Requests = append(page.Requests, request)
	}
	if page.HasMore && len(page.Requests) > 0 {
		page.NextCursor = page.Requests[len(page.Requests)-1].ID
	}
	return page, nil
}

// candidates resolves the filter to a set of request ids using the
// index sets. Multiple guilds go through a transient union key so the
// intersection stays server-side.
func (store *Store) candidates(ctx context.Context, filter Filter) ([]string, error) {
	var keys []string
	if len(filter.GuildIDs) == 1 {
		keys = append(keys, guildIndexKey(filter.GuildIDs[0]))
	} else {
		unionKey := "request:union:" + uuid.NewString()
		guildKeys := make([]string, len(filter.GuildIDs))
		for i, g := range filter.GuildIDs {
			guildKeys[i] = guildIndexKey(g)
		}
		if err := store.db.SUnionStore(ctx, unionKey, guildKeys...); err != nil {
			return nil, Error.Wrap(err)
		}
		defer func() {
			if err := store.db.Delete(ctx, unionKey); err != nil {
				store.log.Warn("failed to drop transient union key", zap.Error(err))
			}
		}()
		keys = append(keys, unionKey)
	}
	if filter.UserID != "" {
		keys = append(keys, userIndexKey(filter.UserID))
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, ErrInvalidInput.New("unknown status %q", filter.Status)
		}
		keys = append(keys, statusIndexKey(filter.Status))
	}

	if len(keys) == 1 {
		ids, err := store.db.SMembers(ctx, keys[0])
		return ids, Error.Wrap(err)
	}
	ids, err := store.db.SInter(ctx, keys...)
	return ids, Error.Wrap(err)
}

// UpdateStatus transitions a request to a new status under optimistic
// concurrency control. Concurrent modifications abort the transaction
// and the transition is replayed against fresh state, up to five times.
func (store *Store) UpdateStatus(ctx context.Context, id string, to Status, actorID string) (_ *Request, err error) {
	defer mon.Task()(&ctx)(&err)

	if !to.Valid() {
		return nil, ErrInvalidInput.New("unknown status %q", to)
	}

	var updated *Request
	for attempt := 0; attempt < casRetries; attempt++ {
		err = store.db.Watch(ctx, func(tx *kvstore.Tx) error {
			data, err := tx.Get(ctx, recordKey(id))
			if err != nil {
				return ErrNotFound.New("%q", id)
			}
			var request Request
			if err := json.Unmarshal(data, &request); err != nil {
				return ErrNotFound.New("%q", id)
			}
			if !ValidTransition(request.Status, to) {
				return ErrConflict.New("cannot transition from %q to %q", request.Status, to)
			}

			from := request.Status
			now := nowMillis()
			request.Status = to
			request.UpdatedAt = now
			switch {
			case to == StatusClosed:
				request.ClosedAt = now
				request.ClosedBy = actorID
			case from == StatusClosed:
				// reopening clears the closure stamp.
				request.ClosedAt = 0
				request.ClosedBy = ""
			}

			fresh, err := json.Marshal(&request)
			if err != nil {
				return Error.Wrap(err)
			}
			updated = &request

			if store.beforeCommit != nil {
				store.beforeCommit(attempt)
			}

			return tx.Pipelined(ctx, func(pipe kvstore.Pipe) error {
				pipe.SetEx(ctx, recordKey(id), fresh, recordTTL)
				pipe.SRem(ctx, statusIndexKey(from), id)
				pipe.SAdd(ctx, statusIndexKey(to), id)
				pipe.ZAdd(ctx, updatedIndexKey, float64(now), id)
				return nil
			})
		}, recordKey(id))

		if kvstore.ErrTxAborted.Has(err) {
			mon.Counter("requests_cas_retries").Inc(1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict.New("request %q kept changing concurrently", id)
}

// AddComment appends a comment to a request.
func (store *Store) AddComment(ctx context.Context, requestID, userID, content string) (_ *Comment, err error) {
	defer mon.Task()(&ctx)(&err)

	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidInput.New("comment content is required")
	}
	if _, err := store.Get(ctx, requestID); err != nil {
		return nil, err
	}

	comment := &Comment{
		ID:        uuid.NewString(),
		RequestID: requestID,
		UserID:    userID,
		Content:   strings.TrimSpace(content),
		CreatedAt: nowMillis(),
	}
	data, err := json.Marshal(comment)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = store.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.SetEx(ctx, commentKey(comment.ID), data, recordTTL)
		pipe.ZAdd(ctx, commentsIndexKey(requestID), float64(comment.CreatedAt), comment.ID)
		pipe.Expire(ctx, commentsIndexKey(requestID), recordTTL)
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return comment, nil
}

// Comments returns a request's comments in creation order.
func (store *Store) Comments(ctx context.Context, requestID string) (_ []Comment, err error) {
	defer mon.Task()(&ctx)(&err)

	ids, err := store.db.ZRange(ctx, commentsIndexKey(requestID), 0, -1)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = commentKey(id)
	}
	values, err := store.db.MGet(ctx, keys...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var comments []Comment
	for _, data := range values {
		if data == nil {
			continue
		}
		var comment Comment
		if err := json.Unmarshal(data, &comment); err != nil {
			continue
		}
		comments = append(comments, comment)
	}
	return comments, nil
}

// Delete removes a request, its comments and every index row in one
// pipeline.
func (store *Store) Delete(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	request, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	commentIDs, err := store.db.ZRange(ctx, commentsIndexKey(id), 0, -1)
	if err != nil {
		return Error.Wrap(err)
	}

	err = store.db.Pipelined(ctx, func(pipe kvstore.Pipe) error {
		pipe.Delete(ctx, recordKey(id))
		pipe.SRem(ctx, guildIndexKey(request.GuildID), id)
		pipe.SRem(ctx, userIndexKey(request.UserID), id)
		pipe.SRem(ctx, statusIndexKey(request.Status), id)
		pipe.ZRem(ctx, createdIndexKey, id)
		pipe.ZRem(ctx, updatedIndexKey, id)
		for _, cid := range commentIDs {
			pipe.Delete(ctx, commentKey(cid))
		}
		pipe.Delete(ctx, commentsIndexKey(id))
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}

	mon.Counter("requests_deleted").Inc(1)
	return nil
}
