// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gradient

import (
	"context"
	"encoding/json"

	"github.com/guildpix/guildpix/private/kvstore"
)

// GetRecord fetches the per-image record for a storage key. A missing
// or malformed record returns kvstore.ErrKeyNotFound.
func (worker *Worker) GetRecord(ctx context.Context, storageKey string) (_ Record, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := worker.db.Get(ctx, RecordKey(storageKey))
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, kvstore.ErrKeyNotFound.New("%q", storageKey)
	}
	return record, nil
}

// markPending writes a pending record unless the image already reached
// the completed latch.
func (worker *Worker) markPending(ctx context.Context, storageKey string) error {
	record, err := worker.GetRecord(ctx, storageKey)
	switch {
	case err == nil:
		if record.Status == StatusCompleted {
			return nil
		}
		record.Status = StatusPending
		record.UpdatedAt = nowMillis()
	case kvstore.ErrKeyNotFound.Has(err):
		now := nowMillis()
		record = Record{Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	default:
		return err
	}
	return worker.putRecord(ctx, storageKey, record)
}

// markProcessing flips the record to processing, preserving attempts
// and createdAt.
func (worker *Worker) markProcessing(ctx context.Context, storageKey string) error {
	record, err := worker.GetRecord(ctx, storageKey)
	switch {
	case err == nil:
		if record.Status == StatusCompleted {
			return nil
		}
		record.Status = StatusProcessing
		record.UpdatedAt = nowMillis()
	case kvstore.ErrKeyNotFound.Has(err):
		now := nowMillis()
		record = Record{Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}
	default:
		return err
	}
	return worker.putRecord(ctx, storageKey, record)
}

func (worker *Worker) markCompleted(ctx context.Context, storageKey string, gradient *Gradient, attempts int) error {
	record, err := worker.GetRecord(ctx, storageKey)
	if err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return err
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = nowMillis()
	}
	record.Status = StatusCompleted
	record.Gradient = gradient
	record.Attempts = attempts
	record.LastError = ""
	record.UpdatedAt = nowMillis()
	return worker.putRecord(ctx, storageKey, record)
}

func (worker *Worker) markFailed(ctx context.Context, storageKey string, cause error, attempts int) error {
	record, err := worker.GetRecord(ctx, storageKey)
	if err != nil && !kvstore.ErrKeyNotFound.Has(err) {
		return err
	}
	if record.Status == StatusCompleted {
		return nil
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = nowMillis()
	}
	record.Status = StatusFailed
	record.Gradient = nil
	record.Attempts = attempts
	record.LastError = cause.Error()
	record.UpdatedAt = nowMillis()
	return worker.putRecord(ctx, storageKey, record)
}

func (worker *Worker) putRecord(ctx context.Context, storageKey string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	return worker.db.SetEx(ctx, RecordKey(storageKey), data, recordTTL)
}
