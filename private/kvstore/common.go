// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package kvstore exposes the typed redis command surface used by the
// gallery, upload, gradient and request subsystems.
package kvstore

import (
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default kvstore error class.
	Error = errs.Class("kvstore")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")

	// ErrTxAborted is returned when an optimistic transaction observed a
	// concurrent change to one of its watched keys.
	ErrTxAborted = errs.Class("transaction aborted")
)

// Member is a scored member of a sorted set.
type Member struct {
	Score  float64
	Member string
}
