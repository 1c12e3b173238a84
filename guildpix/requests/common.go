// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package requests stores member requests (tickets) with status
// transitions, comments and filterable listings over the KV store.
package requests

import (
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default requests error class.
	Error = errs.Class("requests")

	// ErrInvalidInput is returned for empty or malformed arguments.
	ErrInvalidInput = errs.Class("invalid request input")

	// ErrNotFound is returned when a request or comment does not exist.
	ErrNotFound = errs.Class("request not found")

	// ErrConflict is returned for invalid status transitions and for
	// optimistic updates that kept losing races.
	ErrConflict = errs.Class("request conflict")
)

const (
	recordTTL = 30 * 24 * time.Hour

	// casRetries bounds how often a status transition is replayed after
	// a concurrent modification aborted it.
	casRetries = 5

	createdIndexKey = "request:created"
	updatedIndexKey = "request:updated"
)

func recordKey(id string) string        { return "request:" + id }
func guildIndexKey(g string) string     { return "request:guild:" + g }
func userIndexKey(u string) string      { return "request:user:" + u }
func statusIndexKey(s Status) string    { return "request:status:" + string(s) }
func commentsIndexKey(id string) string { return "request:comments:" + id }
func commentKey(cid string) string      { return "request:comment:" + cid }

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
