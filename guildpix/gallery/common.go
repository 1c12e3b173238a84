// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package gallery maintains per-guild gallery metadata: a name set, a
// meta record per gallery and an expiry sorted set, all over redis,
// with the image objects themselves in the object store.
package gallery

import (
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default gallery error class.
	Error = errs.Class("gallery")

	// ErrInvalidInput is returned for empty or malformed arguments.
	ErrInvalidInput = errs.Class("invalid gallery input")

	// ErrNotFound is returned when a gallery does not exist.
	ErrNotFound = errs.Class("gallery not found")

	// ErrExpired is returned when a gallery exists but is past its expiry.
	ErrExpired = errs.Class("gallery expired")

	// ErrConflict is returned when a name or slug collides with an
	// existing gallery in the same guild.
	ErrConflict = errs.Class("gallery conflict")
)

const (
	expiriesKey = "galleries:expiries:v2"

	// metaGrace keeps swept-eligible meta keys around after their
	// logical expiry so list can clean indexes before redis drops them.
	metaGrace = 30 * 24 * time.Hour

	week = 7 * 24 * time.Hour
)

func listKey(guildID string) string {
	return "guild:" + guildID + ":galleries"
}

func metaKey(guildID, name string) string {
	return "guild:" + guildID + ":gallery:" + name + ":meta"
}

func memberKey(guildID, name string) string {
	return "guild:" + guildID + ":gallery:" + name
}

// Prefix returns the object-store prefix of a gallery folder.
func Prefix(guildID, slug string) string {
	return guildID + "/" + slug + "/"
}

// UploadsPrefix returns the object-store prefix holding image uploads.
func UploadsPrefix(guildID, slug string) string {
	return Prefix(guildID, slug) + "uploads/"
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
