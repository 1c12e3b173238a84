// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package gradient derives placeholder colors for uploaded images
// through a durable, at-least-once job queue over redis.
package gradient

import (
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the default gradient error class.
	Error = errs.Class("gradient")

	// ErrInvalidJob is returned when an enqueue payload fails validation.
	ErrInvalidJob = errs.Class("invalid gradient job")
)

const (
	queueKey      = "gradient:queue"
	processingKey = "gradient:processing"
	delayedKey    = "gradient:delayed"
	jobKeyPrefix  = "gradient:job:"

	jobTTL    = 24 * time.Hour
	recordTTL = 30 * 24 * time.Hour
)

// Statuses of a per-image gradient record and of queued jobs.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Gradient is the derived color metadata attached to an image.
type Gradient struct {
	Palette     []string `json:"palette"`
	Primary     string   `json:"primary"`
	Secondary   string   `json:"secondary"`
	Foreground  string   `json:"foreground"`
	CSSGradient string   `json:"cssGradient"`
	BlurDataURL string   `json:"blurDataUrl"`
}

// Record is the per-image state stored under RecordKey.
type Record struct {
	Status    string    `json:"status"`
	Gradient  *Gradient `json:"gradient,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Job is the payload persisted per queued job.
type Job struct {
	GuildID     string `json:"guildId"`
	GalleryName string `json:"galleryName"`
	StorageKey  string `json:"storageKey"`
	ItemID      string `json:"itemId"`
	Attempts    int    `json:"attempts"`
	CreatedAt   int64  `json:"createdAt"`
}

// JobID derives the stable job id for a storage key, which makes
// enqueueing idempotent per image.
func JobID(storageKey string) string {
	return "gradient-" + strings.ReplaceAll(storageKey, "/", "-")
}

// RecordKey returns the redis key of the per-image record.
func RecordKey(storageKey string) string {
	return "gradient:" + storageKey
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
