// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

// Package uploads moves image bytes into gallery storage: resumable
// chunked uploads staged on local disk, single-image puts, and an async
// pipeline that fans ZIP archive entries out into the object store.
package uploads

import (
	"bytes"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/memory"
)

var mon = monkit.Package()

var (
	// Error is the default uploads error class.
	Error = errs.Class("uploads")

	// ErrInvalidInput is returned for empty or malformed arguments.
	ErrInvalidInput = errs.Class("invalid upload input")

	// ErrSessionNotFound is returned when an upload session is unknown.
	ErrSessionNotFound = errs.Class("upload session not found")

	// ErrJobNotFound is returned when an upload job is unknown.
	ErrJobNotFound = errs.Class("upload job not found")

	// ErrChunkTooLarge is returned when a chunk exceeds the size cap.
	ErrChunkTooLarge = errs.Class("chunk too large")

	// ErrUnsupportedType is returned when a finalized upload is neither
	// a supported image nor a zip archive.
	ErrUnsupportedType = errs.Class("unsupported file type")
)

// Config contains configurable values for chunked uploads and the zip
// pipeline.
type Config struct {
	ScratchDir            string        `help:"directory for upload scratch space; empty means the system temp dir" default:""`
	MaxChunkSize          memory.Size   `help:"maximum size of a single upload chunk" default:"10.00 MiB"`
	SessionMaxAge         time.Duration `help:"age after which unfinished upload sessions are reaped" default:"24h"`
	JanitorInterval       time.Duration `help:"how often to reap stale upload sessions" default:"1h" testDefault:"1m"`
	MaxZipEntries         int           `help:"maximum number of image entries in one zip upload" default:"1000"`
	MaxZipUncompressed    memory.Size   `help:"maximum total uncompressed size of one zip upload" default:"500.00 MiB"`
	MaxProcessingDuration time.Duration `help:"wall-clock budget for processing one zip upload" default:"5m"`
	ProgressInterval      int           `help:"entries between intermediate zip progress writes" default:"10"`
}

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
	".avif": true,
	".heic": true,
}

// AllowedImage reports whether the file is a supported image by MIME
// type or extension.
func AllowedImage(fileName, contentType string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	return allowedExtensions[strings.ToLower(path.Ext(fileName))]
}

var zipMagics = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
	{'P', 'K', 0x07, 0x08},
}

// IsZip reports whether the payload looks like a zip archive by magic
// bytes, extension or MIME type.
func IsZip(fileName, contentType string, head []byte) bool {
	for _, magic := range zipMagics {
		if bytes.HasPrefix(head, magic) {
			return true
		}
	}
	if strings.EqualFold(path.Ext(fileName), ".zip") {
		return true
	}
	return contentType == "application/zip" || contentType == "application/x-zip-compressed"
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._/-]+`)
	multiSlash  = regexp.MustCompile(`/{2,}`)
)

// SanitizePath normalizes a client-supplied file path for use inside an
// object key: backslashes become slashes, parent references are
// stripped, anything outside [A-Za-z0-9._/-] collapses to a hyphen.
func SanitizePath(name string) string {
	clean := strings.ReplaceAll(name, `\`, "/")
	clean = strings.ReplaceAll(clean, "..", "")
	clean = unsafeChars.ReplaceAllString(clean, "-")
	clean = multiSlash.ReplaceAllString(clean, "/")
	return strings.Trim(clean, "-")
}

// contentTypeOf guesses a content type from the file extension.
func contentTypeOf(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".avif":
		return "image/avif"
	case ".heic":
		return "image/heic"
	}
	if byExt := mime.TypeByExtension(path.Ext(fileName)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// dayFolder names the per-day subfolder uploads land in.
func dayFolder() string {
	return time.Now().UTC().Format("2006-01-02")
}
