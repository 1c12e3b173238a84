// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gallery

import (
	"regexp"
	"strings"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a gallery name into its storage path segment:
// lowercase, runs of non-alphanumerics become a single hyphen, outer
// hyphens are stripped, and a name with nothing left becomes "gallery".
func Slug(name string) string {
	slug := strings.ToLower(name)
	slug = nonSlug.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "gallery"
	}
	return slug
}
