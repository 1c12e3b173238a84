// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package gallery

import (
	"context"
	"encoding/json"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/guildpix/guildpix/guildpix/gradient"
	"github.com/guildpix/guildpix/private/objstore"
)

// Item is one image object in a gallery listing, optionally enriched
// with its gradient record.
type Item struct {
	Key         string
	Size        int64
	ContentType string

	// Gradient is set when derivation completed; GradientResolved is
	// true once derivation reached a terminal state, so a resolved item
	// with a nil Gradient means derivation failed.
	Gradient         *gradient.Gradient
	GradientResolved bool
}

var zipEntryPrefix = regexp.MustCompile(`^\d+-\d+-`)

// isAppleArtifact recognizes resource-fork files macOS hides inside
// archives: __MACOSX folders and ._ prefixed siblings, including ones
// renamed by the zip pipeline's timestamp-index prefix.
func isAppleArtifact(key string) bool {
	for _, segment := range strings.Split(key, "/") {
		if segment == "__MACOSX" {
			return true
		}
	}
	base := path.Base(key)
	if strings.HasPrefix(base, "._") {
		return true
	}
	return strings.HasPrefix(zipEntryPrefix.ReplaceAllString(base, ""), "._")
}

// Contents lists the image objects of a live gallery, filtering folder
// markers and Apple resource-fork artifacts, and enriches each item
// with its gradient record when derivation has finished.
func (service *Service) Contents(ctx context.Context, guildID, name string) (_ []Item, err error) {
	defer mon.Task()(&ctx)(&err)

	gallery, err := service.Get(ctx, guildID, name)
	if err != nil {
		return nil, err
	}

	items, err := service.listItems(ctx, UploadsPrefix(guildID, gallery.FolderName))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		// galleries populated before the uploads/ layout keep their
		// objects directly under the gallery prefix.
		items, err = service.listItems(ctx, Prefix(guildID, gallery.FolderName))
		if err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	recordKeys := make([]string, len(items))
	for i, item := range items {
		recordKeys[i] = gradient.RecordKey(item.Key)
	}
	values, err := service.db.MGet(ctx, recordKeys...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for i, data := range values {
		if data == nil {
			continue
		}
		var record gradient.Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		switch record.Status {
		case gradient.StatusCompleted:
			items[i].Gradient = record.Gradient
			items[i].GradientResolved = true
		case gradient.StatusFailed:
			items[i].GradientResolved = true
		}
	}

	return items, nil
}

// ItemURL returns a time-limited download link for one item of a live
// gallery. The key must belong to the gallery's storage prefix.
func (service *Service) ItemURL(ctx context.Context, guildID, name, key string, ttl time.Duration) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	gallery, err := service.Get(ctx, guildID, name)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(key, Prefix(guildID, gallery.FolderName)) {
		return "", ErrInvalidInput.New("key %q is outside gallery %q", key, name)
	}
	if _, err := service.objects.Stat(ctx, key); err != nil {
		if objstore.ErrObjectNotFound.Has(err) {
			return "", ErrNotFound.New("%q", key)
		}
		return "", Error.Wrap(err)
	}

	url, err := service.objects.PresignGet(ctx, key, ttl)
	return url, Error.Wrap(err)
}

func (service *Service) listItems(ctx context.Context, prefix string) ([]Item, error) {
	var items []Item
	err := service.objects.ListPrefix(ctx, prefix, func(info objstore.ObjectInfo) error {
		if info.Size <= 0 || strings.HasSuffix(info.Key, "/") || isAppleArtifact(info.Key) {
			return nil
		}
		items = append(items, Item{
			Key:         info.Key,
			Size:        info.Size,
			ContentType: info.ContentType,
		})
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return items, nil
}
