// Package watcher turns raw filesystem notifications into debounced
// semantic file events.
package watcher

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"panoptes-go/internal/fs"
	"panoptes-go/internal/panoptes"
)

// Classify maps a raw notification to an event kind. The second result is
// false when the notification carries no content change (chmod only).
// When several bits are set, Remove beats Rename beats Create beats Write.
func Classify(op fsnotify.Op) (panoptes.EventKind, bool) {
	switch {
	case op.Has(fsnotify.Remove):
		return panoptes.Removed, true
	case op.Has(fsnotify.Rename):
		// The old name is gone; the new name arrives as its own Create.
		return panoptes.Removed, true
	case op.Has(fsnotify.Create):
		return panoptes.Created, true
	case op.Has(fsnotify.Write):
		return panoptes.Modified, true
	}
	return 0, false
}

var tempSuffixes = []string{"~", ".tmp", ".swp"}

// ShouldIgnore reports whether events for path are dropped: dotfiles,
// editor and temp files, and anything matched by the configured patterns.
func ShouldIgnore(path string, matcher *fs.IgnoreMatcher) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return matcher.Match(path)
}
