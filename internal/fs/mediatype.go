package fs

import (
	"mime"
	"path/filepath"
	"strings"
)

// MediaType returns the media type registered for the extension of path,
// without parameters, or "application/octet-stream" when none is known.
func MediaType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "application/octet-stream"
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "application/octet-stream"
	}
	if base, _, err := mime.ParseMediaType(t); err == nil {
		return base
	}
	return t
}
