package analyzer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"panoptes-go/internal/fs"
	"panoptes-go/internal/panoptes"
)

// Media families used as generic categories and tags.
const (
	FamilyImages    = "images"
	FamilyAudio     = "audio"
	FamilyVideo     = "video"
	FamilyDocuments = "documents"
	FamilyArchives  = "archives"
	FamilyCode      = "code"
	FamilyOther     = "other"
)

var familyByExt = map[string]string{
	"jpg": FamilyImages, "jpeg": FamilyImages, "png": FamilyImages, "gif": FamilyImages,
	"webp": FamilyImages, "bmp": FamilyImages, "tiff": FamilyImages, "svg": FamilyImages, "heic": FamilyImages,
	"mp3": FamilyAudio, "flac": FamilyAudio, "wav": FamilyAudio, "ogg": FamilyAudio, "m4a": FamilyAudio, "aac": FamilyAudio,
	"mp4": FamilyVideo, "mkv": FamilyVideo, "avi": FamilyVideo, "mov": FamilyVideo, "webm": FamilyVideo,
	"pdf": FamilyDocuments, "doc": FamilyDocuments, "docx": FamilyDocuments, "odt": FamilyDocuments,
	"xls": FamilyDocuments, "xlsx": FamilyDocuments, "ppt": FamilyDocuments, "pptx": FamilyDocuments,
	"txt": FamilyDocuments, "md": FamilyDocuments, "rtf": FamilyDocuments, "epub": FamilyDocuments,
	"zip": FamilyArchives, "tar": FamilyArchives, "gz": FamilyArchives, "tgz": FamilyArchives,
	"bz2": FamilyArchives, "xz": FamilyArchives, "7z": FamilyArchives, "rar": FamilyArchives,
	"go": FamilyCode, "py": FamilyCode, "js": FamilyCode, "ts": FamilyCode, "rs": FamilyCode,
	"c": FamilyCode, "h": FamilyCode, "cpp": FamilyCode, "java": FamilyCode, "rb": FamilyCode,
	"sh": FamilyCode, "sql": FamilyCode, "json": FamilyCode, "yaml": FamilyCode, "toml": FamilyCode,
}

// Family classifies path into a media family by extension, falling back
// to its media type.
func Family(path string) string {
	if f, ok := familyByExt[Ext(path)]; ok {
		return f
	}
	mt := fs.MediaType(path)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return FamilyImages
	case strings.HasPrefix(mt, "audio/"):
		return FamilyAudio
	case strings.HasPrefix(mt, "video/"):
		return FamilyVideo
	case strings.HasPrefix(mt, "text/"), strings.Contains(mt, "document"), mt == "application/pdf":
		return FamilyDocuments
	case strings.Contains(mt, "zip"), strings.Contains(mt, "compressed"), strings.Contains(mt, "tar"):
		return FamilyArchives
	}
	return FamilyOther
}

// GenericAnalyzer accepts every file and classifies it by media family only.
type GenericAnalyzer struct {
	Base
}

func NewGenericAnalyzer() *GenericAnalyzer {
	return &GenericAnalyzer{Base: NewBase("generic", 0)}
}

// CanAnalyze accepts every path.
func (a *GenericAnalyzer) CanAnalyze(string) bool { return true }

func (a *GenericAnalyzer) Analyze(ctx context.Context, path string, opts panoptes.AnalyzeOptions) (*panoptes.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindOf(err), "analyze", path, err)
	}

	family := Family(path)
	return panoptes.NewAnalysisResult(a.Name()).
		WithDescription(fmt.Sprintf("%s file (%s, %d bytes)", family, fs.MediaType(path), info.Size())).
		WithTags(family).
		WithCategory(family).
		WithConfidence(0.1).
		WithMetadata("mime_type", fs.MediaType(path)).
		WithMetadata("size", info.Size()), nil
}
