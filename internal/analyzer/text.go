package analyzer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"panoptes-go/internal/panoptes"
)

const (
	textReadLimit  = 1 << 20
	textNameLength = 60
)

// TextAnalyzer summarizes plain-text documents from their content.
type TextAnalyzer struct {
	Base
}

func NewTextAnalyzer() *TextAnalyzer {
	return &TextAnalyzer{Base: NewBase("text", 60, "txt", "text", "md", "markdown", "rst", "log", "csv", "tsv", "org", "adoc")}
}

func (a *TextAnalyzer) Analyze(ctx context.Context, path string, opts panoptes.AnalyzeOptions) (*panoptes.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindOf(err), "analyze text", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, textReadLimit))
	if err != nil {
		return nil, panoptes.PathError(panoptes.KindAnalyzer, "analyze text", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encoding := "utf-8"
	if !utf8.Valid(data) {
		encoding = "unknown"
	}
	content := string(data)
	lines := countLines(content)
	words := len(strings.Fields(content))

	result := panoptes.NewAnalysisResult(a.Name()).
		WithDescription(fmt.Sprintf("Text document with %d lines and %d words", lines, words)).
		WithTags("text").
		WithCategory("documents/text").
		WithConfidence(0.6).
		WithMetadata("lines", lines).
		WithMetadata("words", words).
		WithMetadata("encoding", encoding)
	if ext := Ext(path); ext != "" && ext != "text" {
		result.AddTag(ext)
	}
	if name := firstLine(content); name != "" {
		result.WithSuggestedName(name)
	}
	return result, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// firstLine returns the first non-empty line stripped of markup prefixes
// and truncated to textNameLength runes.
func firstLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#*->=|"))
		if line == "" {
			continue
		}
		if !utf8.ValidString(line) {
			return ""
		}
		if utf8.RuneCountInString(line) > textNameLength {
			line = strings.TrimSpace(string([]rune(line)[:textNameLength]))
		}
		return line
	}
	return ""
}
