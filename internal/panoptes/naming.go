package panoptes

import (
	"path/filepath"
	"strings"
	"unicode"
)

// NamingStyle is the case convention applied to suggested names.
type NamingStyle string

const (
	StyleKebab    NamingStyle = "kebab-case"
	StyleSnake    NamingStyle = "snake_case"
	StyleCamel    NamingStyle = "camelCase"
	StylePascal   NamingStyle = "PascalCase"
	StyleOriginal NamingStyle = "original"
)

// NamingConfig controls auto-rename.
type NamingConfig struct {
	AutoRename bool
	Style      NamingStyle
	MaxLength  int
}

// splitWords breaks s into words at non-alphanumerics and lower-to-upper
// case changes.
func splitWords(s string) []string {
	var (
		words []string
		cur   []rune
		prev  rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return words
}

func capitalize(w string) string {
	r := []rune(strings.ToLower(w))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// SanitizeName renders name in style, limited to maxLen runes (0 for no
// limit). The result contains no path separators and may be empty.
func SanitizeName(name string, style NamingStyle, maxLen int) string {
	var out string
	switch style {
	case StyleOriginal:
		out = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
				return '_'
			}
			return r
		}, strings.TrimSpace(name))
	default:
		words := splitWords(name)
		if len(words) == 0 {
			return ""
		}
		switch style {
		case StyleSnake:
			out = strings.ToLower(strings.Join(words, "_"))
		case StyleCamel:
			out = strings.ToLower(words[0])
			for _, w := range words[1:] {
				out += capitalize(w)
			}
		case StylePascal:
			for _, w := range words {
				out += capitalize(w)
			}
		default:
			out = strings.ToLower(strings.Join(words, "-"))
		}
	}

	if r := []rune(out); maxLen > 0 && len(r) > maxLen {
		out = string(r[:maxLen])
	}
	return strings.Trim(out, "-_ .")
}

// SuggestedFilename returns the file name current would take under cfg for
// the suggested name, keeping current's extension. Empty means no rename.
func SuggestedFilename(current, suggested string, cfg NamingConfig) string {
	ext := filepath.Ext(current)
	if strings.EqualFold(filepath.Ext(suggested), ext) {
		suggested = strings.TrimSuffix(suggested, filepath.Ext(suggested))
	}
	stem := SanitizeName(suggested, cfg.Style, cfg.MaxLength)
	if stem == "" {
		return ""
	}
	return stem + strings.ToLower(ext)
}
