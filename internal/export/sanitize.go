package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const maxBaseNameLen = 80

// SanitizeName makes s safe to embed in a download filename. Control
// characters are dropped, anything outside the allowed set becomes '_',
// and runs of '_' collapse to one.
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if !isAllowedNameRune(r) {
			r = '_'
		}
		if r == '_' && lastUnderscore {
			continue
		}
		lastUnderscore = r == '_'
		b.WriteRune(r)
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', ',', '(', ')':
		return true
	default:
		return false
	}
}

// BaseName is the uploaded file name up to its first '.', sanitised.
// "clip.final.mp4" becomes "clip".
func BaseName(upload string) string {
	name := filepath.Base(filepath.FromSlash(upload))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	name = SanitizeName(name, maxBaseNameLen)
	if name == "" || name == "_" {
		return "video"
	}
	return name
}

// ValidateDir checks that dir is a clean, existing directory.
func ValidateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("directory is required")
	}

	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if part == ".." {
			return fmt.Errorf("directory cannot contain path traversal")
		}
	}

	if filepath.Clean(dir) != dir {
		return fmt.Errorf("directory must be a clean path")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory %s does not exist", dir)
		}
		return fmt.Errorf("invalid directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	return nil
}
