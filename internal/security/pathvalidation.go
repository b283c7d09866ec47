// Package security validates filesystem paths supplied by API clients. The
// replay endpoint accepts arbitrary file paths, so an operator can confine
// them to known data directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateWithin checks that path resolves inside dir. Symlinks are resolved
// on both sides so a link cannot smuggle the path out of dir; for paths that
// do not exist yet the nearest existing ancestor is resolved instead.
func ValidateWithin(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}

	canonical := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonical = resolved
	} else {
		// The path does not exist. Resolve the nearest existing ancestor so a
		// symlinked parent (data/link -> /etc) is still caught.
		probe := absPath
		for {
			parent := filepath.Dir(probe)
			if parent == probe {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parent); err == nil {
				rel, _ := filepath.Rel(parent, absPath)
				canonical = filepath.Join(resolved, rel)
				break
			}
			probe = parent
		}
	}

	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalDir, canonical)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, dir)
	}
	return nil
}

// ValidateWithinAny accepts path if it resolves inside any of dirs.
func ValidateWithinAny(path string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories specified")
	}
	for _, dir := range dirs {
		if err := ValidateWithin(path, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of: %s", strings.Join(dirs, ", "))
}

// SanitizeFilename makes a safe filename fragment from an arbitrary string.
// Characters outside ASCII letters, digits, dot, underscore and dash become a
// single underscore; the result is trimmed and length-capped. Used when
// embedding client-supplied filter values into download names.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
