package filesystem

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tachyon-labs/dlengine/internal/errkind"
)

var (
	illegalChars   = regexp.MustCompile(`[<>:"|?*\\/]`)
	controlChars   = regexp.MustCompile(`[\x00-\x1f]`)
	windowsReserved = map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
		"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
		"COM6": true, "COM7": true, "COM8": true, "COM9": true,
		"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
		"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
	}
)

const maxSegmentBytes = 255

// Sanitize replaces illegal filesystem characters with "_", strips
// control characters, truncates to 255 bytes, and rejects Windows
// reserved device names by appending an underscore to the name before
// its extension, e.g. "con.txt" becomes "con_.txt" (spec.md §4.9).
func Sanitize(segment string) string {
	s := illegalChars.ReplaceAllString(segment, "_")
	s = controlChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if s == "" {
		s = "_"
	}
	if len(s) > maxSegmentBytes {
		s = truncateToBytes(s, maxSegmentBytes)
	}

	base := s
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	if windowsReserved[strings.ToUpper(base)] {
		s = base + "_" + s[len(base):]
	}
	return s
}

func truncateToBytes(s string, n int) string {
	b := []byte(s)
	if len(b) <= n {
		return s
	}
	// avoid cutting a multi-byte rune in half
	for n > 0 && !utf8RuneStart(b[n]) {
		n--
	}
	return string(b[:n])
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// BuildSavePath computes the target path for a download per spec.md §4.9:
// <downloadPath>/<sanitized ancestor chain>/<sanitized title> when
// preserveStructure is set, else <downloadPath>/<sanitized title>.
func BuildSavePath(downloadPath, title string, ancestors []string, preserveStructure bool) string {
	parts := []string{downloadPath}
	if preserveStructure {
		for _, a := range ancestors {
			parts = append(parts, Sanitize(a))
		}
	}
	parts = append(parts, Sanitize(title))
	return filepath.Join(parts...)
}

// AllowedRoots returns the whitelisted root directories a resolved
// save_path must fall within (spec.md §4.9): user home, downloads,
// desktop, documents, and the supplied app-data directory.
func AllowedRoots(appDataDir string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	roots := []string{}
	if home != "" {
		roots = append(roots,
			home,
			filepath.Join(home, "Downloads"),
			filepath.Join(home, "Desktop"),
			filepath.Join(home, "Documents"),
		)
	}
	if appDataDir != "" {
		roots = append(roots, appDataDir)
	}
	return roots
}

// CheckContainment returns an InputInvalid errkind.Err if the resolved
// absolute path does not lie within one of roots, preventing traversal.
func CheckContainment(path string, roots []string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errkind.New(errkind.InputInvalid, err)
	}
	for _, root := range roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return nil
		}
	}
	return errkind.New(errkind.InputInvalid, errPathNotWhitelisted(path))
}

type pathNotWhitelistedError string

func (e pathNotWhitelistedError) Error() string {
	return "path outside whitelisted roots: " + string(e)
}

func errPathNotWhitelisted(path string) error {
	return pathNotWhitelistedError(path)
}
