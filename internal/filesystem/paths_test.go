package filesystem

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeReplacesIllegalChars(t *testing.T) {
	assert.Equal(t, "a_b_c.bin", Sanitize(`a<b>c.bin`))
	assert.Equal(t, "a_b", Sanitize("a/b"))
}

func TestSanitizeRejectsReservedNames(t *testing.T) {
	assert.Equal(t, "CON_", Sanitize("CON"))
	assert.Equal(t, "con_.txt", Sanitize("con.txt"))
}

func TestSanitizeTruncatesLongSegments(t *testing.T) {
	long := strings.Repeat("a", 400)
	got := Sanitize(long)
	assert.LessOrEqual(t, len(got), maxSegmentBytes)
}

func TestBuildSavePathWithAncestors(t *testing.T) {
	got := BuildSavePath("/downloads", "file.bin", []string{"Documents", "Reports"}, true)
	assert.Equal(t, filepath.Join("/downloads", "Documents", "Reports", "file.bin"), got)
}

func TestBuildSavePathFlatWhenNotPreserving(t *testing.T) {
	got := BuildSavePath("/downloads", "file.bin", []string{"Documents"}, false)
	assert.Equal(t, filepath.Join("/downloads", "file.bin"), got)
}

func TestCheckContainmentRejectsTraversal(t *testing.T) {
	roots := []string{"/home/user/Downloads"}
	err := CheckContainment("/etc/passwd", roots)
	require.Error(t, err)
}

func TestCheckContainmentAllowsWithinRoot(t *testing.T) {
	roots := []string{"/home/user/Downloads"}
	err := CheckContainment("/home/user/Downloads/sub/file.bin", roots)
	require.NoError(t, err)
}
