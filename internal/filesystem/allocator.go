package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tachyon-labs/dlengine/internal/errkind"
)

// Allocator handles disk-space checks and optional file pre-allocation
// (spec.md §4.7 "Preallocation (optional)"), grounded on the teacher's
// internal/filesystem/allocator.go.
type Allocator struct{}

func NewAllocator() *Allocator {
	return &Allocator{}
}

// AllocateFile checks free disk space and, if preallocate is true,
// truncates path up front to size to reduce filesystem fragmentation.
// A disk-space shortfall surfaces as a FilesystemFatal error (ENOSPC,
// spec.md §7).
func (a *Allocator) AllocateFile(path string, size int64, preallocate bool) error {
	if err := a.checkDiskSpace(path, size); err != nil {
		return err
	}
	if !preallocate {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("open for allocation: %w", err))
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("pre-allocate space: %w", err))
	}
	return nil
}

// checkDiskSpace guards against ENOSPC ahead of writing, with a 100MB
// safety buffer.
func (a *Allocator) checkDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	usage, err := disk.Usage(dir)
	if err != nil {
		return errkind.New(errkind.FilesystemTransient, fmt.Errorf("check disk space: %w", err))
	}

	const buffer = 100 * 1024 * 1024
	if int64(usage.Free) < (required + buffer) {
		return errkind.New(errkind.FilesystemFatal, fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free))
	}
	return nil
}
