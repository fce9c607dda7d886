//go:build unix

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenRegion maps size bytes of the file at path as a shared region, creating
// and sizing the file if needed. Another process mapping the same file (for
// example a file under /dev/shm) sees the same bytes.
func OpenRegion(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("open region: size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size region %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map region %s: %w", path, err)
	}
	return &Region{mem: mem, unmap: unix.Munmap}, nil
}
