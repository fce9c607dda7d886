// Package shm models the memory region shared between the application core
// and the co-processor. Locations are byte offsets into the region; every
// read copies bytes out of the region at the time of the call, so nothing
// written by the other core is ever cached on this side.
package shm

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrOutOfRange = errors.New("shm: access outside region")
	ErrClosed     = errors.New("shm: region closed")
)

// Location is the offset of a buffer inside a Region.
type Location uint32

func (l Location) String() string { return fmt.Sprintf("0x%06x", uint32(l)) }

// Region is a fixed block of shared memory.
type Region struct {
	mem    []byte
	unmap  func([]byte) error
	closed bool
}

// NewRegion allocates a heap-backed region of size bytes.
func NewRegion(size int) *Region {
	return &Region{mem: make([]byte, size)}
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int { return len(r.mem) }

func (r *Region) check(off int64, n int) error {
	if r.closed {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+int64(n) > int64(len(r.mem)) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, off, off+int64(n), len(r.mem))
	}
	return nil
}

// ReadAt implements io.ReaderAt. Short reads at the end of the region are
// reported as io.EOF like a file would.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := copy(p, r.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes never grow the region.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if err := r.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(r.mem[off:], p), nil
}

// View returns a read-only window of n bytes starting at loc.
func (r *Region) View(loc Location, n int) (View, error) {
	if err := r.check(int64(loc), n); err != nil {
		return View{}, err
	}
	return View{r: r, base: loc, n: n}, nil
}

// Close releases the backing memory of a mapped region. Heap regions only
// become unusable.
func (r *Region) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.unmap != nil {
		return r.unmap(r.mem)
	}
	return nil
}

// View is a non-owning, bounded window over a Region. It is only valid while
// the buffer it covers is owned by the holder of the view.
type View struct {
	r    *Region
	base Location
	n    int
}

// Location returns the start of the window.
func (v View) Location() Location { return v.base }

// Len returns the size of the window.
func (v View) Len() int { return v.n }

// ReadAt copies len(p) bytes at offset off of the window into p. Reads that
// would cross the end of the window fail without copying anything.
func (v View) ReadAt(p []byte, off int) error {
	if v.r == nil {
		return fmt.Errorf("%w: empty view", ErrOutOfRange)
	}
	if off < 0 || off+len(p) > v.n {
		return fmt.Errorf("%w: [%d, %d) of %d byte view", ErrOutOfRange, off, off+len(p), v.n)
	}
	_, err := v.r.ReadAt(p, int64(v.base)+int64(off))
	return err
}

// Byte reads the single byte at offset off of the window.
func (v View) Byte(off int) (byte, error) {
	var b [1]byte
	if err := v.ReadAt(b[:], off); err != nil {
		return 0, err
	}
	return b[0], nil
}
