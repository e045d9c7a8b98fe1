//go:build unix

package arena

import "golang.org/x/sys/unix"

// MmapAllocator maps anonymous private pages outside the Go heap.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func (MmapAllocator) Free(b []byte) error {
	return unix.Munmap(b)
}

// DefaultAllocator returns the platform's native allocator.
func DefaultAllocator() Allocator { return MmapAllocator{} }

func mmapAllocator() (Allocator, bool) { return MmapAllocator{}, true }
