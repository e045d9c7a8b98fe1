//go:build !unix

package arena

// DefaultAllocator returns the platform's native allocator.
func DefaultAllocator() Allocator { return HeapAllocator{} }

func mmapAllocator() (Allocator, bool) { return nil, false }
