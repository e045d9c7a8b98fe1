package arena

import (
	"fmt"
	"sync"
)

// Allocator is the native memory primitive behind an Arena. Free must be
// called exactly once for every region returned by Alloc.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(b []byte) error
}

// HeapAllocator hands out Go heap memory. Useful where mmap is unavailable.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]byte, error) { return make([]byte, n), nil }
func (HeapAllocator) Free([]byte) error          { return nil }

// LimitAllocator caps the bytes outstanding in the wrapped allocator and
// fails allocations past the cap, the way a constrained native heap does.
type LimitAllocator struct {
	Allocator
	Max int64

	mu   sync.Mutex
	used int64
}

// NewLimitAllocator wraps inner with a byte budget. max <= 0 disables the cap.
func NewLimitAllocator(inner Allocator, max int64) *LimitAllocator {
	return &LimitAllocator{Allocator: inner, Max: max}
}

func (l *LimitAllocator) Alloc(n int) ([]byte, error) {
	l.mu.Lock()
	if l.Max > 0 && l.used+int64(n) > l.Max {
		used := l.used
		l.mu.Unlock()
		return nil, fmt.Errorf("budget exhausted: %d in use, %d requested, %d max", used, n, l.Max)
	}
	l.used += int64(n)
	l.mu.Unlock()

	b, err := l.Allocator.Alloc(n)
	if err != nil {
		l.mu.Lock()
		l.used -= int64(n)
		l.mu.Unlock()
		return nil, err
	}
	return b, nil
}

func (l *LimitAllocator) Free(b []byte) error {
	l.mu.Lock()
	l.used -= int64(len(b))
	l.mu.Unlock()
	return l.Allocator.Free(b)
}

// NewAllocator builds an allocator by name ("mmap", "heap" or "" for the
// platform default) with an optional byte budget.
func NewAllocator(name string, budget int64) (Allocator, error) {
	var base Allocator
	switch name {
	case "", "default":
		base = DefaultAllocator()
	case "heap":
		base = HeapAllocator{}
	case "mmap":
		a, ok := mmapAllocator()
		if !ok {
			return nil, fmt.Errorf("mmap allocator is not supported on this platform")
		}
		base = a
	default:
		return nil, fmt.Errorf("unknown allocator %q", name)
	}
	if budget > 0 {
		return NewLimitAllocator(base, budget), nil
	}
	return base, nil
}
