package magick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gopkg.in/gographics/imagick.v3/imagick"

	"deghost/internal/arena"
	"deghost/internal/composite"
)

var (
	errUnexpectedPixels = errors.New("unexpected pixel storage type")
	errNotConverted     = errors.New("frames were not converted")
)

// Backend decodes bursts with ImageMagick and merges them with a per-pixel
// median across frames. The first frame of the order is the base frame that
// the median replaces where motion is detected.
type Backend struct {
	arena *arena.Arena
	log   *slog.Logger

	mu      sync.Mutex
	decoded [][]byte
	size    composite.Size
}

// NewBackend binds a backend to the arena its sessions admit frames into.
func NewBackend(a *arena.Arena, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{arena: a, log: logger}
}

// Convert decodes every frame to packed RGB. JPEG frames whose dimensions
// differ from size and NV21 frames of the wrong length do not count as decoded.
func (b *Backend) Convert(ctx context.Context, frames []arena.Entry, kind arena.Kind, size composite.Size) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.decoded = nil
	decoded := make([][]byte, len(frames))
	count := 0
	for i, e := range frames {
		data, err := b.arena.View(e.Handle)
		if err != nil {
			return 0, fmt.Errorf("frame %d: %w", i, err)
		}
		rgb, err := decodeFrame(data[:e.Len], kind, size)
		if err != nil {
			b.log.Debug("frame did not decode", "index", i, "kind", kind, "error", err)
			continue
		}
		decoded[i] = rgb
		count++
	}

	if count == len(frames) {
		b.decoded = decoded
		b.size = size
	}
	return count, nil
}

func decodeFrame(data []byte, kind arena.Kind, size composite.Size) ([]byte, error) {
	switch kind {
	case arena.KindNV21:
		if len(data) != size.NV21Len() {
			return nil, fmt.Errorf("nv21 frame is %d bytes, want %d", len(data), size.NV21Len())
		}
		return NV21ToRGB(data, size.W, size.H), nil
	case arena.KindJPEG:
		mw := imagick.NewMagickWand()
		defer mw.Destroy()

		if err := mw.ReadImageBlob(data); err != nil {
			return nil, fmt.Errorf("read jpeg: %w", err)
		}
		w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())
		if w != size.W || h != size.H {
			return nil, fmt.Errorf("jpeg is %dx%d, want %s", w, h, size)
		}
		return exportRGB(mw, w, h)
	default:
		return nil, fmt.Errorf("unsupported frame kind %s", kind)
	}
}

// Merge composites the decoded frames in request order into a new NV21
// buffer in the arena. Rows are split into req.Ratio bands merged in
// parallel.
func (b *Backend) Merge(ctx context.Context, req composite.MergeRequest) (composite.MergeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.decoded) != len(req.Frames) || b.size != req.Size {
		return composite.MergeResult{}, errNotConverted
	}
	if !composite.ValidOrder(req.Order, len(b.decoded)) {
		return composite.MergeResult{}, fmt.Errorf("order %v", req.Order)
	}

	w, h := req.Size.W, req.Size.H
	ordered := make([][]byte, len(req.Order))
	for i, idx := range req.Order {
		ordered[i] = b.decoded[idx]
	}
	out := make([]byte, w*h*3)
	threshold := motionThreshold(req.Sensitivity)

	bands := max(req.Ratio, 1)
	rowsPer := (h + bands - 1) / bands
	var moved atomic.Int64
	var g errgroup.Group
	for y0 := 0; y0 < h; y0 += rowsPer {
		y1 := min(h, y0+rowsPer)
		g.Go(func() error {
			moved.Add(mergeRows(ordered, out, w, y0, y1, threshold, req.Ghosting))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return composite.MergeResult{}, err
	}

	if req.Ghosting == composite.GhostingSuppress && moved.Load() < int64(req.MinSize) {
		copy(out, ordered[0])
	}

	entry, mem, err := b.arena.Alloc(req.Size.NV21Len())
	if err != nil {
		return composite.MergeResult{}, err
	}
	RGBToNV21(out, w, h, mem)

	b.log.Debug("merged burst",
		"frames", len(ordered), "size", req.Size, "ghosting", req.Ghosting,
		"ratio", req.Ratio, "moved_pixels", moved.Load())

	return composite.MergeResult{Composite: entry, Crop: evenCrop(req.Size)}, nil
}

// Release drops the decoded frames.
func (b *Backend) Release(int) {
	b.mu.Lock()
	b.decoded = nil
	b.size = composite.Size{}
	b.mu.Unlock()
}

// motionThreshold maps sensitivity [-15,15] onto a channel delta [64,4].
func motionThreshold(sensitivity int) int {
	return 34 - 2*sensitivity
}

// mergeRows fills rows [y0,y1) of out and returns how many pixels were
// classified as moving.
func mergeRows(frames [][]byte, out []byte, w, y0, y1, threshold int, mode composite.Ghosting) int64 {
	var moved int64
	base := frames[0]
	vals := make([]byte, len(frames))
	var median [3]byte
	for o := y0 * w * 3; o < y1*w*3; o += 3 {
		moving := false
		for c := 0; c < 3; c++ {
			for i, f := range frames {
				vals[i] = f[o+c]
			}
			slices.Sort(vals)
			median[c] = vals[(len(vals)-1)/2]
			if absDiff(base[o+c], median[c]) > threshold {
				moving = true
			}
		}
		if moving {
			moved++
		}

		switch {
		case mode == composite.GhostingRemoveAll,
			mode == composite.GhostingSuppress && moving:
			out[o], out[o+1], out[o+2] = median[0], median[1], median[2]
		default:
			out[o], out[o+1], out[o+2] = base[o], base[o+1], base[o+2]
		}
	}
	return moved
}

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// evenCrop is the whole frame rounded down to even dimensions; nothing is
// shifted during the merge, so no border is invalid.
func evenCrop(s composite.Size) composite.Rect {
	w, h := s.W&^1, s.H&^1
	if w == 0 {
		w = s.W
	}
	if h == 0 {
		h = s.H
	}
	return composite.Rect{W: w, H: h}
}
