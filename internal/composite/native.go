package composite

import (
	"context"

	"deghost/internal/arena"
)

// Native is the compositing routine behind a session. Implementations are
// bound to the session's arena and read frames through it.
type Native interface {
	// Convert decodes the admitted frames into the routine's working format
	// and returns how many decoded. An error means the routine ran out of memory.
	Convert(ctx context.Context, frames []arena.Entry, kind arena.Kind, size Size) (int, error)

	// Merge composites the decoded frames in the requested order. The
	// returned composite is resident in the arena and owned by the caller.
	Merge(ctx context.Context, req MergeRequest) (MergeResult, error)

	// Release drops the decoded state of the last Convert.
	Release(frames int)
}

// MergeRequest carries everything one merge needs.
type MergeRequest struct {
	Frames      []arena.Entry
	Size        Size
	Sensitivity int
	MinSize     int
	Ratio       int
	Ghosting    Ghosting
	Order       []int
}

// MergeResult is the composite buffer (NV21, Size.NV21Len bytes) and the
// valid region of it.
type MergeResult struct {
	Composite arena.Entry
	Crop      Rect
}

// Renderer turns composite bytes into a preview bitmap or a saved image.
// It must not retain the NV21 slices it is given.
type Renderer interface {
	Preview(ctx context.Context, req PreviewRequest) (PreviewArtifact, error)
	Encode(ctx context.Context, req EncodeRequest) ([]byte, error)
}

type PreviewRequest struct {
	NV21    []byte
	Input   Size
	Region  Rect
	Preview Size
	Angle   int
}

type EncodeRequest struct {
	NV21    []byte
	Input   Size
	Crop    Rect
	Quality int
}

// PreviewArtifact is an RGBA bitmap at preview size, already rotated.
type PreviewArtifact struct {
	Width  int
	Height int
	Pix    []byte
}

func (p PreviewArtifact) Empty() bool { return len(p.Pix) == 0 }

// SavedArtifact is the encoded result handed to the caller on finalize.
type SavedArtifact struct {
	Data    []byte
	Crop    Rect
	Quality int
}

// RotatedSize is the bitmap size after rotating a preview of size s by angle.
func RotatedSize(s Size, angle int) Size {
	if angle == 90 || angle == 270 {
		return Size{W: s.H, H: s.W}
	}
	return s
}
