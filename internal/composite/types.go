package composite

import (
	"fmt"
	"slices"
)

// HighResArea is the input area at which the merge switches to the wider packing ratio.
const HighResArea = 7_680_000

// SaveQuality is the JPEG quality of every saved artifact.
const SaveQuality = 95

// Defaults applied by callers that map user preferences onto parameters.
const (
	DefaultSensitivityPreference = 19
	DefaultMinSizeDivisor        = 1000
	DefaultGhostingPreference    = 2
)

// Size is a width/height pair in pixels.
type Size struct {
	W int `json:"width"`
	H int `json:"height"`
}

func (s Size) Valid() bool { return s.W > 0 && s.H > 0 }
func (s Size) Area() int   { return s.W * s.H }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.W, s.H) }

// NV21Len is the byte length of one NV21 frame of this size. An odd edge
// still gets a full V/U pair for its last 2x2 block.
func (s Size) NV21Len() int { return s.W*s.H + s.ChromaStride()*((s.H+1)/2) }

// ChromaStride is the byte width of one row of interleaved V/U pairs.
func (s Size) ChromaStride() int { return (s.W + 1) &^ 1 }

// Rect is a crop rectangle in input coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

// Within reports whether r is non-empty and lies inside [0,s.W)x[0,s.H).
func (r Rect) Within(s Size) bool {
	return r.W > 0 && r.H > 0 && r.X >= 0 && r.Y >= 0 &&
		r.X+r.W <= s.W && r.Y+r.H <= s.H
}

func (r Rect) Size() Size { return Size{W: r.W, H: r.H} }

// PackingRatio selects the frames-to-layout factor handed to the merge.
func PackingRatio(s Size) int {
	if s.Area() >= HighResArea {
		return 16
	}
	return 8
}

// Ghosting is the policy for detected moving objects.
type Ghosting int

const (
	GhostingSuppress   Ghosting = 0
	GhostingDetectOnly Ghosting = 1
	GhostingRemoveAll  Ghosting = 2
)

func (g Ghosting) Valid() bool { return g >= GhostingSuppress && g <= GhostingRemoveAll }

func (g Ghosting) String() string {
	switch g {
	case GhostingSuppress:
		return "suppress"
	case GhostingDetectOnly:
		return "detect-only"
	case GhostingRemoveAll:
		return "remove-all"
	default:
		return fmt.Sprintf("ghosting(%d)", int(g))
	}
}

// IdentityOrder returns 0..n-1.
func IdentityOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// ValidOrder reports whether order is a permutation of 0..n-1.
func ValidOrder(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}

// FitPreview fits the input aspect ratio into a portrait display turned on
// its side, so the long display edge carries the image width.
func FitPreview(input, display Size) Size {
	if !input.Valid() || !display.Valid() {
		return Size{}
	}
	imageRatio := float32(input.W) / float32(input.H)
	displayRatio := float32(display.H) / float32(display.W)

	var out Size
	if imageRatio > displayRatio {
		out = Size{W: display.H, H: int(float32(display.H) / imageRatio)}
	} else {
		out = Size{W: int(float32(display.W) * imageRatio), H: display.W}
	}
	out.W = max(out.W, 1)
	out.H = max(out.H, 1)
	return out
}

// SensitivityFromPreference maps a stored preference onto a sensitivity.
// The default preference of 19 maps to 4; the offset is kept as the camera
// app stores it.
func SensitivityFromPreference(p int) int { return p - 15 }

// MinSizeFromDivisor maps a stored divisor onto a minimum object size.
func MinSizeFromDivisor(area, divisor int) int {
	if divisor == 0 {
		return 0
	}
	return area / divisor
}

// Params configures a merge.
type Params struct {
	Preview     Size     `json:"preview"`
	Angle       int      `json:"angle"`
	Sensitivity int      `json:"sensitivity"`
	MinSize     int      `json:"min_size"`
	Ghosting    Ghosting `json:"ghosting"`
	Order       []int    `json:"order"`
}

// DefaultParams derives parameters from the stored preference defaults.
func DefaultParams(input, preview Size, frames int) Params {
	return Params{
		Preview:     preview,
		Sensitivity: SensitivityFromPreference(DefaultSensitivityPreference),
		MinSize:     MinSizeFromDivisor(input.Area(), DefaultMinSizeDivisor),
		Ghosting:    Ghosting(DefaultGhostingPreference),
		Order:       IdentityOrder(frames),
	}
}

func (p Params) clone() Params {
	p.Order = slices.Clone(p.Order)
	return p
}

// validate checks p in the order the session reports violations.
func (p Params) validate(op string, input Size, frames int) error {
	switch p.Angle {
	case 0, 90, 180, 270:
	default:
		return newError(KindInvalidAngle, op, "angle %d is not one of 0, 90, 180, 270", p.Angle)
	}
	if !p.Preview.Valid() {
		return newError(KindInvalidDimensions, op, "preview size %s", p.Preview)
	}
	if p.Sensitivity < -15 || p.Sensitivity > 15 {
		return newError(KindInvalidSensitivity, op, "sensitivity %d outside [-15,15]", p.Sensitivity)
	}
	if p.MinSize < 0 || p.MinSize > input.Area() {
		return newError(KindInvalidMinSize, op, "min size %d outside [0,%d]", p.MinSize, input.Area())
	}
	if !p.Ghosting.Valid() {
		return newError(KindInvalidOrder, op, "ghosting mode %d", int(p.Ghosting))
	}
	if !ValidOrder(p.Order, frames) {
		return newError(KindInvalidOrder, op, "order %v is not a permutation of %d frames", p.Order, frames)
	}
	return nil
}
