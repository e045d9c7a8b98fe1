package composite

import "slices"

// Snapshot is an immutable view of a session, readable without the lock.
type Snapshot struct {
	ID           string   `json:"id,omitempty"`
	State        State    `json:"-"`
	StateName    string   `json:"state"`
	Kind         string   `json:"kind,omitempty"`
	Frames       int      `json:"frames"`
	Input        Size     `json:"input"`
	Preview      Size     `json:"preview"`
	Angle        int      `json:"angle"`
	Sensitivity  int      `json:"sensitivity"`
	MinSize      int      `json:"min_size"`
	Ghosting     Ghosting `json:"ghosting"`
	Order        []int    `json:"order,omitempty"`
	Crop         Rect     `json:"crop"`
	Ratio        int      `json:"packing_ratio"`
	HasComposite bool     `json:"has_composite"`
	Generation   uint64   `json:"generation"`
}

// Active reports whether the session holds admitted frames.
func (s Snapshot) Active() bool {
	return s.State == StateIngested || s.State == StateReady || s.State == StateFinalized
}

// Snapshot returns the state published by the last completed step.
func (s *Session) Snapshot() Snapshot {
	snap := *s.snap.Load()
	snap.Order = slices.Clone(snap.Order)
	return snap
}

// publish must be called with the lock held.
func (s *Session) publish() {
	snap := &Snapshot{
		ID:           s.id,
		State:        s.state,
		StateName:    s.state.String(),
		Frames:       len(s.frames),
		Input:        s.input,
		Preview:      s.params.Preview,
		Angle:        s.params.Angle,
		Sensitivity:  s.params.Sensitivity,
		MinSize:      s.params.MinSize,
		Ghosting:     s.params.Ghosting,
		Order:        slices.Clone(s.params.Order),
		Crop:         s.crop,
		HasComposite: s.composite.Valid(),
		Generation:   s.generation,
	}
	if len(s.frames) > 0 {
		snap.Kind = s.kind.String()
		snap.Ratio = PackingRatio(s.input)
	}
	s.snap.Store(snap)
}
