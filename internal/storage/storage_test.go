package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "deghost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLedger(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.RecordSessionOpened(SessionRecord{
		ID: "s1", Source: "/inbox/burst1", Frames: 3, Kind: "jpeg", Width: 1920, Height: 1080,
		ParamsJSON: `{"sensitivity":4}`,
	}))
	require.NoError(t, s.RecordEvent("s1", "ingest", map[string]any{"frames": 3}))
	require.NoError(t, s.RecordEvent("s1", "reorder", map[string]any{"order": []int{2, 1, 0}}))
	require.NoError(t, s.RecordSessionClosed(SessionRecord{
		ID: "s1", Status: "saved", OrderChanges: 1, ArtifactPath: "/out/s1.jpg", ArtifactBytes: 1234,
	}))

	recs, err := s.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "saved", rec.Status)
	assert.Equal(t, 3, rec.Frames)
	assert.Equal(t, 1, rec.OrderChanges)
	assert.Equal(t, 1234, rec.ArtifactBytes)
	assert.Equal(t, `{"sensitivity":4}`, rec.ParamsJSON, "empty params keep the opened value")
	assert.NotNil(t, rec.ClosedAt)

	events, err := s.SessionEvents("s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ingest", events[0].Type)
	assert.Equal(t, float64(3), events[0].Data["frames"])
	assert.Equal(t, "reorder", events[1].Type)
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordSessionOpened(SessionRecord{ID: id, Frames: 1, Width: 1, Height: 1}))
	}

	recs, err := s.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
	assert.Equal(t, "open", recs[0].Status)
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", JobType: "composite", Status: "queued", InputPath: "/in", OutputPath: "/out"}))
	require.NoError(t, s.RecordJobStart("j1"))
	require.NoError(t, s.RecordJobResult("j1", "success", map[string]any{"bytes": 10}, ""))

	jobs, err := s.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "success", jobs[0].Status)
	assert.NotNil(t, jobs[0].StartedAt)

	meta, err := s.JobMeta("j1")
	require.NoError(t, err)
	assert.Equal(t, float64(10), meta["bytes"])
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordEvent("x", "y", nil))
	assert.NoError(t, s.RecordSessionOpened(SessionRecord{ID: "x"}))
	assert.NoError(t, s.Close())
	_, err := s.RecentSessions(1)
	assert.Error(t, err)
}
