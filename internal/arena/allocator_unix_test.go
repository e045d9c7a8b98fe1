//go:build unix

package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMmapAllocatorRoundTrip(t *testing.T) {
	a := New(MmapAllocator{}, nil)

	entries, err := a.Admit([]FrameBuffer{{Kind: KindNV21, Data: []byte{1, 2, 3, 4, 5, 6}}})
	require.NoError(t, err)

	got, err := a.CopyOut(entries[0].Handle, 6)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
	require.NoError(t, a.Release(entries[0].Handle))
}
