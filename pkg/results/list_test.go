package results

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdqcc/defect-overlay/pkg/types"
)

func sample() []types.Detection {
	return []types.Detection{
		{Box: types.Box{0, 0, 10, 10}, ClassName: "Scratch", Confidence: 0.873},
		{Box: types.Box{5, 5, 20, 20}, ClassName: "Dent", Confidence: 0.4, Visible: types.Bool(false)},
		{Box: types.Box{1, 1, 2, 2}, ClassName: "Pit", Confidence: 0.05},
	}
}

func TestMasterStates(t *testing.T) {
	require.Equal(t, Unchecked, NewList(nil).Master())

	l := NewList(sample())
	require.Equal(t, Indeterminate, l.Master())

	l.SetAll(true)
	require.Equal(t, Checked, l.Master())

	require.NoError(t, l.SetVisible(2, false))
	require.Equal(t, Indeterminate, l.Master())

	l.SetAll(false)
	require.Equal(t, Unchecked, l.Master())
	require.Equal(t, "unchecked", l.Master().String())
}

func TestDetectionsCarryVisibility(t *testing.T) {
	in := sample()
	l := NewList(in)
	require.NoError(t, l.SetVisible(0, false))

	out := l.Detections()
	require.Len(t, out, 3)
	require.False(t, out[0].IsVisible())
	require.False(t, out[1].IsVisible())
	require.True(t, out[2].IsVisible())

	// The caller's slice is untouched.
	require.Nil(t, in[0].Visible)
	out[2].Box[0] = 50
	require.Equal(t, 1.0, l.Detections()[2].Box[0])
}

func TestSetVisibleOutOfRange(t *testing.T) {
	l := NewList(sample())
	require.Error(t, l.SetVisible(3, true))
	require.Error(t, l.SetVisible(-1, true))
}

func TestEntries(t *testing.T) {
	entries := NewList(sample()).Entries()
	require.Equal(t, Entry{Index: 0, Title: "1. Scratch", Score: "87.3%", Visible: true}, entries[0])
	require.Equal(t, "2. Dent", entries[1].Title)
	require.False(t, entries[1].Visible)
	require.Equal(t, "5.0%", entries[2].Score)
}
