package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/internal/state"
	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

func TestImageListSortsByScore(t *testing.T) {
	store := state.NewStore()
	selected := types.DatasetIDs("a", "b", "c")
	for id, score := range map[types.DatasetID]float64{"a": 0.5, "b": 0.9, "c": 0.1} {
		state.UpdateImageMeta(store, id, func(m *state.ImageMeta) { m.GroundTruthToOriginal = score })
	}

	l := NewImageList(store)
	l.Reset(selected)
	assert.Equal(t, selected, l.Visible())

	require.NoError(t, l.SetSort("original_ground_to_original_detection_score", true))
	assert.True(t, l.Refresh(selected))
	assert.Equal(t, types.DatasetIDs("b", "a", "c"), l.Visible())
	assert.Equal(t, l.Visible(), store.Get(state.KeyVisibleIDs))
	assert.False(t, l.Refresh(selected), "nothing moved")

	assert.Error(t, l.SetSort("area", false))
}

func TestImageListScrollKeepsWindow(t *testing.T) {
	store := state.NewStore()
	selected := types.DatasetIDs("1", "2", "3", "4", "5")
	l := NewImageList(store)
	l.Reset(selected)

	l.Scroll(selected, types.DatasetIDs("2", "3"))
	assert.Equal(t, types.DatasetIDs("2", "3"), l.Visible())
	assert.False(t, l.Refresh(selected))

	// Dropping an image in view pulls the next one in.
	assert.True(t, l.Refresh(types.DatasetIDs("1", "3", "4", "5")))
	assert.Equal(t, types.DatasetIDs("3", "4"), l.Visible())
}

func TestImageListEmptySelection(t *testing.T) {
	store := state.NewStore()
	l := NewImageList(store)
	l.Reset(nil)
	assert.Empty(t, l.Visible())
	assert.Equal(t, []types.DatasetID{}, store.Get(state.KeyVisibleIDs))
}
