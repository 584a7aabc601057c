package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kitware/nrtk-explorer-sub000/pkg/types"
)

func TestSetIsObservedOnFlush(t *testing.T) {
	s := NewStore()
	var got []any
	s.Subscribe("x", func(_ string, old, new any) { got = append(got, old, new) })

	s.Set("x", 1)
	s.Set("x", 2)
	assert.Empty(t, got)

	s.Flush()
	assert.Equal(t, []any{nil, 2}, got)

	s.Flush()
	assert.Len(t, got, 2)
}

func TestDeleteStoresNull(t *testing.T) {
	s := NewStore()
	s.Set("img_1", "data")
	s.Delete("img_1")

	assert.Nil(t, s.Get("img_1"))
	assert.False(t, s.Has("img_1"))
	assert.Contains(t, s.Keys(), "img_1")
}

func TestUnsubscribe(t *testing.T) {
	s := NewStore()
	calls := 0
	cancel := s.Subscribe("k", func(string, any, any) { calls++ })
	s.Set("k", true)
	s.Flush()
	cancel()
	s.Set("k", false)
	s.Flush()
	assert.Equal(t, 1, calls)
}

func TestWatchersReceiveCoalescedDeltas(t *testing.T) {
	s := NewStore()
	id, ch := s.Watch()
	defer s.Unwatch(id)

	s.Set("a", 1)
	s.Flush()
	s.Set("b", 2)
	s.Set("a", 3)
	s.Flush()

	d := <-ch
	assert.Equal(t, Delta{"a": 3, "b": 2}, d)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected delta %v", extra)
	default:
	}
}

func TestSubscriberWritesAreDeferred(t *testing.T) {
	s := NewStore()
	s.Subscribe("a", func(string, any, any) { s.Set("b", "derived") })

	s.Set("a", 1)
	s.Flush()
	assert.Equal(t, "derived", s.Get("b"))

	id, ch := s.Watch()
	defer s.Unwatch(id)
	s.Flush()
	assert.Equal(t, Delta{"b": "derived"}, <-ch)
}

func TestScopePrefixesKeys(t *testing.T) {
	s := NewStore()
	sc := s.Scoped("embeddings")
	sc.Set("points", 5)

	assert.Equal(t, 5, s.Get("embeddings_points"))
	assert.Equal(t, "embeddings_points", sc.Key("points"))
	assert.Equal(t, "plain", Prefixer("")("plain"))
}

func TestUpdateImageMetaMerges(t *testing.T) {
	s := NewStore()
	id := types.DatasetID("7")

	UpdateImageMeta(s, id, func(m *ImageMeta) { m.GroundTruthToOriginal = 0.5 })
	UpdateImageMeta(s, id, func(m *ImageMeta) { m.OriginalToTransformed = 0.25 })

	meta := GetImageMeta(s, id)
	assert.Equal(t, ImageMeta{GroundTruthToOriginal: 0.5, OriginalToTransformed: 0.25}, meta)

	DeleteImageMeta(s, id)
	assert.Nil(t, s.Get(MetaKey(id)))
	assert.Equal(t, ImageMeta{}, GetImageMeta(s, id))
}

func TestDerivedKeys(t *testing.T) {
	id := types.DatasetID("42")
	assert.Equal(t, "img_42", ImageKey(types.OriginalID(id)))
	assert.Equal(t, "transformed_img_42", ImageKey(types.TransformedID(id)))
	assert.Equal(t, "result_img_42_ground_truth", ResultKey(types.OriginalID(id), GroundTruthModel))
	assert.Equal(t, "score_transformed_img_42_detr", ScoreKey(types.TransformedID(id), "detr"))
	assert.Equal(t, "meta_42", MetaKey(id))

	parsed, err := types.ParseImageID("transformed_img_42")
	require.NoError(t, err)
	assert.Equal(t, types.TransformedID(id), parsed)
}
