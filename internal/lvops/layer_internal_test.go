package lvops

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

func TestSplitSegmentCheckedRejectsThinPool(t *testing.T) {
	vg := metadata.New("vg0", 8192)
	pv, err := vg.AddPV("a", uuid.New(), 20, 2048)
	require.NoError(t, err)

	dataLV, err := vg.AddLV("pool_tdata", metadata.PolicyNormal)
	require.NoError(t, err)

	dataSeg, err := metadata.AllocLVSegment(dataLV, metadata.AllocLVSegmentParams{
		Type: metadata.SegStriped, LE: 0, Len: 20, AreaCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, metadata.SetLVSegmentAreaPV(dataSeg, 0, pv, 0, 0))

	pool, err := vg.AddLV("pool", metadata.PolicyNormal)
	require.NoError(t, err)

	_, err = metadata.AllocLVSegment(pool, metadata.AllocLVSegmentParams{
		Type: metadata.SegThinPool, LE: 0, Len: 20, AreaCount: 1, ThinPoolLV: dataLV,
	})
	require.NoError(t, err)

	err = splitSegmentChecked(pool, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedSplit))

	// The pool's own segments are untouched by the rejected split attempt.
	require.Len(t, pool.Segments, 1)
	assert.Equal(t, uint64(20), pool.Segments[0].Len)
}

func TestSplitSegmentCheckedAllowsStriped(t *testing.T) {
	vg := metadata.New("vg0", 8192)
	pv, err := vg.AddPV("a", uuid.New(), 20, 2048)
	require.NoError(t, err)

	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	seg, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type: metadata.SegStriped, LE: 0, Len: 20, AreaCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, metadata.SetLVSegmentAreaPV(seg, 0, pv, 0, 0))

	require.NoError(t, splitSegmentChecked(lv, 10))

	require.Len(t, lv.Segments, 2)
	assert.Equal(t, uint64(10), lv.Segments[0].Len)
	assert.Equal(t, uint64(10), lv.Segments[1].Len)
}
