package lvops_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvmcore/lvmcore/internal/alloc"
	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/lvops"
	"github.com/lvmcore/lvmcore/internal/metadata"
)

func newTestVG(t *testing.T, pvCount int, peCount uint64) (*metadata.VG, []*metadata.PV) {
	t.Helper()

	vg := metadata.New("vg0", 8192)
	pvs := make([]*metadata.PV, 0, pvCount)

	for i := 0; i < pvCount; i++ {
		pv, err := vg.AddPV(string(rune('a'+i)), uuid.New(), peCount, 2048)
		require.NoError(t, err)
		pvs = append(pvs, pv)
	}

	return vg, pvs
}

func TestExtendStripedThenReduceToZeroUnlinks(t *testing.T) {
	vg, pvs := newTestVG(t, 2, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	err = lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType:        metadata.SegStriped,
		Stripes:        2,
		Extents:        20,
		AllocatablePVs: pvs,
		Policy:         metadata.PolicyNormal,
		Settings:       coreconfig.DefaultSettings(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), lv.LECount)
	assert.NoError(t, metadata.CheckLVSegments(lv, true))

	require.NoError(t, lvops.Reduce(vg, lv, 20))
	assert.Nil(t, vg.FindLV("lv0"))

	for _, pv := range pvs {
		assert.Equal(t, uint64(100), pv.FreeExtents())
	}
}

func TestReducePartialSegment(t *testing.T) {
	vg, pvs := newTestVG(t, 1, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType:        metadata.SegStriped,
		Stripes:        1,
		Extents:        30,
		AllocatablePVs: pvs,
		Policy:         metadata.PolicyNormal,
		Settings:       coreconfig.DefaultSettings(),
	}))

	require.NoError(t, lvops.Reduce(vg, lv, 10))
	assert.Equal(t, uint64(20), lv.LECount)
	assert.Equal(t, uint64(80), pvs[0].FreeExtents())
	assert.NoError(t, metadata.CheckLVSegments(lv, true))
}

func TestExtendVirtualSegmentMergesTrailing(t *testing.T) {
	vg, _ := newTestVG(t, 1, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{SegType: metadata.SegZero, Extents: 5}))
	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{SegType: metadata.SegZero, Extents: 5}))

	require.Len(t, lv.Segments, 1)
	assert.Equal(t, uint64(10), lv.Segments[0].Len)
}

func TestExtendThinPoolRevertsDataLVOnMetadataAllocFailure(t *testing.T) {
	vg, pvs := newTestVG(t, 1, 20)

	pool, err := vg.AddLV("pool", metadata.PolicyNormal)
	require.NoError(t, err)

	err = lvops.Extend(vg, pool, lvops.ExtendParams{
		SegType:        metadata.SegStriped,
		Stripes:        1,
		Extents:        20,
		AllocatablePVs: pvs,
		Policy:         metadata.PolicyNormal,
		Settings:       coreconfig.DefaultSettings(),
		ThinPoolName:   "pool",
	})
	require.Error(t, err)

	assert.Nil(t, vg.FindLV("pool_tdata"))
	assert.Nil(t, vg.FindLV("pool_tmeta"))
	assert.Equal(t, uint64(20), pvs[0].FreeExtents())
}

func TestRemoveByNameUnlinksLV(t *testing.T) {
	vg, pvs := newTestVG(t, 1, 20)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)
	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 1, Extents: 10,
		AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	}))

	require.NoError(t, lvops.Remove(vg, "lv0"))
	assert.Nil(t, vg.FindLV("lv0"))
	assert.Equal(t, uint64(20), pvs[0].FreeExtents())
}

func TestRemoveByNameNotFound(t *testing.T) {
	vg, _ := newTestVG(t, 1, 20)

	err := lvops.Remove(vg, "missing")
	assert.ErrorIs(t, err, lvops.ErrNotFound)
}

func TestRemoveByNameRejectsLocked(t *testing.T) {
	vg, _ := newTestVG(t, 1, 20)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)
	lv.Status |= metadata.StatusLocked

	err = lvops.Remove(vg, "lv0")
	assert.ErrorIs(t, err, lvops.ErrLocked)
	assert.NotNil(t, vg.FindLV("lv0"))
}

func TestExtendRejectsIncompatibleStripeCountOnSecondExtend(t *testing.T) {
	vg, pvs := newTestVG(t, 3, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 2, Extents: 20,
		AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	}))

	err = lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 3, Extents: 10,
		AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	})
	assert.ErrorIs(t, err, alloc.ErrIncompatibleStripesOnExtend)

	// the rejected extend left the LV's existing segment untouched
	require.Len(t, lv.Segments, 1)
	assert.Equal(t, uint64(20), lv.Segments[0].Len)
}

func TestExtendAllowsMatchingStripeCountOnSecondExtend(t *testing.T) {
	vg, pvs := newTestVG(t, 2, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 2, Extents: 20,
		AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	}))

	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 2, Extents: 10,
		AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	}))

	assert.Equal(t, uint64(30), lv.LECount)
}

func TestInsertLayerForSegmentsOnPVMovesOverlappingRange(t *testing.T) {
	vg, pvs := newTestVG(t, 1, 20)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	seg, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type: metadata.SegStriped, LE: 0, Len: 20, AreaCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, metadata.SetLVSegmentAreaPV(seg, 0, pvs[0], 0, 0))

	layer, err := vg.AddLV("lv0_pvmove_0", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.InsertLayerForSegmentsOnPV(lv, layer, pvs[0], 5, 15))

	require.Len(t, lv.Segments, 3)

	assert.Equal(t, uint64(5), lv.Segments[0].Len)
	assert.Equal(t, metadata.AreaPV, lv.Segments[0].Areas[0].Kind)

	assert.Equal(t, uint64(10), lv.Segments[1].Len)
	assert.Equal(t, metadata.AreaLV, lv.Segments[1].Areas[0].Kind)
	assert.Equal(t, layer, lv.Segments[1].Areas[0].LV)

	assert.Equal(t, uint64(5), lv.Segments[2].Len)
	assert.Equal(t, metadata.AreaPV, lv.Segments[2].Areas[0].Kind)

	require.Len(t, layer.Segments, 1)
	assert.Equal(t, uint64(10), layer.Segments[0].Len)
}

func newTestThinPool(t *testing.T, extents uint64) (*metadata.VG, *metadata.LV, []*metadata.PV) {
	t.Helper()

	vg, pvs := newTestVG(t, 1, 1000)

	pool, err := vg.AddLV("pool", metadata.PolicyNormal)
	require.NoError(t, err)

	require.NoError(t, lvops.Extend(vg, pool, lvops.ExtendParams{
		SegType:        metadata.SegStriped,
		Stripes:        1,
		Extents:        extents,
		AllocatablePVs: pvs,
		Policy:         metadata.PolicyNormal,
		Settings:       coreconfig.DefaultSettings(),
		ThinPoolName:   "pool",
	}))

	return vg, vg.FindLV("pool"), pvs
}

func TestCreateThinVolumeQueuesCreateThinMessage(t *testing.T) {
	vg, pool, _ := newTestThinPool(t, 256)

	th0, err := lvops.CreateThinVolume(vg, pool, "th0", 256, 42)
	require.NoError(t, err)

	require.Len(t, th0.Segments, 1)
	assert.Equal(t, metadata.SegThin, th0.Segments[0].Type)
	assert.Equal(t, pool, th0.Segments[0].PoolLV)

	poolSeg := pool.Segments[0]
	require.Len(t, poolSeg.ThinMessages, 1)
	assert.Equal(t, metadata.ThinMsgCreateThin, poolSeg.ThinMessages[0].Kind)
	assert.Equal(t, uint32(42), poolSeg.ThinMessages[0].DeviceID)
	assert.Equal(t, uint64(1), poolSeg.TransactionID)
}

func TestCreateSnapshotQueuesCreateSnapMessageAndAdvancesTransactionID(t *testing.T) {
	vg, pool, _ := newTestThinPool(t, 256)
	poolSeg := pool.Segments[0]
	poolSeg.TransactionID = 7

	th0, err := lvops.CreateThinVolume(vg, pool, "th0", 256, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), poolSeg.TransactionID)

	snap, err := lvops.CreateSnapshot(vg, th0, "snap", 101)
	require.NoError(t, err)

	require.Len(t, snap.Segments, 1)
	assert.Equal(t, metadata.SegThin, snap.Segments[0].Type)
	assert.True(t, snap.Status.Has(metadata.StatusSnapshot))
	assert.Equal(t, th0, snap.Segments[0].Origin)

	require.Len(t, poolSeg.ThinMessages, 2)
	msg := poolSeg.ThinMessages[1]
	assert.Equal(t, metadata.ThinMsgCreateSnap, msg.Kind)
	assert.Equal(t, uint32(101), msg.DeviceID)
	assert.Equal(t, uint32(42), msg.OriginID)
	assert.Equal(t, uint64(9), poolSeg.TransactionID)
}

func TestCreateSnapshotOfSnapshotRejected(t *testing.T) {
	vg, pool, _ := newTestThinPool(t, 256)

	th0, err := lvops.CreateThinVolume(vg, pool, "th0", 256, 42)
	require.NoError(t, err)

	snap, err := lvops.CreateSnapshot(vg, th0, "snap", 101)
	require.NoError(t, err)

	_, err = lvops.CreateSnapshot(vg, snap, "snap_of_snap", 102)
	assert.ErrorIs(t, err, metadata.ErrSnapshotOfSnapshot)
}

func TestInsertLayerForLVMovesSegments(t *testing.T) {
	vg, pvs := newTestVG(t, 1, 100)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)
	require.NoError(t, lvops.Extend(vg, lv, lvops.ExtendParams{
		SegType: metadata.SegStriped, Stripes: 1, Extents: 10, AllocatablePVs: pvs, Policy: metadata.PolicyNormal, Settings: coreconfig.DefaultSettings(),
	}))

	layer, err := lvops.InsertLayerForLV(vg, lv, "_mimage_0")
	require.NoError(t, err)

	require.Len(t, lv.Segments, 1)
	assert.Equal(t, metadata.SegStriped, lv.Segments[0].Type)
	require.Len(t, layer.Segments, 1)
	assert.Equal(t, uint64(10), layer.Segments[0].Len)
	assert.NoError(t, metadata.CheckLVSegments(lv, true))
	assert.NoError(t, metadata.CheckLVSegments(layer, true))
}
