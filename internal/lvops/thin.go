package lvops

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// findThinPoolSegment returns pool's single thin-pool segment, the one a
// thin volume or snapshot's create/create_snap message is queued against.
func findThinPoolSegment(pool *metadata.LV) (*metadata.LVSegment, error) {
	for _, seg := range pool.Segments {
		if seg.Type == metadata.SegThinPool {
			return seg, nil
		}
	}

	return nil, fmt.Errorf("lv %q: not a thin pool", pool.Name)
}

// CreateThinVolume allocates a new thin LV backed by pool, sized to extents,
// and queues a create_thin message against the pool's segment (spec §4.3;
// the non-snapshot counterpart of CreateSnapshot). The message is
// only actually issued to the kernel once the pool's node resumes; see
// internal/devicemapper.Tree.CommitBatch.
func CreateThinVolume(vg *metadata.VG, pool *metadata.LV, name string, extents uint64, deviceID uint32) (*metadata.LV, error) {
	poolSeg, err := findThinPoolSegment(pool)
	if err != nil {
		return nil, err
	}

	lv, err := vg.AddLV(name, metadata.PolicyNormal)
	if err != nil {
		return nil, err
	}

	lv.Status |= metadata.StatusVisible | metadata.StatusThinVolume

	if _, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type:       metadata.SegThin,
		LE:         0,
		Len:        extents,
		ThinPoolLV: pool,
	}); err != nil {
		_ = vg.RemoveLV(lv)

		return nil, err
	}

	lv.Segments[0].DeviceID = deviceID

	poolSeg.TransactionID++
	poolSeg.ThinMessages = append(poolSeg.ThinMessages, metadata.ThinMessage{
		Kind:     metadata.ThinMsgCreateThin,
		DeviceID: deviceID,
	})

	return lv, nil
}

// CreateSnapshot creates a thin snapshot of origin inside origin's backing
// pool, queuing a create_snap message that pairs the new device id with
// origin's own (spec §4.3 scenario "Snapshot a thin volume": transaction_id
// advances by one per queued message, applied only once the kernel
// confirms it was still at the prior value). Snapshots of snapshots are
// rejected, matching the user-visible failure mode spec §7 names, as is a
// deviceID equal to origin's own device id.
func CreateSnapshot(vg *metadata.VG, origin *metadata.LV, name string, deviceID uint32) (*metadata.LV, error) {
	if origin.Status.Has(metadata.StatusSnapshot) {
		return nil, fmt.Errorf("lv %q: %w", origin.Name, metadata.ErrSnapshotOfSnapshot)
	}

	if len(origin.Segments) != 1 || origin.Segments[0].Type != metadata.SegThin {
		return nil, fmt.Errorf("lv %q: not a thin volume", origin.Name)
	}

	originSeg := origin.Segments[0]
	if deviceID == originSeg.DeviceID {
		return nil, fmt.Errorf("lv %q: snapshot device id %d equals the origin's device id", origin.Name, deviceID)
	}

	pool := originSeg.PoolLV

	poolSeg, err := findThinPoolSegment(pool)
	if err != nil {
		return nil, err
	}

	snap, err := vg.AddLV(name, metadata.PolicyNormal)
	if err != nil {
		return nil, err
	}

	snap.Status |= metadata.StatusVisible | metadata.StatusThinVolume | metadata.StatusSnapshot

	seg, err := metadata.AllocLVSegment(snap, metadata.AllocLVSegmentParams{
		Type:       metadata.SegThin,
		LE:         0,
		Len:        origin.LECount,
		ThinPoolLV: pool,
	})
	if err != nil {
		_ = vg.RemoveLV(snap)

		return nil, err
	}

	seg.DeviceID = deviceID
	seg.Origin = origin

	poolSeg.TransactionID++
	poolSeg.ThinMessages = append(poolSeg.ThinMessages, metadata.ThinMessage{
		Kind:     metadata.ThinMsgCreateSnap,
		DeviceID: deviceID,
		OriginID: originSeg.DeviceID,
	})

	return snap, nil
}
