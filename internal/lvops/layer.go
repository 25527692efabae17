package lvops

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// InsertLayerForLV creates a new, empty LV named parent.Name+suffix, moves
// every one of parent's segments onto it, and installs a single linear
// segment in parent pointing at the new layer LV across its full extent
// range (spec §4.3 insert_layer_for_lv). Used to introduce mirror or thin
// layers underneath an existing, already-populated LV.
func InsertLayerForLV(vg *metadata.VG, parent *metadata.LV, suffix string) (*metadata.LV, error) {
	layer, err := vg.AddLV(parent.Name+suffix, parent.Policy)
	if err != nil {
		return nil, err
	}

	layer.Segments = parent.Segments
	for _, seg := range layer.Segments {
		seg.LV = layer
	}

	leCount := parent.LECount
	layer.LECount = leCount

	parent.Segments = nil
	parent.LECount = 0

	seg, err := metadata.AllocLVSegment(parent, metadata.AllocLVSegmentParams{
		Type: metadata.SegStriped, LE: 0, Len: leCount, AreaCount: 1,
	})
	if err != nil {
		return nil, err
	}

	if err := metadata.SetLVSegmentAreaLV(seg, 0, layer, 0, 0); err != nil {
		return nil, err
	}

	return layer, nil
}

// InsertLayerForSegmentsOnPV aligns lv's segment boundaries to pv's PE
// range, then for every segment area landing on pv moves that area's data
// into a freshly appended segment on layer, rewriting the original area to
// reference the new layer segment instead (spec §4.3
// insert_layer_for_segments_on_pv). Used by pvmove to interpose a mirror
// layer over exactly the extents living on one PV.
func InsertLayerForSegmentsOnPV(lv, layer *metadata.LV, pv *metadata.PV, peStart, peEnd uint64) error {
	if err := splitSegmentChecked(lv, peStartToLE(lv, pv, peStart)); err != nil {
		return err
	}

	if err := splitSegmentChecked(lv, peStartToLE(lv, pv, peEnd)); err != nil {
		return err
	}

	for _, seg := range lv.Segments {
		for i := range seg.Areas {
			a := &seg.Areas[i]
			if a.Kind != metadata.AreaPV || a.PVSeg.PV != pv {
				continue
			}

			if a.PVSeg.PEStart < peStart || a.PVSeg.PEStart+a.PVSeg.Len > peEnd {
				continue
			}

			layerSeg, err := metadata.AllocLVSegment(layer, metadata.AllocLVSegmentParams{
				Type: metadata.SegStriped, LE: layer.LECount, Len: a.PVSeg.Len, AreaCount: 1,
			})
			if err != nil {
				return err
			}

			// Re-point the existing (already allocated) PV segment at the
			// layer instead of re-running allocation for the same range.
			if err := metadata.MoveLVSegmentArea(layerSeg, 0, seg, i); err != nil {
				return err
			}

			if err := metadata.SetLVSegmentAreaLV(seg, i, layer, layerSeg.LE, 0); err != nil {
				return err
			}
		}
	}

	return nil
}

// splitSegmentChecked rejects splitting a segment type with no meaningful
// per-area split (pool/snapshot/thin segments reference a single backing
// device rather than a parallel area layout, so there is nothing to divide
// proportionally), then delegates to metadata.LVSplitSegment.
func splitSegmentChecked(lv *metadata.LV, le uint64) error {
	for _, seg := range lv.Segments {
		if le <= seg.LE || le >= seg.LE+seg.Len {
			continue
		}

		switch seg.Type {
		case metadata.SegThinPool, metadata.SegThin, metadata.SegSnapshot,
			metadata.SegSnapshotOrigin, metadata.SegSnapshotMerge, metadata.SegCrypt:
			return fmt.Errorf("lv %q: segment type %s: %w", lv.Name, seg.Type, ErrUnsupportedSplit)
		}

		break
	}

	return metadata.LVSplitSegment(lv, le)
}

// peStartToLE is a best-effort mapping from a PE offset on pv back to the
// owning LV's logical extent, used only to pick split points; segments not
// touching pv at all are left untouched by the subsequent area scan.
func peStartToLE(lv *metadata.LV, pv *metadata.PV, pe uint64) uint64 {
	for _, seg := range lv.Segments {
		for _, a := range seg.Areas {
			if a.Kind == metadata.AreaPV && a.PVSeg.PV == pv && pe >= a.PVSeg.PEStart && pe < a.PVSeg.PEStart+a.PVSeg.Len {
				return seg.LE + (pe - a.PVSeg.PEStart)
			}
		}
	}

	return lv.LECount
}
