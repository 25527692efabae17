package lvops

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/logger"
	"github.com/lvmcore/lvmcore/internal/metadata"
)

// Reduce shrinks lv by extents logical extents, walking segments from the
// tail (spec §4.3 lv_reduce). A segment whose length is entirely consumed
// by the remaining reduction is removed outright, detaching its log/pool/
// metadata sub-LVs and propagating their removal where they become
// orphaned; the final partially affected segment is reduced in place.
// Reducing to zero unlinks lv from the VG.
func Reduce(vg *metadata.VG, lv *metadata.LV, extents uint64) error {
	if extents == 0 {
		return ErrZeroExtents
	}

	if lv.Status.Has(metadata.StatusLocked) {
		return fmt.Errorf("lv %q: %w", lv.Name, ErrLocked)
	}

	if extents > lv.LECount {
		return fmt.Errorf("lv %q: reduce by %d exceeds %d extents: %w", lv.Name, extents, lv.LECount, ErrZeroExtents)
	}

	remaining := extents

	for remaining > 0 && len(lv.Segments) > 0 {
		last := lv.Segments[len(lv.Segments)-1]

		if last.Len <= remaining {
			if err := removeSegmentTail(vg, lv, last); err != nil {
				return err
			}

			remaining -= last.Len

			continue
		}

		if err := reduceSegmentPartial(last, remaining); err != nil {
			return err
		}

		remaining = 0
	}

	lv.LECount -= extents

	if lv.LECount == 0 {
		logger.Info("reduced lv to zero, unlinking", logger.Ctx{"lv": lv.Name})

		return vg.RemoveLV(lv)
	}

	return nil
}

// Remove looks lv up by name and removes it along with any sub-LV left
// orphaned by its removal (spec §4.3 lv_remove_with_dependencies). Locked
// LVs are rejected rather than silently ignored.
func Remove(vg *metadata.VG, name string) error {
	lv := vg.FindLV(name)
	if lv == nil {
		return fmt.Errorf("lv %q: %w", name, ErrNotFound)
	}

	if lv.Status.Has(metadata.StatusLocked) {
		return fmt.Errorf("lv %q: %w", lv.Name, ErrLocked)
	}

	return vg.RemoveLV(lv)
}

func removeSegmentTail(vg *metadata.VG, lv *metadata.LV, seg *metadata.LVSegment) error {
	lv.Segments = lv.Segments[:len(lv.Segments)-1]

	areaLen := seg.AreaLen()

	for i := range seg.Areas {
		if err := metadata.ReleaseLVSegmentArea(seg, i, areaLen, 0); err != nil {
			return err
		}
	}

	for i := range seg.MetaAreas {
		if err := metadata.ReleaseLVSegmentArea(seg, i, areaLen, metadata.StatusRaidMeta); err != nil {
			return err
		}
	}

	for _, sub := range []*metadata.LV{seg.LogLV, seg.MetadataLV, seg.PoolLV} {
		if sub == nil {
			continue
		}

		if len(sub.SegsUsingThisLV) == 0 {
			if err := vg.RemoveLV(sub); err != nil {
				return err
			}
		}
	}

	return nil
}

// reduceSegmentPartial shrinks seg in place by `reduction` extents,
// stripe-aware: each area gives up reduction/area_count extents so the
// resulting area_len still divides evenly by the stripe count.
func reduceSegmentPartial(seg *metadata.LVSegment, reduction uint64) error {
	perArea := reduction
	if seg.Type == metadata.SegStriped && seg.AreaCount > 0 {
		perArea = reduction / uint64(seg.AreaCount)
		if perArea == 0 {
			perArea = 1
		}
	}

	for i := range seg.Areas {
		if err := metadata.ReleaseLVSegmentArea(seg, i, perArea, 0); err != nil {
			return err
		}
	}

	seg.Len -= reduction

	return nil
}
