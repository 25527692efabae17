package metadata

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// CheckLVSegments validates all of the per-LV invariants in spec §3 and
// returns every violation found (not just the first), aggregated with
// go-multierror so a caller can report or count them independently (spec
// §4.1 check_lv_segments). fullVG additionally checks the role-flag
// invariant (7); the pool sub-LV checks of invariant 5 run on every call.
func CheckLVSegments(lv *LV, fullVG bool) error {
	var errs *multierror.Error

	// Invariant 1: segments are consecutive, non-overlapping, start at 0,
	// sum to le_count.
	var expect uint64
	for _, seg := range lv.Segments {
		if seg.LE != expect {
			errs = multierror.Append(errs, fmt.Errorf("lv %q: segment gap/overlap at LE %d (expected %d)", lv.Name, seg.LE, expect))
		}

		expect = seg.LE + seg.Len
	}

	if expect != lv.LECount {
		errs = multierror.Append(errs, fmt.Errorf("lv %q: segments sum to %d, le_count is %d", lv.Name, expect, lv.LECount))
	}

	for _, seg := range lv.Segments {
		checkSegment(lv, seg, &errs)
	}

	if fullVG {
		checkRoleFlag(lv, &errs)
	}

	return errs.ErrorOrNil()
}

func checkSegment(lv *LV, seg *LVSegment, errs **multierror.Error) {
	// Invariant 2.
	if seg.Type == SegStriped {
		if seg.AreaLen()*uint64(seg.AreaCount) != seg.Len {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: segment at LE %d: area_len*area_count != len", lv.Name, seg.LE))
		}
	}
	// For non-striped types area_len == len is implicit: a single area
	// spans the whole segment, so there is nothing further to check here.

	checkAreaSlice(lv, seg, seg.Areas, false, errs)
	checkAreaSlice(lv, seg, seg.MetaAreas, true, errs)

	// Invariant 6: RAID area_count lower bound, region_size power of two,
	// extents_copied <= area_len. The DefaultRaidMaxImages upper bound on
	// area_count is not checked here.
	if seg.Type.IsRaid() {
		if seg.AreaCount < seg.Type.MinAreas() {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: %s segment has %d areas, need >= %d", lv.Name, seg.Type, seg.AreaCount, seg.Type.MinAreas()))
		}

		if seg.RegionSize != 0 && !IsPowerOfTwo(seg.RegionSize) {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: raid region_size %d is not a power of two", lv.Name, seg.RegionSize))
		}

		if seg.ExtentsCopied > seg.AreaLen() {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: extents_copied %d exceeds area_len %d", lv.Name, seg.ExtentsCopied, seg.AreaLen()))
		}
	}

	// Invariant 5: thin pool data/metadata sub-LV suffixes and single
	// back-reference.
	if seg.Type == SegThinPool {
		checkPoolSubLV(lv, seg.PoolLV, "_tdata", errs)
		checkPoolSubLV(lv, seg.MetadataLV, "_tmeta", errs)
	}

	// Invariant 8: snapshot cow and origin refer to distinct LVs.
	if (seg.Type == SegSnapshot || seg.Type == SegSnapshotMerge) && seg.Origin != nil && seg.Cow != nil {
		if seg.Origin == seg.Cow {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: snapshot origin and cow are the same lv", lv.Name))
		}
	}
}

func checkPoolSubLV(lv *LV, sub *LV, suffix string, errs **multierror.Error) {
	if sub == nil {
		*errs = multierror.Append(*errs, fmt.Errorf("lv %q: thin pool missing %s sub-lv", lv.Name, suffix))
		return
	}

	if len(sub.Name) < len(suffix) || sub.Name[len(sub.Name)-len(suffix):] != suffix {
		*errs = multierror.Append(*errs, fmt.Errorf("lv %q: pool sub-lv %q does not end in %q", lv.Name, sub.Name, suffix))
	}

	if len(sub.Segments) != 1 {
		*errs = multierror.Append(*errs, fmt.Errorf("lv %q: pool sub-lv %q must have exactly one segment, has %d", lv.Name, sub.Name, len(sub.Segments)))
		return
	}

	segArea := sub.Segments[0]
	backrefs := 0
	for _, a := range segArea.Areas {
		if a.Kind == AreaLV {
			backrefs++
		}
	}

	if backrefs != 1 {
		*errs = multierror.Append(*errs, fmt.Errorf("lv %q: pool sub-lv %q must have exactly one lv-area referencing the pool, has %d", lv.Name, sub.Name, backrefs))
	}
}

// checkAreaSlice validates invariants 3 and 4 for one area array (either
// Areas or, when meta is true, MetaAreas) of a segment.
func checkAreaSlice(lv *LV, seg *LVSegment, areas []Area, meta bool, errs **multierror.Error) {
	for i, a := range areas {
		switch a.Kind {
		case AreaLV:
			// Invariant 3: every LV area back-links to a segment that
			// exists in target.SegsUsingThisLV with matching count.
			found := false
			for _, s := range a.LV.SegsUsingThisLV {
				if s == seg {
					found = true
					break
				}
			}

			if !found {
				*errs = multierror.Append(*errs, fmt.Errorf("lv %q: area %d (meta=%v) of segment at LE %d references lv %q without back-reference", lv.Name, i, meta, seg.LE, a.LV.Name))
			}
		case AreaPV:
			// Invariant 4: every PV area points at a pv_segment whose
			// lvseg/lv_area round-trip to the same segment slot.
			if a.PVSeg.LVSeg != seg || a.PVSeg.LVArea != i {
				*errs = multierror.Append(*errs, fmt.Errorf("lv %q: area %d (meta=%v) of segment at LE %d: pv_segment round-trip mismatch", lv.Name, i, meta, seg.LE))
			}
		}
	}
}

// checkRoleFlag validates invariant 7: an LV whose status includes a role
// flag has exactly one segment whose type matches that role. Only the
// THIN_POOL and THIN_VOLUME flags are checked.
func checkRoleFlag(lv *LV, errs **multierror.Error) {
	roles := []struct {
		flag Status
		typ  SegType
		name string
	}{
		{StatusThinPool, SegThinPool, "thin-pool"},
		{StatusThinVolume, SegThin, "thin"},
	}

	for _, r := range roles {
		if !lv.Status.Has(r.flag) {
			continue
		}

		count := 0
		for _, seg := range lv.Segments {
			if seg.Type == r.typ {
				count++
			}
		}

		if count != 1 {
			*errs = multierror.Append(*errs, fmt.Errorf("lv %q: status has %s role but has %d matching segments (want 1)", lv.Name, r.name, count))
		}
	}
}

// CheckVG checks that each PV's segments cover exactly its pe_count extents
// (the VG's extent and free counts are summed from the PVs on every call, so
// no stored totals are compared) and runs CheckLVSegments(fullVG=true) over
// every LV.
func CheckVG(vg *VG) error {
	var errs *multierror.Error

	for _, lv := range vg.LVs {
		if err := CheckLVSegments(lv, true); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	for _, pv := range vg.PVs {
		var covered uint64
		for _, s := range pv.Segments {
			covered += s.Len
		}

		if covered != pv.PECount {
			errs = multierror.Append(errs, fmt.Errorf("pv %q: segments cover %d extents, pe_count is %d", pv.Name, covered, pv.PECount))
		}
	}

	return errs.ErrorOrNil()
}
