package metadata

import "fmt"

// AllocLVSegmentParams bundles the (many) optional fields accepted by
// alloc_lv_segment (spec §4.1). Zero values mean "not applicable to this
// segtype".
type AllocLVSegmentParams struct {
	Type          SegType
	LE            uint64
	Len           uint64
	Status        Status
	StripeSize    uint64
	LogLV         *LV
	ThinPoolLV    *LV
	AreaCount     int
	AreaLen       uint64 // informational only; Areas are always allocated AreaCount-wide
	ChunkSize     uint64
	RegionSize    uint64
	ExtentsCopied uint64
	PvmoveSrc     *PVSegment
}

// AllocLVSegment allocates a new segment for lv, initializes its areas to
// UNASSIGNED and attaches pool/log relations if requested (spec §4.1).
func AllocLVSegment(lv *LV, p AllocLVSegmentParams) (*LVSegment, error) {
	if p.Len == 0 {
		return nil, fmt.Errorf("lv %q: zero-length segment: %w", lv.Name, ErrAllocFailed)
	}

	areaCount := p.AreaCount
	if areaCount == 0 {
		areaCount = 1
	}

	seg := &LVSegment{
		LV:            lv,
		Type:          p.Type,
		LE:            p.LE,
		Len:           p.Len,
		StripeSize:    p.StripeSize,
		ChunkSize:     p.ChunkSize,
		RegionSize:    p.RegionSize,
		AreaCount:     areaCount,
		Areas:         make([]Area, areaCount),
		LogLV:         p.LogLV,
		PoolLV:        p.ThinPoolLV,
		ExtentsCopied: p.ExtentsCopied,
		PvmoveSource:  p.PvmoveSrc,
	}

	if p.Type.IsRaid() {
		seg.MetaAreas = make([]Area, areaCount)
	}

	if p.LogLV != nil {
		addSegsUsing(p.LogLV, seg)
	}

	if p.ThinPoolLV != nil {
		addSegsUsing(p.ThinPoolLV, seg)
	}

	insertSegment(lv, seg)
	lv.LECount = totalLE(lv)

	return seg, nil
}

func totalLE(lv *LV) uint64 {
	var n uint64
	for _, s := range lv.Segments {
		n += s.Len
	}

	return n
}

// selectAreaSlice returns the Areas or MetaAreas slice depending on status.
func selectAreaSlice(seg *LVSegment, status Status) []Area {
	if status.Has(StatusRaidMeta) {
		return seg.MetaAreas
	}

	return seg.Areas
}

// SetLVSegmentAreaPV sets area i of seg to reference a PV range
// [pe, pe+area_len), splitting the target PV segment and marking it
// allocated (spec §4.1 set_lv_segment_area_pv).
func SetLVSegmentAreaPV(seg *LVSegment, i int, pv *PV, pe uint64, status Status) error {
	areas := selectAreaSlice(seg, status)
	if i < 0 || i >= len(areas) {
		return fmt.Errorf("segment area index %d out of range: %w", i, ErrInvalidSegment)
	}

	areaLen := seg.AreaLen()
	pvSeg, err := allocatePVRange(pv, pe, areaLen, seg, i, status.Has(StatusRaidMeta))
	if err != nil {
		return err
	}

	areas[i] = Area{Kind: AreaPV, PVSeg: pvSeg, PEOffset: pe}

	return nil
}

// SetLVSegmentAreaLV sets area i of seg to reference a sub-LV, establishing
// the back-reference in target.SegsUsingThisLV (spec §4.1
// set_lv_segment_area_lv).
func SetLVSegmentAreaLV(seg *LVSegment, i int, target *LV, le uint64, status Status) error {
	areas := selectAreaSlice(seg, status)
	if i < 0 || i >= len(areas) {
		return fmt.Errorf("segment area index %d out of range: %w", i, ErrInvalidSegment)
	}

	if areas[i].Kind == AreaLV && areas[i].LV != nil {
		removeSegsUsing(areas[i].LV, seg)
	}

	areas[i] = Area{Kind: AreaLV, LV: target, LEOffset: le, LVStatus: status}
	addSegsUsing(target, seg)

	return nil
}

// ReleaseLVSegmentArea releases the last `reduction` extents of area i of
// seg, merging the freed PV segments with adjacent free neighbours, or
// detaching the sub-LV back-reference (spec §4.1
// release_lv_segment_area).
func ReleaseLVSegmentArea(seg *LVSegment, i int, reduction uint64, status Status) error {
	areas := selectAreaSlice(seg, status)
	if i < 0 || i >= len(areas) {
		return fmt.Errorf("segment area index %d out of range: %w", i, ErrInvalidSegment)
	}

	a := &areas[i]
	switch a.Kind {
	case AreaPV:
		areaLen := a.PVSeg.Len
		start := a.PVSeg.PEStart
		if reduction < areaLen {
			start += areaLen - reduction
		}

		freePVRange(a.PVSeg.PV, start, reduction)
		if reduction >= areaLen {
			*a = Area{Kind: AreaUnassigned}
		}
	case AreaLV:
		removeSegsUsing(a.LV, seg)
		*a = Area{Kind: AreaUnassigned}
	}

	return nil
}

// MoveLVSegmentArea performs a transactional move of one area's assignment
// to another slot, preserving invariants (spec §4.1 move_lv_segment_area).
func MoveLVSegmentArea(dst *LVSegment, dstI int, src *LVSegment, srcI int) error {
	if dstI < 0 || dstI >= len(dst.Areas) || srcI < 0 || srcI >= len(src.Areas) {
		return fmt.Errorf("move area: index out of range: %w", ErrInvalidSegment)
	}

	moved := src.Areas[srcI]

	switch moved.Kind {
	case AreaPV:
		moved.PVSeg.LVSeg = dst
		moved.PVSeg.LVArea = dstI
	case AreaLV:
		removeSegsUsing(moved.LV, src)
		addSegsUsing(moved.LV, dst)
	}

	dst.Areas[dstI] = moved
	src.Areas[srcI] = Area{Kind: AreaUnassigned}

	return nil
}

// LVSplitSegment ensures a segment boundary exists at le, cloning and
// splitting type-specific state. Splitting is stripe-aware: area lengths
// are split by stripe-count so each resulting segment's area_len still
// divides evenly (spec §4.1 lv_split_segment).
func LVSplitSegment(lv *LV, le uint64) error {
	if le == 0 || le >= lv.LECount {
		return nil
	}

	for idx, seg := range lv.Segments {
		if le <= seg.LE || le >= seg.LE+seg.Len {
			continue
		}

		splitLen := le - seg.LE
		tail := cloneSegmentShape(seg)
		tail.LE = le
		tail.Len = seg.Len - splitLen

		splitAreas(seg, tail, splitLen)

		seg.Len = splitLen

		rest := make([]*LVSegment, 0, len(lv.Segments)+1)
		rest = append(rest, lv.Segments[:idx+1]...)
		rest = append(rest, tail)
		rest = append(rest, lv.Segments[idx+1:]...)
		lv.Segments = rest

		return nil
	}

	return nil
}

func cloneSegmentShape(seg *LVSegment) *LVSegment {
	clone := &LVSegment{
		LV:            seg.LV,
		Type:          seg.Type,
		StripeSize:    seg.StripeSize,
		ChunkSize:     seg.ChunkSize,
		RegionSize:    seg.RegionSize,
		AreaCount:     seg.AreaCount,
		Areas:         make([]Area, seg.AreaCount),
		PoolLV:        seg.PoolLV,
		MetadataLV:    seg.MetadataLV,
		TransactionID: seg.TransactionID,
		LogLV:         seg.LogLV,
		Origin:        seg.Origin,
		Cow:           seg.Cow,
		MergeLV:       seg.MergeLV,
	}

	if seg.Type.IsRaid() {
		clone.MetaAreas = make([]Area, seg.AreaCount)
	}

	if clone.LogLV != nil {
		addSegsUsing(clone.LogLV, clone)
	}

	if clone.PoolLV != nil {
		addSegsUsing(clone.PoolLV, clone)
	}

	return clone
}

// splitAreas divides each area of seg between seg (first splitLen extents
// worth) and tail (the remainder), stripe-aware: for striped segments the
// split point in each area is splitLen/area_count.
func splitAreas(seg, tail *LVSegment, splitLen uint64) {
	perAreaSplit := splitLen
	if seg.Type == SegStriped && seg.AreaCount > 0 {
		perAreaSplit = splitLen / uint64(seg.AreaCount)
	}

	for i := range seg.Areas {
		a := seg.Areas[i]
		switch a.Kind {
		case AreaPV:
			tailPE := a.PEOffset + perAreaSplit
			tailSeg, err := allocatePVRangeNoop(a.PVSeg, tailPE)
			if err == nil {
				tailSeg.LVSeg = tail
				tailSeg.LVArea = i
				tail.Areas[i] = Area{Kind: AreaPV, PVSeg: tailSeg, PEOffset: tailPE}
			}
		case AreaLV:
			tail.Areas[i] = Area{Kind: AreaLV, LV: a.LV, LEOffset: a.LEOffset + perAreaSplit, LVStatus: a.LVStatus}
			addSegsUsing(a.LV, tail)
		}
	}

	for i := range seg.MetaAreas {
		tail.MetaAreas[i] = seg.MetaAreas[i]
		if tail.MetaAreas[i].Kind == AreaLV {
			addSegsUsing(tail.MetaAreas[i].LV, tail)
		}
	}
}

// allocatePVRangeNoop splits an existing allocated PV segment at pe,
// returning the tail half, without changing allocation state (the range is
// already allocated to the same LV segment; splitAreas re-points
// LVSeg/LVArea on the returned tail at the new tail segment).
func allocatePVRangeNoop(pvSeg *PVSegment, pe uint64) (*PVSegment, error) {
	pv := pvSeg.PV
	idx := splitPVSegmentAt(pv, pe)
	if idx >= len(pv.Segments) {
		return nil, fmt.Errorf("split point %d out of range", pe)
	}

	return pv.Segments[idx], nil
}

// LVMergeSegments scans lv for adjacent segments of identical type and
// collapses them where the segtype allows: striped only, and only when
// every area is a PV area on matching PVs at matching offsets (spec §4.1
// lv_merge_segments).
func LVMergeSegments(lv *LV) {
	for {
		merged := false

		for i := 0; i+1 < len(lv.Segments); i++ {
			a, b := lv.Segments[i], lv.Segments[i+1]
			if mergeablePair(a, b) {
				a.Len += b.Len
				for k := range a.Areas {
					pv := a.Areas[k].PVSeg.PV
					a.Areas[k].PVSeg.Len += b.Areas[k].PVSeg.Len

					for j, s := range pv.Segments {
						if s == b.Areas[k].PVSeg {
							pv.Segments = append(pv.Segments[:j], pv.Segments[j+1:]...)
							break
						}
					}
				}

				lv.Segments = append(lv.Segments[:i+1], lv.Segments[i+2:]...)
				merged = true

				break
			}
		}

		if !merged {
			return
		}
	}
}

func mergeablePair(a, b *LVSegment) bool {
	if a.Type != SegStriped || b.Type != SegStriped {
		return false
	}

	if a.AreaCount != b.AreaCount || a.LE+a.Len != b.LE {
		return false
	}

	for i := range a.Areas {
		if a.Areas[i].Kind != AreaPV || b.Areas[i].Kind != AreaPV {
			return false
		}

		if a.Areas[i].PVSeg.PV != b.Areas[i].PVSeg.PV {
			return false
		}

		if a.Areas[i].PVSeg.PEStart+a.Areas[i].PVSeg.Len != b.Areas[i].PVSeg.PEStart {
			return false
		}
	}

	return true
}
