package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// AddPV creates a new PV with a single free PV segment covering
// [0, peCount), and attaches it to the VG (spec §3: "PV segments are
// maintained as a total cover of [0, pe_count) with no gaps or overlap").
func (vg *VG) AddPV(name string, id uuid.UUID, peCount, peStart uint64) (*PV, error) {
	if _, exists := vg.pvByName[name]; exists {
		return nil, fmt.Errorf("pv %q: %w", name, ErrNameExists)
	}

	pv := &PV{
		UUID:    id,
		Name:    name,
		PECount: peCount,
		PEStart: peStart,
		Tags:    make(map[string]bool),
	}

	if peCount > 0 {
		pv.Segments = []*PVSegment{{PV: pv, PEStart: 0, Len: peCount}}
	}

	vg.PVs = append(vg.PVs, pv)
	vg.pvByName[name] = pv

	return pv, nil
}

// findSegIndex returns the index of the PV segment that contains pe, or -1.
func findSegIndex(segs []*PVSegment, pe uint64) int {
	for i, s := range segs {
		if pe >= s.PEStart && pe < s.PEStart+s.Len {
			return i
		}
	}

	return -1
}

// splitPVSegmentAt ensures a PV segment boundary exists at pe, splitting
// the containing segment into two if pe falls strictly inside it. Returns
// the index of the segment that now starts at pe (or len(segs) if pe is
// the cover's end).
func splitPVSegmentAt(pv *PV, pe uint64) int {
	if pe == 0 {
		return 0
	}

	for i, s := range pv.Segments {
		if pe == s.PEStart {
			return i
		}

		if pe > s.PEStart && pe < s.PEStart+s.Len {
			tail := &PVSegment{
				PV:      pv,
				PEStart: pe,
				Len:     s.PEStart + s.Len - pe,
				LVSeg:   s.LVSeg,
				LVArea:  s.LVArea,
				IsMeta:  s.IsMeta,
			}
			s.Len = pe - s.PEStart

			rest := make([]*PVSegment, 0, len(pv.Segments)+1)
			rest = append(rest, pv.Segments[:i+1]...)
			rest = append(rest, tail)
			rest = append(rest, pv.Segments[i+1:]...)
			pv.Segments = rest

			return i + 1
		}
	}

	return len(pv.Segments)
}

// allocatePVRange marks [pe, pe+length) as allocated to the given LV
// segment/area, splitting PV segments at the range boundaries as needed.
func allocatePVRange(pv *PV, pe, length uint64, lvseg *LVSegment, area int, isMeta bool) (*PVSegment, error) {
	start := splitPVSegmentAt(pv, pe)
	_ = splitPVSegmentAt(pv, pe+length)

	// Re-resolve start, since the second split may have shifted indices
	// of segments after it but not before.
	start = findSegIndex(pv.Segments, pe)
	if start < 0 {
		return nil, fmt.Errorf("pv %q: range [%d,%d) out of bounds", pv.Name, pe, pe+length)
	}

	var total uint64
	var first *PVSegment

	for i := start; i < len(pv.Segments) && total < length; i++ {
		s := pv.Segments[i]
		if !s.Free() {
			return nil, fmt.Errorf("pv %q: extent %d already allocated", pv.Name, s.PEStart)
		}

		s.LVSeg = lvseg
		s.LVArea = area
		s.IsMeta = isMeta
		total += s.Len

		if first == nil {
			first = s
		}
	}

	if total != length {
		return nil, fmt.Errorf("pv %q: could not allocate %d extents at %d", pv.Name, length, pe)
	}

	return first, nil
}

// freePVRange releases reduction extents starting at pe on pv, merging the
// freed run with adjacent free neighbours (spec §4.1
// release_lv_segment_area).
func freePVRange(pv *PV, pe, reduction uint64) {
	splitPVSegmentAt(pv, pe)
	splitPVSegmentAt(pv, pe+reduction)

	for _, s := range pv.Segments {
		if s.PEStart >= pe && s.PEStart < pe+reduction {
			s.LVSeg = nil
			s.LVArea = 0
			s.IsMeta = false
		}
	}

	mergeFreePVSegments(pv)
}

// mergeFreePVSegments coalesces adjacent free PV segments.
func mergeFreePVSegments(pv *PV) {
	if len(pv.Segments) == 0 {
		return
	}

	merged := make([]*PVSegment, 0, len(pv.Segments))
	merged = append(merged, pv.Segments[0])

	for _, s := range pv.Segments[1:] {
		last := merged[len(merged)-1]
		if last.Free() && s.Free() {
			last.Len += s.Len
			continue
		}

		merged = append(merged, s)
	}

	pv.Segments = merged
}
