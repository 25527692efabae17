package alloc

import (
	"sort"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// placementState accumulates extents chosen across policy-ladder
// iterations; extents already placed by a stricter policy are preserved
// when a looser policy runs (spec §4.2 "Policy ladder").
type placementState struct {
	slots          []*AreaPlacement // per data-area slot, nil if unfilled
	metaSlots      []*AreaPlacement
	log            *AreaPlacement
	clingToAlloced bool
}

func newPlacementState(areaCount int) *placementState {
	return &placementState{
		slots:     make([]*AreaPlacement, areaCount),
		metaSlots: make([]*AreaPlacement, areaCount),
	}
}

func (s *placementState) fullyFilled(areaCount int) bool {
	for i := 0; i < areaCount; i++ {
		if s.slots[i] == nil {
			return false
		}
	}

	return true
}

func (s *placementState) markClingToAlloced() { s.clingToAlloced = true }

func (s *placementState) usedPVs() map[*metadata.PV]bool {
	used := map[*metadata.PV]bool{}
	for _, p := range s.slots {
		if p != nil {
			used[p.PV] = true
		}
	}

	if s.log != nil {
		used[s.log.PV] = true
	}

	return used
}

// candidate is one PV's largest free run, considered for one allocation
// iteration.
type candidate struct {
	pv    *metadata.PV
	seg   *metadata.PVSegment
	class int // 0 = PREFERRED, 1 = USE_AREA, 2 = rejected
	slot  int // preferred slot index, valid when class == 0
}

// runPolicyIteration implements one pass of the selection procedure (spec
// §4.2 steps 1-7) for a single policy. It fills as many unfilled slots in
// placed as the policy and available space allow, and reports whether the
// request is now fully satisfied.
func runPolicyIteration(req Request, policy metadata.AllocPolicy, areaCount int, areaMultiple, logLen uint64, placed *placementState) (bool, error) {
	needPerArea := metadata.DivUp(req.Extents, areaMultiple)
	if needPerArea == 0 {
		needPerArea = req.Extents
	}

	// Step 1: restore unreserved — handled implicitly, we always look at
	// live PV free-space state (no separate reservation bookkeeping beyond
	// the placements already committed to previous policies).
	candidates := classifyCandidates(req, policy, areaCount, placed)

	// Step 2/4: split into preferred (direct slot assignment) and generic,
	// sort generic by size descending.
	var generic []candidate
	for _, c := range candidates {
		if c.class == 0 && placed.slots[c.slot] == nil {
			placed.slots[c.slot] = &AreaPlacement{PV: c.pv, PEStart: c.seg.PEStart, Len: min64(c.seg.Len, needPerArea)}
		} else if c.class == 1 {
			generic = append(generic, c)
		}
	}

	sort.SliceStable(generic, func(i, j int) bool {
		return generic[i].seg.Len > generic[j].seg.Len
	})

	gi := 0
	for slot := 0; slot < areaCount; slot++ {
		if placed.slots[slot] != nil {
			continue
		}

		for gi < len(generic) {
			c := generic[gi]
			gi++

			if candidateOverlapsUsed(c.pv, placed) {
				continue
			}

			placed.slots[slot] = &AreaPlacement{PV: c.pv, PEStart: c.seg.PEStart, Len: min64(c.seg.Len, needPerArea)}

			break
		}
	}

	// Step 5: place log on smallest surviving area that still fits it.
	if req.LogCount > 0 && placed.log == nil {
		placeLog(req, generic, gi, logLen, placed)
	}

	satisfied := placed.fullyFilled(areaCount) && (req.LogCount == 0 || placed.log != nil)

	if req.AllocAndSplitMeta && satisfied {
		placeMetaAreas(placed, areaCount)
	}

	return satisfied, nil
}

func placeLog(req Request, generic []candidate, start int, logLen uint64, placed *placementState) {
	best := -1
	var bestLen uint64

	for i := start; i < len(generic); i++ {
		c := generic[i]
		if candidateOverlapsUsed(c.pv, placed) {
			continue
		}

		if c.seg.Len < logLen {
			continue
		}

		if best == -1 || c.seg.Len < bestLen {
			best = i
			bestLen = c.seg.Len
		}
	}

	if best >= 0 {
		c := generic[best]
		placed.log = &AreaPlacement{PV: c.pv, PEStart: c.seg.PEStart, Len: logLen}
	}
}

// placeMetaAreas derives the metadata area placement for RAID creation by
// carving log_len extents off the tail of each data area that was
// co-allocated with room for it (spec §4.2 alloc_and_split_meta).
func placeMetaAreas(placed *placementState, areaCount int) {
	for i := 0; i < areaCount; i++ {
		if placed.slots[i] == nil || placed.metaSlots[i] != nil {
			continue
		}

		d := placed.slots[i]
		if d.Len <= 1 {
			continue
		}

		metaLen := uint64(1)
		placed.metaSlots[i] = &AreaPlacement{PV: d.PV, PEStart: d.PEStart + d.Len - metaLen, Len: metaLen}
		d.Len -= metaLen
	}
}

func candidateOverlapsUsed(pv *metadata.PV, placed *placementState) bool {
	return placed.usedPVs()[pv]
}

// classifyCandidates walks every allocatable PV's largest free segment and
// classifies it against the policy (spec §4.2 step 2): PREFERRED, USE_AREA
// or rejected.
func classifyCandidates(req Request, policy metadata.AllocPolicy, areaCount int, placed *placementState) []candidate {
	var out []candidate

	parallel := flattenParallelAreas(req.ParallelAreas)

	for _, pv := range req.AllocatablePVs {
		seg := largestFreeSegment(pv)
		if seg == nil {
			continue
		}

		class, slot := classifyOne(req, policy, pv, seg, areaCount, placed, parallel)
		if class == 2 {
			continue
		}

		out = append(out, candidate{pv: pv, seg: seg, class: class, slot: slot})
	}

	return out
}

func largestFreeSegment(pv *metadata.PV) *metadata.PVSegment {
	var best *metadata.PVSegment
	for _, s := range pv.Segments {
		if s.Free() && (best == nil || s.Len > best.Len) {
			best = s
		}
	}

	return best
}

func flattenParallelAreas(pa [][]*metadata.PV) map[*metadata.PV]bool {
	used := map[*metadata.PV]bool{}
	for _, set := range pa {
		for _, pv := range set {
			used[pv] = true
		}
	}

	return used
}

// classifyOne returns (class, slot). class 0 = PREFERRED with slot valid;
// 1 = USE_AREA generic candidate; 2 = rejected (NEXT_PV/NEXT_AREA).
func classifyOne(req Request, policy metadata.AllocPolicy, pv *metadata.PV, seg *metadata.PVSegment, areaCount int, placed *placementState, parallel map[*metadata.PV]bool) (int, int) {
	switch policy {
	case metadata.PolicyContiguous:
		for slot, existing := range trailingSlotPVs(req.LV, areaCount) {
			if existing == pv && placed.slots[slot] == nil && contiguousWithPrevious(req.LV, slot, seg) {
				return 0, slot
			}
		}

		return 2, 0

	case metadata.PolicyCling:
		for slot, existing := range trailingSlotPVs(req.LV, areaCount) {
			if existing == pv && placed.slots[slot] == nil {
				return 0, slot
			}
		}

		if req.Settings.MaximiseCling && lvEverUsedPV(req.LV, pv) {
			return 1, 0
		}

		return 2, 0

	case metadata.PolicyClingByTags:
		for slot, existing := range trailingSlotPVs(req.LV, areaCount) {
			if existing == nil || placed.slots[slot] != nil {
				continue
			}

			for _, rule := range req.TagRules {
				if TagRuleMatches(rule, existing, pv) {
					return 0, slot
				}
			}
		}

		return 2, 0

	case metadata.PolicyNormal:
		if parallel[pv] {
			return 2, 0
		}

		if placed.log != nil && placed.log.PV == pv && req.Settings.MirrorLogsRequireSeparatePVs {
			return 2, 0
		}

		if placed.clingToAlloced && placed.usedPVs()[pv] {
			return 1, 0 // still eligible, just not preferred beyond generic sort
		}

		return 1, 0

	default: // ANYWHERE
		return 1, 0
	}
}

// trailingSlotPVs returns, for each data-area slot, the PV the LV's
// trailing (last) segment used in that slot — nil if there is no previous
// segment or it had fewer areas.
func trailingSlotPVs(lv *metadata.LV, areaCount int) []*metadata.PV {
	out := make([]*metadata.PV, areaCount)
	if lv == nil || len(lv.Segments) == 0 {
		return out
	}

	last := lv.Segments[len(lv.Segments)-1]
	for i := 0; i < areaCount && i < len(last.Areas); i++ {
		if last.Areas[i].Kind == metadata.AreaPV {
			out[i] = last.Areas[i].PVSeg.PV
		}
	}

	return out
}

// contiguousWithPrevious checks spec §4.2's literal CONTIGUOUS rule: the
// candidate free run's starting PE must equal the previous LV segment's
// ending PE in this slot. The caller has already confirmed the PV itself
// matches; a PV can have other, larger free runs elsewhere that are not
// adjacent to the prior allocation, so PV identity alone is not enough.
func contiguousWithPrevious(lv *metadata.LV, slot int, seg *metadata.PVSegment) bool {
	if lv == nil || len(lv.Segments) == 0 {
		return false
	}

	last := lv.Segments[len(lv.Segments)-1]
	if slot >= len(last.Areas) || last.Areas[slot].Kind != metadata.AreaPV {
		return false
	}

	prevEnd := last.Areas[slot].PVSeg.PEStart + last.Areas[slot].PVSeg.Len

	return seg.PEStart == prevEnd
}

func lvEverUsedPV(lv *metadata.LV, pv *metadata.PV) bool {
	if lv == nil {
		return false
	}

	for _, seg := range lv.Segments {
		for _, a := range seg.Areas {
			if a.Kind == metadata.AreaPV && a.PVSeg.PV == pv {
				return true
			}
		}
	}

	return false
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
