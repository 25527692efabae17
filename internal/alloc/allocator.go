// Package alloc implements the constraint-satisfaction extent allocator
// (spec §4.2): policy-driven placement of new LV segment areas onto PV
// extents.
package alloc

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/logger"
	"github.com/lvmcore/lvmcore/internal/metadata"
)

// Request bundles the inputs to allocate_extents (spec §4.2).
type Request struct {
	VG             *metadata.VG
	LV             *metadata.LV
	SegType        metadata.SegType
	Stripes        int
	Mirrors        int
	LogCount       int
	RegionSize     uint64
	Extents        uint64
	AllocatablePVs []*metadata.PV
	Policy         metadata.AllocPolicy
	ParallelAreas  [][]*metadata.PV // per-LE list of PV sets to avoid
	TagRules       []coreconfig.TagRule
	Settings       coreconfig.Settings

	// AllocAndSplitMeta requests a single co-located allocation of
	// data_len+log_len per area, split into a data area and a metadata
	// area of log_len extents (spec §4.2, RAID creation).
	AllocAndSplitMeta bool
}

// AreaPlacement is one assigned (PV, extent-range) pair.
type AreaPlacement struct {
	PV      *metadata.PV
	PEStart uint64
	Len     uint64
}

// Result is the set of extent placements chosen by the allocator, ready to
// be written into LV segment areas by the caller (internal/lvops).
type Result struct {
	DataAreas []AreaPlacement
	MetaAreas []AreaPlacement // RAID metadata areas, parallel to DataAreas
	LogArea   *AreaPlacement  // mirror log, if requested
	AreaLen   uint64          // per-area extent length actually placed
}

var policyLadder = []metadata.AllocPolicy{
	metadata.PolicyContiguous,
	metadata.PolicyCling,
	metadata.PolicyClingByTags,
	metadata.PolicyNormal,
	metadata.PolicyAnywhere,
}

// Allocate runs the policy ladder up to req.Policy and returns the chosen
// extent placements (spec §4.2).
func Allocate(req Request) (*Result, error) {
	policy := req.Policy
	if policy == metadata.PolicyInherit {
		policy = req.VG.DefaultPolicy
	}

	areaCount := AreaCount(req.Stripes, req.Mirrors)
	if areaCount == 0 {
		areaCount = 1 // virtual / single-area segment
	}

	if req.Stripes > 0 && req.Stripes > countUsablePVs(req.AllocatablePVs) {
		return nil, fmt.Errorf("%d stripes over %d pvs: %w", req.Stripes, len(req.AllocatablePVs), ErrNumberOfStripesExceedsPVs)
	}

	parityCount := ParityCount(req.SegType, areaCount)
	areaMultiple := AreaMultiple(req.SegType, areaCount, req.Stripes)
	if areaMultiple == 0 {
		areaMultiple = 1
	}

	logLen := uint64(0)
	if req.LogCount > 0 {
		dataAreaLen := metadata.DivUp(req.Extents, areaMultiple)
		logLen = MirrorLogExtents(req.RegionSize, req.VG.ExtentSize, dataAreaLen)
	}

	metaAreaCount := 0
	if req.AllocAndSplitMeta {
		metaAreaCount = areaCount
	}

	if err := precheckSpace(req, areaCount, parityCount, areaMultiple, logLen, metaAreaCount); err != nil {
		return nil, err
	}

	maxPolicyIdx := ladderIndex(policy)

	placed := newPlacementState(areaCount)

	var lastErr error

	for idx := 0; idx <= maxPolicyIdx; idx++ {
		p := policyLadder[idx]
		if p == metadata.PolicyClingByTags && len(req.TagRules) == 0 {
			continue // skipped when no cling_tag_list configured (spec §4.2)
		}

		logger.Debug("trying allocation policy", logger.Ctx{"policy": p.String(), "extents": req.Extents, "areas": areaCount})

		ok, err := runPolicyIteration(req, p, areaCount, areaMultiple, logLen, placed)
		if err != nil {
			lastErr = err
		}

		if ok {
			return buildResult(req, placed, areaMultiple, areaCount), nil
		}

		if req.Settings.MaximiseCling && p == metadata.PolicyNormal && !placed.fullyFilled(areaCount) {
			// spec §9 open question: retried exactly once, result kept
			// even on repeated failure.
			logger.Debug("maximise_cling retry", logger.Ctx{"lv": req.LV})
			placed.markClingToAlloced()
			if ok, err := runPolicyIteration(req, p, areaCount, areaMultiple, logLen, placed); ok {
				return buildResult(req, placed, areaMultiple, areaCount), nil
			} else if err != nil {
				lastErr = err
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, fmt.Errorf("policy %s: %w", policy, ErrPolicyUnsatisfiable)
}

func ladderIndex(policy metadata.AllocPolicy) int {
	for i, p := range policyLadder {
		if p == policy {
			return i
		}
	}

	return len(policyLadder) - 1
}

func countUsablePVs(pvs []*metadata.PV) int {
	n := 0
	for _, pv := range pvs {
		if pv.FreeExtents() > 0 {
			n++
		}
	}

	return n
}

// buildResult flattens a placementState into the caller-facing Result once
// a policy iteration has reported success.
func buildResult(req Request, placed *placementState, areaMultiple uint64, areaCount int) *Result {
	res := &Result{
		DataAreas: make([]AreaPlacement, areaCount),
		AreaLen:   metadata.DivUp(req.Extents, areaMultiple),
	}

	for i := 0; i < areaCount; i++ {
		if placed.slots[i] != nil {
			res.DataAreas[i] = *placed.slots[i]
		}
	}

	if req.AllocAndSplitMeta {
		res.MetaAreas = make([]AreaPlacement, areaCount)
		for i := 0; i < areaCount; i++ {
			if placed.metaSlots[i] != nil {
				res.MetaAreas[i] = *placed.metaSlots[i]
			}
		}
	}

	if placed.log != nil {
		logCopy := *placed.log
		res.LogArea = &logCopy
	}

	return res
}

// precheckSpace implements the sufficient-space precheck (spec §4.2):
// total_extents_needed = (still_needed*(area_count+parity_count))/area_multiple
//   + metadata_area_count*RAID_METADATA_AREA_LEN + log_len
func precheckSpace(req Request, areaCount, parityCount int, areaMultiple, logLen uint64, metaAreaCount int) error {
	const raidMetadataAreaLen = 1

	totalFree := uint64(0)
	for _, pv := range req.AllocatablePVs {
		totalFree += pv.FreeExtents()
	}

	needed := metadata.DivUp(req.Extents*uint64(areaCount+parityCount), areaMultiple)
	needed += uint64(metaAreaCount) * raidMetadataAreaLen
	needed += logLen

	if needed > totalFree {
		return fmt.Errorf("need %d extents, have %d free: %w", needed, totalFree, ErrInsufficientFreeSpace)
	}

	return nil
}
