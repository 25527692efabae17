// Package lvops implements the LV-level mutating operations (spec §4.3):
// extend, reduce, rename, remove, and layer insertion. It composes
// internal/metadata (the graph) with internal/alloc (extent placement).
package lvops

import (
	"fmt"

	"github.com/lvmcore/lvmcore/internal/alloc"
	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/logger"
	"github.com/lvmcore/lvmcore/internal/metadata"
	"github.com/lvmcore/lvmcore/lxd/revert"
)

// ExtendParams bundles the arguments to lv_extend (spec §4.3).
type ExtendParams struct {
	SegType       metadata.SegType
	Stripes       int
	StripeSize    uint64
	Mirrors       int
	RegionSize    uint64
	Extents       uint64
	AllocatablePVs []*metadata.PV
	Policy        metadata.AllocPolicy
	Settings      coreconfig.Settings

	// ThinPoolName, when set, routes the request through thin-pool
	// scaffolding instead of an ordinary data allocation.
	ThinPoolName string
}

func isVirtual(t metadata.SegType) bool {
	return t == metadata.SegZero || t == metadata.SegError
}

// requestedAreaCount mirrors alloc.Allocate's own area_count normalization
// (0, for an unstriped single-mirror request, means a single area) so the
// compatibility check below compares like with like.
func requestedAreaCount(p ExtendParams) int {
	if n := alloc.AreaCount(p.Stripes, p.Mirrors); n > 0 {
		return n
	}

	return 1
}

// Extend grows lv by params.Extents logical extents (spec §4.3 lv_extend).
//
// Virtual segment types (error/zero) never touch the allocator: they either
// merge into the trailing segment of the same type or append a fresh one.
// Real segment types ask internal/alloc for placements and grow the MD
// region size (bounded doubling) if the bitmap would otherwise overflow.
func Extend(vg *metadata.VG, lv *metadata.LV, p ExtendParams) error {
	if p.Extents == 0 {
		return ErrZeroExtents
	}

	if lv.Status.Has(metadata.StatusLocked) {
		return fmt.Errorf("lv %q: %w", lv.Name, ErrLocked)
	}

	if lv.Status.Has(metadata.StatusSnapshot) && len(lv.Segments) > 0 {
		return fmt.Errorf("lv %q: %w", lv.Name, metadata.ErrOneSegmentOnly)
	}

	if isVirtual(p.SegType) {
		return extendVirtual(lv, p)
	}

	if p.ThinPoolName != "" {
		return extendThinPool(vg, lv, p)
	}

	return extendReal(vg, lv, p)
}

// extendVirtual implements lv_add_virtual_segment: merge into the trailing
// segment if its type matches, else append a new one.
func extendVirtual(lv *metadata.LV, p ExtendParams) error {
	if n := len(lv.Segments); n > 0 {
		last := lv.Segments[n-1]
		if last.Type == p.SegType {
			last.Len += p.Extents
			lv.LECount += p.Extents

			return nil
		}
	}

	_, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type: p.SegType,
		LE:   lv.LECount,
		Len:  p.Extents,
	})

	return err
}

// extendReal places the new extents via internal/alloc, auto-doubling the
// region size whenever the MD bitmap (capped at
// coreconfig.DefaultRaidMaxRegions) would otherwise be exceeded, then wires
// the returned placements into a freshly allocated segment.
func extendReal(vg *metadata.VG, lv *metadata.LV, p ExtendParams) error {
	if n := len(lv.Segments); n > 0 {
		last := lv.Segments[n-1]
		if wantAreas := requestedAreaCount(p); last.Type == p.SegType && last.AreaCount != wantAreas {
			return fmt.Errorf("lv %q: existing segment has %d areas, requested %d: %w",
				lv.Name, last.AreaCount, wantAreas, alloc.ErrIncompatibleStripesOnExtend)
		}
	}

	regionSize := p.RegionSize
	if regionSize == 0 && (p.Mirrors > 1 || p.SegType.IsRaid()) {
		regionSize = vg.ExtentSize // one extent's worth of sectors, by default
	}

	for regionSize > 0 && p.Extents*vg.ExtentSize/regionSize > coreconfig.DefaultRaidMaxRegions {
		regionSize *= 2
	}

	logCount := 0
	if p.Mirrors > 1 && p.SegType == metadata.SegMirror {
		logCount = 1
	}

	res, err := alloc.Allocate(alloc.Request{
		VG:                vg,
		LV:                lv,
		SegType:           p.SegType,
		Stripes:           p.Stripes,
		Mirrors:           p.Mirrors,
		LogCount:          logCount,
		RegionSize:        regionSize,
		Extents:           p.Extents,
		AllocatablePVs:    p.AllocatablePVs,
		Policy:            p.Policy,
		Settings:          p.Settings,
		AllocAndSplitMeta: p.SegType.IsRaid(),
	})
	if err != nil {
		return err
	}

	areaCount := len(res.DataAreas)

	// A striped segment's length spans all of its areas; other types keep
	// area_len == len.
	segLen := res.AreaLen
	if p.SegType == metadata.SegStriped {
		segLen *= uint64(areaCount)
	}

	seg, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type:       p.SegType,
		LE:         lv.LECount,
		Len:        segLen,
		StripeSize: p.StripeSize,
		RegionSize: regionSize,
		AreaCount:  areaCount,
	})
	if err != nil {
		return err
	}

	for i, a := range res.DataAreas {
		if a.PV == nil {
			continue
		}

		if err := metadata.SetLVSegmentAreaPV(seg, i, a.PV, a.PEStart, 0); err != nil {
			return err
		}
	}

	if p.SegType.IsRaid() {
		for i, a := range res.MetaAreas {
			if a.PV == nil {
				continue
			}

			if err := metadata.SetLVSegmentAreaPV(seg, i, a.PV, a.PEStart, metadata.StatusRaidMeta); err != nil {
				return err
			}
		}
	}

	if res.LogArea != nil {
		logLV, err := vg.AddLV(lv.Name+"_mlog", metadata.PolicyNormal)
		if err != nil {
			return err
		}

		logSeg, err := metadata.AllocLVSegment(logLV, metadata.AllocLVSegmentParams{
			Type: metadata.SegStriped, LE: 0, Len: res.LogArea.Len, AreaCount: 1,
		})
		if err != nil {
			return err
		}

		if err := metadata.SetLVSegmentAreaPV(logSeg, 0, res.LogArea.PV, res.LogArea.PEStart, 0); err != nil {
			return err
		}

		seg.LogLV = logLV
		logger.Debug("allocated mirror log", logger.Ctx{"lv": lv.Name, "log_lv": logLV.Name, "extents": res.LogArea.Len})
	}

	logger.Info("extended lv", logger.Ctx{"lv": lv.Name, "extents": p.Extents, "areas": areaCount, "region_size": regionSize})

	return nil
}

// extendThinPool delegates pool creation to the thin-pool's own metadata
// sub-LV scaffolding: a data sub-LV and a metadata sub-LV are both
// allocated, then linked under a thin-pool segment on lv (spec §4.3
// "create_pool"). The two sub-LV allocations are not atomic with each
// other, so a failure partway through (e.g. the metadata allocation running
// out of free space after the data allocation already succeeded) unwinds
// via revert rather than leaving an orphaned, unreferenced sub-LV in vg.
func extendThinPool(vg *metadata.VG, lv *metadata.LV, p ExtendParams) error {
	rev := revert.New()
	defer rev.Fail()

	dataLV, err := vg.AddLV(p.ThinPoolName+"_tdata", metadata.PolicyNormal)
	if err != nil {
		return err
	}

	rev.Add(func() { _ = vg.RemoveLV(dataLV) })

	if err := extendReal(vg, dataLV, p); err != nil {
		return err
	}

	metaParams := p
	metaParams.Extents = thinPoolMetadataExtents(p.Extents, vg.ExtentSize)
	metaParams.SegType = metadata.SegStriped
	metaParams.Stripes = 1

	metaLV, err := vg.AddLV(p.ThinPoolName+"_tmeta", metadata.PolicyNormal)
	if err != nil {
		return err
	}

	rev.Add(func() { _ = vg.RemoveLV(metaLV) })

	if err := extendReal(vg, metaLV, metaParams); err != nil {
		return err
	}

	seg, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type:       metadata.SegThinPool,
		LE:         lv.LECount,
		Len:        p.Extents,
		AreaCount:  1,
		ThinPoolLV: dataLV,
	})
	if err != nil {
		return err
	}

	seg.MetadataLV = metaLV
	metadata.LinkSubLV(metaLV, seg)

	logger.Info("created thin pool", logger.Ctx{"pool": lv.Name, "data_lv": dataLV.Name, "meta_lv": metaLV.Name})

	rev.Success()

	return nil
}

// thinPoolMetadataExtents caps the metadata sub-LV at
// DM_THIN_MAX_METADATA_SIZE (16 GiB, spec §6 "Limits"), scaling
// pessimistically at roughly 0.1% of pool data size.
func thinPoolMetadataExtents(dataExtents, extentSize uint64) uint64 {
	const maxMetadataSectors = 16 << 21 // 16 GiB in 512B sectors

	metaSectors := metadata.DivUp(dataExtents*extentSize, 1000)
	if metaSectors > maxMetadataSectors {
		metaSectors = maxMetadataSectors
	}

	return metadata.DivUp(metaSectors, extentSize)
}
