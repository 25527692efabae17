package alloc

import (
	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/metadata"
)

// BYTE_SHIFT, SECTOR_SHIFT and MIRROR_LOG_OFFSET are lifted from the
// upstream kernel dm-log header layout (SPEC_FULL expansion 3.1).
const (
	byteShift              = 3
	sectorShift            = 9
	mirrorLogOffsetSectors = 2
)

// MirrorLogExtents implements the kernel's on-disk mirror log sizing
// formula exactly (SPEC_FULL expansion 3.1, spec §4.2): header + bitset
// rounded to sectors then to extents, with a floor of one region's worth
// of extents.
func MirrorLogExtents(regionSize, peSize, areaLen uint64) uint64 {
	if peSize == 0 || regionSize == 0 {
		return 0
	}

	areaSize := areaLen * peSize
	regionCount := metadata.DivUp(areaSize, regionSize)

	// bitset_size = round_up(region_count, 32 bits) / 8, in bytes.
	bitsetSize := metadata.RoundUp(regionCount, 32) >> byteShift

	logSizeSectors := metadata.RoundUp((mirrorLogOffsetSectors<<sectorShift)+bitsetSize, 1<<sectorShift)
	logSizeSectors >>= sectorShift

	logSizeExtents := metadata.DivUp(logSizeSectors, peSize)

	oneRegionExtents := regionSize / peSize
	if logSizeExtents > oneRegionExtents {
		return logSizeExtents
	}

	return oneRegionExtents
}

// AreaMultiple returns the divisor used to convert a total requested
// extent count into a per-area extent count (spec §4.2 "area_multiple").
func AreaMultiple(segtype metadata.SegType, areaCount, stripes int) uint64 {
	switch {
	case segtype == metadata.SegRaid4, segtype == metadata.SegRaid5:
		return uint64(areaCount - segtype.ParityDevs())
	case segtype == metadata.SegRaid6:
		return uint64(areaCount - segtype.ParityDevs())
	case segtype == metadata.SegRaid10:
		if stripes > 0 {
			return uint64(stripes)
		}

		return uint64(areaCount / 2)
	case segtype == metadata.SegMirror || segtype.IsRaid():
		return 1
	case areaCount > 0:
		return uint64(areaCount)
	default:
		return 1
	}
}

// AreaCount returns area_count = mirrors*stripes for mirrors > 1, else
// stripes, else 0 for virtual segments (spec §4.2).
func AreaCount(stripes, mirrors int) int {
	if mirrors > 1 {
		return mirrors * stripes
	}

	if stripes > 0 {
		return stripes
	}

	return 0
}

// ParityCount returns segtype.parity_devs iff area_count > parity_devs
// (full-array create), else 0 (replacement path) (spec §4.2).
func ParityCount(segtype metadata.SegType, areaCount int) int {
	pd := segtype.ParityDevs()
	if areaCount > pd {
		return pd
	}

	return 0
}

// TagRuleMatches implements the CLING_BY_TAGS tag rule (spec §4.2): for a
// literal "@TAG" rule both PVs must carry TAG; the wildcard "@*" rule
// matches if the two PVs share any tag.
func TagRuleMatches(rule coreconfig.TagRule, a, b *metadata.PV) bool {
	if rule.Wildcard {
		for tag := range a.Tags {
			if b.HasTag(tag) {
				return true
			}
		}

		return false
	}

	return a.HasTag(rule.Tag) && b.HasTag(rule.Tag)
}
