package devicemapper

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// DevRef identifies a kernel device by its dm-reported major:minor, as
// referenced from a target line's device field (spec §4.4 table lines).
type DevRef struct {
	Major, Minor uint32
}

func (d DevRef) String() string { return fmt.Sprintf("%d:%d", d.Major, d.Minor) }

// TargetLine is one line of a device-mapper table: "<start> <length>
// <target> <params>" (spec §4.4).
type TargetLine struct {
	SectorStart uint64
	Length      uint64
	Target      string
	Params      string
}

func (l TargetLine) String() string {
	return fmt.Sprintf("%d %d %s %s", l.SectorStart, l.Length, l.Target, l.Params)
}

// AreaDev resolves one LV segment area to the kernel device backing it,
// supplied by the caller (internal/lvops knows how to map a PV or sub-LV to
// its already-activated kernel device).
type AreaDev struct {
	Dev    DevRef
	Offset uint64 // sectors
}

// BuildTargetLine emits the table line for one LV segment, dispatching on
// segment type per spec §4.4.
func BuildTargetLine(seg *metadata.LVSegment, sectorStart uint64, areaDevs, metaDevs []AreaDev, opts LineOptions) (TargetLine, error) {
	length := seg.Len * opts.ExtentSectors

	switch seg.Type {
	case metadata.SegStriped:
		return TargetLine{sectorStart, length, "striped", stripedParams(seg, areaDevs)}, nil
	case metadata.SegMirror:
		return TargetLine{sectorStart, length, "mirror", mirrorParams(seg, areaDevs, opts.LogDev, opts)}, nil
	case metadata.SegRaid1, metadata.SegRaid4, metadata.SegRaid5, metadata.SegRaid6, metadata.SegRaid10:
		return TargetLine{sectorStart, length, seg.Type.String(), raidParams(seg, areaDevs, metaDevs)}, nil
	case metadata.SegSnapshot:
		return TargetLine{sectorStart, length, "snapshot", snapshotParams(areaDevs, opts)}, nil
	case metadata.SegSnapshotOrigin:
		return TargetLine{sectorStart, length, "snapshot-origin", areaDevs[0].Dev.String()}, nil
	case metadata.SegSnapshotMerge:
		return TargetLine{sectorStart, length, "snapshot-merge", snapshotParams(areaDevs, opts)}, nil
	case metadata.SegThinPool:
		return TargetLine{sectorStart, length, "thin-pool", thinPoolParams(seg, metaDevs, areaDevs, opts)}, nil
	case metadata.SegThin:
		return TargetLine{sectorStart, length, "thin", fmt.Sprintf("%s %d", areaDevs[0].Dev, seg.DeviceID)}, nil
	case metadata.SegCrypt:
		return TargetLine{sectorStart, length, "crypt", cryptParams(opts, areaDevs)}, nil
	case metadata.SegZero:
		return TargetLine{sectorStart, length, "zero", ""}, nil
	case metadata.SegError:
		return TargetLine{sectorStart, length, "error", ""}, nil
	case metadata.SegReplicator:
		return TargetLine{sectorStart, length, "replicator", replicatorParams(areaDevs, opts)}, nil
	case metadata.SegReplicatorDev:
		return TargetLine{sectorStart, length, "replicator-dev", replicatorParams(areaDevs, opts)}, nil
	default:
		return TargetLine{}, fmt.Errorf("devicemapper: no target line builder for segtype %s", seg.Type)
	}
}

// LineOptions carries the small amount of state needed across several
// target-line builders that isn't recoverable from the segment alone
// (kernel version for mirror error handling, crypt cipher string, replicator
// site modes, extent-to-sector conversion).
type LineOptions struct {
	ExtentSectors     uint64
	KernelAtLeast2622 bool
	Synced            bool
	CryptCipher       string
	CryptKey          string
	CryptIVOffset     uint64
	LowWaterMark      uint64
	SkipBlockZeroing  bool
	ReplicatorModes   []string // one per site, "sync" or "async"
	LogDev            *AreaDev
}

func stripedParams(seg *metadata.LVSegment, areas []AreaDev) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d %d", len(areas), seg.StripeSize)
	for _, a := range areas {
		fmt.Fprintf(&b, " %s %d", a.Dev, a.Offset)
	}

	return b.String()
}

func mirrorParams(seg *metadata.LVSegment, areas []AreaDev, logDev *AreaDev, opts LineOptions) string {
	var b strings.Builder

	logType := "core"
	if logDev != nil {
		logType = "disk"
	}

	syncWord := "nosync"
	if opts.Synced {
		syncWord = ""
	}

	errorMode := "block_on_error"
	if opts.KernelAtLeast2622 {
		errorMode = "handle_errors"
	}

	logParamCount := 1
	if logDev != nil {
		logParamCount = 2
	}

	fmt.Fprintf(&b, "%s %d", logType, logParamCount)

	if logDev != nil {
		fmt.Fprintf(&b, " %s", logDev.Dev)
	}

	fmt.Fprintf(&b, " %d", seg.RegionSize)

	extra := 0
	if syncWord != "" {
		extra++
	}

	extra++ // errorMode always present

	fmt.Fprintf(&b, " %d", extra)

	if syncWord != "" {
		fmt.Fprintf(&b, " %s", syncWord)
	}

	fmt.Fprintf(&b, " %s", errorMode)
	fmt.Fprintf(&b, " %d", len(areas))

	for _, a := range areas {
		fmt.Fprintf(&b, " %s %d", a.Dev, a.Offset)
	}

	return b.String()
}

func raidParams(seg *metadata.LVSegment, areas, metaAreas []AreaDev) string {
	var b strings.Builder

	var paramCount int

	syncWord := "nosync"
	if seg.ExtentsCopied >= seg.AreaLen() {
		syncWord = "sync"
	}

	paramCount = 2 // stripe_size + [no]sync
	if seg.RegionSize != 0 {
		paramCount += 2
	}

	var rebuildParams []string
	for i := 0; i < 64; i++ {
		if seg.Rebuilds&(1<<uint(i)) != 0 {
			rebuildParams = append(rebuildParams, fmt.Sprintf("rebuild %d", i))
			paramCount += 2
		}
	}

	fmt.Fprintf(&b, "%d %d %s", paramCount, seg.StripeSize, syncWord)

	if seg.RegionSize != 0 {
		fmt.Fprintf(&b, " region_size %d", seg.RegionSize)
	}

	for _, r := range rebuildParams {
		fmt.Fprintf(&b, " %s", r)
	}

	fmt.Fprintf(&b, " %d", len(areas))

	for i, a := range areas {
		meta := "-"
		if i < len(metaAreas) {
			meta = metaAreas[i].Dev.String()
		}

		fmt.Fprintf(&b, " %s %s", meta, a.Dev)
		_ = a.Offset
	}

	return b.String()
}

// PopCount is exported so internal/ondisk can count the set bits of each
// RAID failed-device bitmap word (SPEC_FULL expansion 3.2).
func PopCount(word uint64) int { return bits.OnesCount64(word) }

func snapshotParams(areas []AreaDev, opts LineOptions) string {
	persistence := "P"
	return fmt.Sprintf("%s %s %s %d", areas[0].Dev, areas[1].Dev, persistence, opts.ExtentSectors)
}

func thinPoolParams(seg *metadata.LVSegment, metaAreas, dataAreas []AreaDev, opts LineOptions) string {
	features := "0"
	if opts.SkipBlockZeroing {
		features = "1 skip_block_zeroing"
	}

	metaDev := "-"
	if len(metaAreas) > 0 {
		metaDev = metaAreas[0].Dev.String()
	}

	dataDev := "-"
	if len(dataAreas) > 0 {
		dataDev = dataAreas[0].Dev.String()
	}

	return fmt.Sprintf("%s %s %d %d %s", metaDev, dataDev, opts.ExtentSectors, opts.LowWaterMark, features)
}

func cryptParams(opts LineOptions, areas []AreaDev) string {
	return fmt.Sprintf("%s %s %d %s %d", opts.CryptCipher, opts.CryptKey, opts.CryptIVOffset, areas[0].Dev, areas[0].Offset)
}

func replicatorParams(areas []AreaDev, opts LineOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s", areas[0].Dev)

	for _, mode := range opts.ReplicatorModes {
		fmt.Fprintf(&b, " %s", mode)
	}

	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
