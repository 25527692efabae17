// Package metadata implements the in-memory volume-group metadata model:
// VG/PV/LV/Segment/Area entities, their back-references, and the validator
// that enforces the invariants in spec §3.
package metadata

import (
	"github.com/google/uuid"
)

// Status bits carried by LVs and segments (spec §3). Only the subset the
// core actually inspects is enumerated; unknown bits round-trip untouched.
type Status uint64

const (
	StatusVisible Status = 1 << iota
	StatusMirrorImage
	StatusRaidImage
	StatusRaidMeta
	StatusThinPool
	StatusThinVolume
	StatusSnapshot
	StatusCow
	StatusPvmove
	StatusLocked
	StatusNotSynced
)

// Has reports whether all bits of mask are set.
func (s Status) Has(mask Status) bool { return s&mask == mask }

// SegType enumerates the closed set of LV segment kinds (spec §3, §9
// "Variadic type dispatch on segtype" — replaced here with an exhaustive
// sum type instead of the original's function-pointer tables).
type SegType int

const (
	SegStriped SegType = iota // also used for linear (area_count == 1)
	SegMirror
	SegRaid1
	SegRaid4
	SegRaid5
	SegRaid6
	SegRaid10
	SegSnapshot
	SegSnapshotOrigin
	SegSnapshotMerge
	SegThinPool
	SegThin
	SegCache
	SegZero
	SegError
	SegCrypt
	SegReplicator
	SegReplicatorDev
)

// String implements fmt.Stringer for readable diagnostics and dm target
// line emission.
func (t SegType) String() string {
	switch t {
	case SegStriped:
		return "striped"
	case SegMirror:
		return "mirror"
	case SegRaid1:
		return "raid1"
	case SegRaid4:
		return "raid4"
	case SegRaid5:
		return "raid5"
	case SegRaid6:
		return "raid6"
	case SegRaid10:
		return "raid10"
	case SegSnapshot:
		return "snapshot"
	case SegSnapshotOrigin:
		return "snapshot-origin"
	case SegSnapshotMerge:
		return "snapshot-merge"
	case SegThinPool:
		return "thin-pool"
	case SegThin:
		return "thin"
	case SegCache:
		return "cache"
	case SegZero:
		return "zero"
	case SegError:
		return "error"
	case SegCrypt:
		return "crypt"
	case SegReplicator:
		return "replicator"
	case SegReplicatorDev:
		return "replicator-dev"
	default:
		return "unknown"
	}
}

// IsRaid reports whether t is one of the raid1/4/5/6/10 kinds.
func (t SegType) IsRaid() bool {
	switch t {
	case SegRaid1, SegRaid4, SegRaid5, SegRaid6, SegRaid10:
		return true
	default:
		return false
	}
}

// ParityDevs returns the number of parity devices this segtype reserves
// out of area_count, used by the allocator's area_multiple/parity_count
// derivation (spec §4.2).
func (t SegType) ParityDevs() int {
	switch t {
	case SegRaid4, SegRaid5:
		return 1
	case SegRaid6:
		return 2
	default:
		return 0
	}
}

// MinAreas is the minimum area_count for a RAID level (spec §3 invariant 6).
func (t SegType) MinAreas() int {
	switch t {
	case SegRaid1:
		return 2
	case SegRaid4, SegRaid5:
		return 2
	case SegRaid6:
		return 5
	case SegRaid10:
		return 4
	default:
		return 1
	}
}

// AllocPolicy is the extent allocation policy ladder (spec §4.2).
type AllocPolicy int

const (
	PolicyInherit AllocPolicy = iota
	PolicyContiguous
	PolicyCling
	PolicyClingByTags
	PolicyNormal
	PolicyAnywhere
)

func (p AllocPolicy) String() string {
	switch p {
	case PolicyContiguous:
		return "contiguous"
	case PolicyCling:
		return "cling"
	case PolicyClingByTags:
		return "cling-by-tags"
	case PolicyNormal:
		return "normal"
	case PolicyAnywhere:
		return "anywhere"
	default:
		return "inherit"
	}
}

// AreaKind discriminates the Area union (spec §3).
type AreaKind int

const (
	AreaUnassigned AreaKind = iota
	AreaPV
	AreaLV
)

// Area is a discriminated union: UNASSIGNED | PV(pvSegment, peOffset) |
// LV(lv, leOffset). RAID segments additionally carry a parallel
// MetaAreas slice of the same shape (spec §3).
type Area struct {
	Kind AreaKind

	// AreaPV fields.
	PVSeg    *PVSegment
	PEOffset uint64

	// AreaLV fields.
	LV       *LV
	LEOffset uint64
	LVStatus Status // RAID_META selects this being a meta-area slot.
}

// PVSegment is a contiguous extent range on a PV: either free, or
// referencing exactly one LV segment area (spec §3).
type PVSegment struct {
	PV       *PV
	PEStart  uint64 // starting extent within the PV
	Len      uint64
	LVSeg    *LVSegment // nil if free
	LVArea   int        // index into LVSeg.Areas this PV segment backs
	IsMeta   bool       // true if backing a RAID meta-area instead of Areas
}

// Free reports whether this PV segment is unallocated.
func (s *PVSegment) Free() bool { return s.LVSeg == nil }

// PV is a Physical Volume (spec §3).
type PV struct {
	UUID        uuid.UUID
	Name        string
	Missing     bool
	PECount     uint64
	PEStart     uint64
	BootloaderAreaSectors uint64
	Tags        map[string]bool
	Segments    []*PVSegment // total cover of [0, PECount), ordered
}

// HasTag reports whether the PV carries the given tag.
func (p *PV) HasTag(tag string) bool { return p.Tags[tag] }

// FreeExtents returns the total number of unallocated extents on the PV.
func (p *PV) FreeExtents() uint64 {
	var n uint64
	for _, s := range p.Segments {
		if s.Free() {
			n += s.Len
		}
	}

	return n
}

// LVID is the VG UUID plus a local per-VG identifier (spec §3).
type LVID struct {
	VGUUID  uuid.UUID
	LocalID uuid.UUID
}

// LVSegment is a run of contiguous logical extents with a single layout
// type and N areas (spec §3, GLOSSARY).
type LVSegment struct {
	LV          *LV
	Type        SegType
	LE          uint64 // logical extent offset within LV
	Len         uint64
	StripeSize  uint64 // sectors
	ChunkSize   uint64 // sectors, snapshot/thin/cache
	RegionSize  uint64 // sectors, mirror/raid
	AreaCount   int
	Areas       []Area
	MetaAreas   []Area // parallel array for RAID meta devices

	// Type-specific fields, populated only when applicable (spec §3).
	PoolLV          *LV // thin-pool / cache pool backing LV
	MetadataLV      *LV // thin-pool / raid metadata sub-LV
	TransactionID   uint64
	DeviceID        uint32
	LogLV           *LV // mirror log sub-LV
	Origin          *LV // snapshot-origin / snapshot-merge
	Cow             *LV // snapshot cow LV
	MergeLV         *LV // snapshot-merge target
	ExtentsCopied   uint64
	Rebuilds        uint64 // bitmap of images under rebuild (spec §4.4)
	PvmoveSource    *PVSegment
	ThinMessages    []ThinMessage
}

// ThinMessageKind enumerates queued thin-pool messages (spec §4.4 step 4).
type ThinMessageKind int

const (
	ThinMsgCreateThin ThinMessageKind = iota
	ThinMsgCreateSnap
	ThinMsgDelete
	ThinMsgTrim
	ThinMsgSetTransactionID
)

// ThinMessage is a queued dm-thin target message awaiting submission after
// the pool's device resumes (spec §4.4 step 4).
type ThinMessage struct {
	Kind          ThinMessageKind
	DeviceID      uint32
	OriginID      uint32 // for create_snap
	ExpectedErrno int    // 0 means none tolerated
}

// AreaLen returns the per-area extent length: area_len such that, for
// striped segments, area_len*area_count == len; otherwise area_len == len
// (spec §3 invariant 2).
func (s *LVSegment) AreaLen() uint64 {
	if s.Type == SegStriped && s.AreaCount > 0 {
		return s.Len / uint64(s.AreaCount)
	}

	return s.Len
}

// LV is a Logical Volume (spec §3).
type LV struct {
	VG       *VG
	Name     string
	ID       LVID
	LECount  uint64
	Policy   AllocPolicy
	ReadAhead uint32
	Status   Status
	Tags     map[string]bool
	Profile  string

	Segments []*LVSegment // total cover of [0, LECount), ordered

	// SegsUsingThisLV is the back-reference multiset required by spec §3
	// ("Back-references"): every segment area of kind LV that targets this
	// LV must appear here with matching multiplicity.
	SegsUsingThisLV []*LVSegment
}

// HasTag reports whether the LV carries the given tag.
func (l *LV) HasTag(tag string) bool { return l.Tags[tag] }

// VG is a Volume Group (spec §3).
type VG struct {
	Name          string
	UUID          uuid.UUID
	ExtentSize    uint64 // sectors, power of 2
	MaxLV         uint32
	MaxPV         uint32
	DefaultPolicy AllocPolicy
	SeqNo         uint64
	Status        Status

	PVs []*PV
	LVs []*LV

	pvByName map[string]*PV
	lvByName map[string]*LV
}

// New creates an empty VG.
func New(name string, extentSize uint64) *VG {
	return &VG{
		Name:          name,
		UUID:          uuid.New(),
		ExtentSize:    extentSize,
		DefaultPolicy: PolicyNormal,
		SeqNo:         0,
		pvByName:      make(map[string]*PV),
		lvByName:      make(map[string]*LV),
	}
}

// FindPV looks up a PV by name.
func (vg *VG) FindPV(name string) *PV { return vg.pvByName[name] }

// FindLV looks up an LV by name.
func (vg *VG) FindLV(name string) *LV { return vg.lvByName[name] }

// ExtentCount returns the sum of pe_count across all PVs (spec §3
// invariant 9).
func (vg *VG) ExtentCount() uint64 {
	var n uint64
	for _, pv := range vg.PVs {
		n += pv.PECount
	}

	return n
}

// FreeCount returns the sum of free extents across all PVs (spec §3
// invariant 9).
func (vg *VG) FreeCount() uint64 {
	var n uint64
	for _, pv := range vg.PVs {
		n += pv.FreeExtents()
	}

	return n
}
