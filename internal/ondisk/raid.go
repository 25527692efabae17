// Package ondisk decodes the on-disk superblock formats the core reads
// directly rather than through a device-mapper ioctl (spec §4.5): the
// dm-raid metadata superblock and the VDO geometry block. Both are read
// from a 4 KiB O_DIRECT-aligned buffer and are otherwise opaque to the
// rest of lvmcore.
package ondisk

import (
	"encoding/binary"
	"fmt"

	"github.com/lvmcore/lvmcore/internal/devicemapper"
)

const (
	// SuperblockBufSize is the fixed I/O size used for both formats so a
	// single aligned buffer suffices regardless of the device's logical
	// block size (spec §4.5).
	SuperblockBufSize = 4096

	raidMagic                   = 0x446D5264 // "DmRd", stored big-endian on disk
	raidFeatureFlagSupportsV190 = 0x1

	maxRaidDevices    = 253
	disksArrayElems   = (maxRaidDevices + 63) / 64 // 4
	extendedFailedLen = disksArrayElems - 1        // 3

	// raidPreV190Size is the offset of the "flags" field: magic(4) +
	// compat_features(4) + dummy[4](16) + failed_devices(8) + dummy1[7](28).
	raidPreV190Size = 4 + 4 + 16 + 8 + 28 // 60

	// raidFullV190Size adds flags(4) + dummy2[14](56) +
	// extended_failed_devices[3](24) + dummy3(4) on top of raidPreV190Size.
	raidFullV190Size = raidPreV190Size + 4 + 56 + extendedFailedLen*8 + 4 // 148

	raidFailedDevicesOffset  = 4 + 4 + 16               // 24
	raidExtendedFailedOffset = raidPreV190Size + 4 + 56 // 120
)

// RaidSuperblock is the subset of the dm-raid metadata superblock lvmcore
// needs: the compat_features gate and the failed-device bitmap, pre- or
// post-1.9.0 extension (spec §4.5).
type RaidSuperblock struct {
	CompatFeatures uint32
	FailedDevices  uint64
	// ExtendedFailedDevices is empty unless CompatFeatures has
	// raidFeatureFlagSupportsV190 set.
	ExtendedFailedDevices [extendedFailedLen]uint64
}

// DecodeRaidSuperblock parses a raw 4 KiB RAID metadata buffer. The magic is
// compared big-endian even though every other multi-byte field on disk is
// little-endian; this mismatch is intentional upstream, not a decoding bug.
func DecodeRaidSuperblock(buf []byte) (*RaidSuperblock, error) {
	if len(buf) < raidPreV190Size {
		return nil, fmt.Errorf("ondisk: raid superblock buffer too short: %d bytes", len(buf))
	}

	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != raidMagic {
		return nil, fmt.Errorf("ondisk: no RAID signature (magic %#x)", magic)
	}

	sb := &RaidSuperblock{
		CompatFeatures: binary.LittleEndian.Uint32(buf[4:8]),
		FailedDevices:  binary.LittleEndian.Uint64(buf[raidFailedDevicesOffset : raidFailedDevicesOffset+8]),
	}

	if sb.isV190() {
		if len(buf) < raidFullV190Size {
			return nil, fmt.Errorf("ondisk: raid v1.9 superblock buffer too short: %d bytes", len(buf))
		}

		for i := 0; i < extendedFailedLen; i++ {
			off := raidExtendedFailedOffset + i*8
			sb.ExtendedFailedDevices[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		}
	}

	return sb, nil
}

func (sb *RaidSuperblock) isV190() bool {
	return sb.CompatFeatures&raidFeatureFlagSupportsV190 != 0
}

// sbSize mirrors the original's _get_sb_size: the pre-extension length
// unless the v1.9.0 compat flag is set.
func (sb *RaidSuperblock) sbSize() int {
	if sb.isV190() {
		return raidFullV190Size
	}

	return raidPreV190Size
}

// CountFailedDevices returns the Hamming weight of the widest single 64-bit
// word in the failed-device bitmap, not the combined weight of the whole
// bitmap: failed_devices and each word of extended_failed_devices are
// compared independently and the maximum is kept (spec §4.5, SPEC_FULL
// expansion point 2).
func (sb *RaidSuperblock) CountFailedDevices() int {
	max := devicemapper.PopCount(sb.FailedDevices)

	if sb.sbSize() == raidFullV190Size {
		for _, w := range sb.ExtendedFailedDevices {
			if c := devicemapper.PopCount(w); c > max {
				max = c
			}
		}
	}

	return max
}

// ClearFailedDevices zeroes the bitmap fields in place.
func (sb *RaidSuperblock) ClearFailedDevices() {
	sb.FailedDevices = 0

	if sb.sbSize() == raidFullV190Size {
		sb.ExtendedFailedDevices = [extendedFailedLen]uint64{}
	}
}

// EncodeRaidSuperblock writes sb's fields back into buf at the same offsets
// DecodeRaidSuperblock read them from, leaving every other byte of buf
// untouched (the original only rewrites up to sbSize() and zero-fills the
// remainder of the 4 KiB block; callers that need that behavior should zero
// buf[sb.sbSize():] themselves before calling write()).
func EncodeRaidSuperblock(buf []byte, sb *RaidSuperblock) error {
	if len(buf) < raidPreV190Size {
		return fmt.Errorf("ondisk: raid superblock buffer too short: %d bytes", len(buf))
	}

	binary.BigEndian.PutUint32(buf[0:4], raidMagic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.CompatFeatures)
	binary.LittleEndian.PutUint64(buf[raidFailedDevicesOffset:raidFailedDevicesOffset+8], sb.FailedDevices)

	if sb.isV190() {
		if len(buf) < raidFullV190Size {
			return fmt.Errorf("ondisk: raid v1.9 superblock buffer too short: %d bytes", len(buf))
		}

		for i, w := range sb.ExtendedFailedDevices {
			off := raidExtendedFailedOffset + i*8
			binary.LittleEndian.PutUint64(buf[off:off+8], w)
		}
	}

	return nil
}

// LoadRaidSuperblock reads path's dm-raid metadata superblock and decodes
// it. writable controls whether the underlying fd is opened O_RDWR, for
// callers intending a subsequent SaveRaidSuperblock (spec §4.5's
// count/clear/commit cycle).
func LoadRaidSuperblock(path string, writable bool) (*RaidSuperblock, error) {
	buf, err := ReadSuperblockBuffer(path, writable)
	if err != nil {
		return nil, err
	}

	return DecodeRaidSuperblock(buf)
}

// SaveRaidSuperblock re-encodes sb into the 4 KiB superblock buffer at path
// and writes it back, completing the count/clear/commit cycle
// LoadRaidSuperblock started.
func SaveRaidSuperblock(path string, sb *RaidSuperblock) error {
	buf, err := ReadSuperblockBuffer(path, true)
	if err != nil {
		return err
	}

	if err := EncodeRaidSuperblock(buf, sb); err != nil {
		return err
	}

	return WriteSuperblockBuffer(path, buf)
}
