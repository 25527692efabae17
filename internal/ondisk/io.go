package ondisk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadSuperblockBuffer opens path O_EXCL|O_DIRECT and reads exactly
// SuperblockBufSize bytes, the access pattern both on-disk decoders share
// (spec §4.5: "read a 4 KiB O_DIRECT-aligned buffer from a device path
// opened O_EXCL"). writable controls whether the fd is opened O_RDWR (for a
// subsequent ClearFailedDevices write-back) or O_RDONLY.
func ReadSuperblockBuffer(path string, writable bool) ([]byte, error) {
	flags := unix.O_EXCL | unix.O_DIRECT
	if writable {
		flags |= unix.O_RDWR
	} else {
		flags |= unix.O_RDONLY
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("ondisk: open %q: %w", path, err)
	}
	defer unix.Close(fd)

	buf := make([]byte, SuperblockBufSize)

	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, fmt.Errorf("ondisk: read %q: %w", path, err)
	}

	if n != SuperblockBufSize {
		return nil, fmt.Errorf("ondisk: short read on %q: got %d of %d bytes", path, n, SuperblockBufSize)
	}

	return buf, nil
}

// WriteSuperblockBuffer rewrites the whole buffer from the start of path,
// the commit half of a count/clear cycle (spec §4.5).
func WriteSuperblockBuffer(path string, buf []byte) error {
	fd, err := unix.Open(path, unix.O_EXCL|unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		return fmt.Errorf("ondisk: open %q: %w", path, err)
	}
	defer unix.Close(fd)

	n, err := unix.Write(fd, buf)
	if err != nil {
		return fmt.Errorf("ondisk: write %q: %w", path, err)
	}

	if n != len(buf) {
		return fmt.Errorf("ondisk: short write on %q: wrote %d of %d bytes", path, n, len(buf))
	}

	return nil
}
