package devicemapper

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/logger"
)

// Udev cookie flag bits, bits 16-31 of event_nr (spec §6 "Cookie flag
// bits").
const (
	FlagDisableDMRules = 1 << (16 + iota)
	FlagDisableSubsystemRules
	FlagDisableDiskRules
	FlagDisableOtherRules
	FlagLowPriority
	FlagDisableLibraryFallback
	FlagPrimarySource
)

const cookieMagic = 0xD4D4

// Cookie is the udev-sync handle for one batch of mutating ioctls (spec
// §4.4 "Udev-sync protocol"). The 16-bit magic occupies the high half and a
// 16-bit value the low half; the cookie also doubles as the key of a SysV
// semaphore the kernel's udev rules decrement on completion.
type Cookie struct {
	Value  uint32
	semID  int
	pending int
}

// NewCookie allocates a SysV semaphore keyed by a fresh cookie value,
// initialized to 1 (spec §4.4). low should come from a cryptographically
// unimportant source of randomness; the core does not require
// unpredictability here, only uniqueness per batch.
func NewCookie(low uint16) (*Cookie, error) {
	value := uint32(cookieMagic)<<16 | uint32(low)

	semID, err := unix.Semget(int(value), 1, unix.IPC_CREAT|0600)
	if err != nil {
		return nil, fmt.Errorf("devicemapper: semget for cookie %#x: %w", value, err)
	}

	if err := semSetValue(semID, 1); err != nil {
		return nil, err
	}

	return &Cookie{Value: value, semID: semID}, nil
}

// Inc increments the semaphore once per mutating ioctl submitted under this
// cookie (spec §4.4).
func (c *Cookie) Inc() error {
	c.pending++
	return semOp(c.semID, 1)
}

// Wait drops the semaphore's initial count of 1 and then blocks until every
// udev rule triggered by this batch has decremented the semaphore back to
// zero.
func (c *Cookie) Wait() error {
	if c.pending == 0 {
		return nil
	}

	if err := semOp(c.semID, -1); err != nil {
		return fmt.Errorf("devicemapper: udev wait on cookie %#x: %w", c.Value, err)
	}

	if err := semOp(c.semID, 0); err != nil {
		return fmt.Errorf("devicemapper: udev wait on cookie %#x: %w", c.Value, err)
	}

	logger.Debug("udev cookie settled", logger.Ctx{"cookie": c.Value})

	return nil
}

// NewCookieFromContext allocates a cookie whose low 16 bits come from the
// context's monotonic sequence counter rather than caller-supplied
// randomness, so concurrent batches issued from the same process never
// collide on the same SysV semaphore (spec §4.4, §9).
func NewCookieFromContext(ctx *coreconfig.CoreContext) (*Cookie, error) {
	return NewCookie(uint16(ctx.NextCookieSeq()))
}

func semSetValue(semID, val int) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(semID), 0, unix.SETVAL, uintptr(val), 0, 0)
	if errno != 0 {
		return fmt.Errorf("devicemapper: semctl SETVAL: %w", errno)
	}

	return nil
}

func semOp(semID int, delta int16) error {
	sops := []unix.Sembuf{{SemNum: 0, SemOp: delta, SemFlg: 0}}
	return unix.Semop(semID, sops)
}
