package devicemapper

// TaskType is one of the opcodes the generic task abstraction submits to
// the device-mapper driver (spec §6 "Kernel transport").
type TaskType int

const (
	TaskCreate TaskType = iota
	TaskReload
	TaskRemove
	TaskRemoveAll
	TaskSuspend
	TaskResume
	TaskInfo
	TaskDeps
	TaskRename
	TaskStatus
	TaskTable
	TaskWaitEvent
	TaskList
	TaskClear
	TaskMknodes
	TaskListVersions
	TaskTargetMessage
	TaskSetGeometry
)

// Info mirrors the subset of struct dm_info the core inspects (spec §6).
type Info struct {
	Exists       bool
	Suspended    bool
	LiveTable    bool
	InactiveTable bool
	OpenCount    int32
	EventNr      uint32
	Major, Minor uint32
	ReadOnly     bool
}

// TaskRequest is one submission to the kernel transport: name/uuid identify
// the device, Major/Minor are filled in by the driver on create, Cookie
// carries the udev-sync cookie value as built by NewCookie (magic in its
// upper 16 bits; the udev flag bits belong to bits 16-31 of EventNr), and
// Sector/Message are used only for target_message (spec §6).
type TaskRequest struct {
	Type         TaskType
	Name         string
	UUID         string
	Major, Minor uint32
	EventNr      uint32
	Cookie       uint32
	NoOpenCount  bool
	ReadOnly     bool
	SecureData   bool
	Table        []TargetLine
	NewName      string
	Sector       uint64
	Message      string
	ReadAhead    uint32

	// SkipLockfs and NoFlush carry a suspend's DM_SKIP_LOCKFS_FLAG and
	// DM_NOFLUSH_FLAG (spec §4.4 traversal rule 2); meaningful only when
	// Type == TaskSuspend.
	SkipLockfs bool
	NoFlush    bool
}

// Driver is the generic task transport the builder submits TaskRequests to
// (spec §6). A real implementation issues the DM_*_IOCTL family; tests
// substitute a fake.
type Driver interface {
	Run(req TaskRequest) (Info, error)
}

// ErrTolerated reports whether errno is a tolerable response for the given
// task (spec §7 error kind 3): ENXIO on info of a non-existent device, or a
// message's own ExpectedErrno (EEXIST on create_thin, ENODATA on delete).
func ErrTolerated(t TaskType, errno int, expected int) bool {
	const (
		enxio = 6
	)

	if t == TaskInfo && errno == enxio {
		return true
	}

	return expected != 0 && errno == expected
}
