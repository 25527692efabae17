package devicemapper

import (
	"fmt"
	"sort"

	"github.com/fvbommel/sortorder"

	"github.com/lvmcore/lvmcore/internal/coreconfig"
	"github.com/lvmcore/lvmcore/internal/logger"
	"github.com/lvmcore/lvmcore/internal/metadata"
	"github.com/lvmcore/lvmcore/lxd/revert"
)

// ActivationPriority orders the second activation pass (spec §4.4 traversal
// rule 3): snapshots resume first, then the snapshot-origin or merge
// target, then the merge sub-LV.
type ActivationPriority int

const (
	PrioritySnapshot ActivationPriority = iota
	PriorityOrigin
	PriorityMergeSubLV
)

// Node is one device in the target tree: a kernel device plus its children
// (the devices its table lines reference) and the pending table for its
// next load (spec §4.4).
type Node struct {
	Name       string
	UUID       string
	VGUUIDPrefix string
	State      NodeState
	Table      []TargetLine
	Children   []*Node
	Priority   ActivationPriority

	// PresuspendNode, if set, is suspended before this node (spec §4.4
	// traversal rule 2), e.g. a snapshot origin ahead of its cow.
	PresuspendNode *Node

	// ThinPool, if set, queues messages submitted once this node has
	// resumed onto its new table (spec §4.4 traversal rule 4).
	ThinPool *ThinPoolCommit

	SkipLockfs bool
	NoFlush    bool
	OpenCount  int32
}

// ThinPoolCommit is the post-resume message batch for one thin-pool node,
// gated on the live device's transaction_id (spec §4.4 traversal rule 4).
type ThinPoolCommit struct {
	LiveTransactionID uint64
	TransactionID     uint64
	Messages          []metadata.ThinMessage
}

// Tree is a forest of root nodes the builder activates/deactivates as one
// batch, sharing a single udev cookie.
type Tree struct {
	Roots  []*Node
	Cookie *Cookie
	Driver Driver

	// Context, if set, receives the process-wide suspended-device count
	// maintained across Suspend/Activate (spec §9's explicit-handle
	// replacement for a hidden global).
	Context *coreconfig.CoreContext
}

// run submits req through the tree's driver, stamping the udev-sync cookie
// (if one is set) into the request and incrementing it for the task types
// that trigger udev rules: create, resume, and remove (spec §4.4
// "Udev-sync protocol"). Suspend and reload never surface a device to
// udev, so they are submitted uncounted.
func (t *Tree) run(req TaskRequest) (Info, error) {
	if t.Cookie != nil {
		req.Cookie = t.Cookie.Value

		switch req.Type {
		case TaskCreate, TaskResume, TaskRemove:
			if err := t.Cookie.Inc(); err != nil {
				return Info{}, fmt.Errorf("devicemapper: cookie inc for %q: %w", req.Name, err)
			}
		}
	}

	return t.Driver.Run(req)
}

// sortedChildren returns n's children in natural-sort order by name, so
// generated siblings like rimage_2 and rimage_10 traverse in numeric rather
// than lexical order (spec §4.4, SPEC_FULL expansion 2 fvbommel/sortorder
// wiring).
func sortedChildren(n *Node) []*Node {
	out := append([]*Node(nil), n.Children...)
	sort.Slice(out, func(i, j int) bool {
		return sortorder.NaturalLess(out[i].Name, out[j].Name)
	})

	return out
}

// Preload walks the tree depth-first, creating any node that does not yet
// exist and loading its table as inactive; a live node with a new table has
// that table loaded as inactive too (spec §4.4 traversal rule 1).
func (t *Tree) Preload(n *Node) error {
	for _, c := range sortedChildren(n) {
		if err := t.Preload(c); err != nil {
			return err
		}
	}

	switch n.State {
	case StateAbsent:
		if _, err := t.run(TaskRequest{Type: TaskCreate, Name: n.Name, UUID: n.UUID}); err != nil {
			return fmt.Errorf("devicemapper: create %q: %w", n.Name, err)
		}

		n.State = StatePresentInactiveTable

		if len(n.Table) > 0 {
			if _, err := t.run(TaskRequest{Type: TaskReload, Name: n.Name, Table: n.Table}); err != nil {
				return fmt.Errorf("devicemapper: load %q: %w", n.Name, err)
			}
		}
	case StatePresentLiveTable:
		if len(n.Table) > 0 {
			if _, err := t.run(TaskRequest{Type: TaskReload, Name: n.Name, Table: n.Table}); err != nil {
				return fmt.Errorf("devicemapper: load %q: %w", n.Name, err)
			}

			n.State = StatePresentLiveAndInactiveTable
		}

		sizeChanged := tableSizeChanged(n)
		if sizeChanged && len(n.Children) > 0 && !isZeroSizedTable(n.Table) {
			if _, err := t.run(TaskRequest{Type: TaskResume, Name: n.Name}); err != nil {
				return fmt.Errorf("devicemapper: early resume %q: %w", n.Name, err)
			}

			n.State = StatePresentLiveTable
		}
	}

	return nil
}

func tableSizeChanged(n *Node) bool { return len(n.Table) > 0 }

func isZeroSizedTable(t []TargetLine) bool {
	var total uint64
	for _, l := range t {
		total += l.Length
	}

	return total == 0
}

// Suspend walks the tree depth-first, leaves first, skipping nodes outside
// vgUUIDPrefix (spec §4.4 traversal rule 2).
func (t *Tree) Suspend(n *Node, vgUUIDPrefix string) error {
	if n.VGUUIDPrefix != "" && n.VGUUIDPrefix != vgUUIDPrefix {
		return nil
	}

	for _, c := range sortedChildren(n) {
		if err := t.Suspend(c, vgUUIDPrefix); err != nil {
			return err
		}
	}

	if n.PresuspendNode != nil {
		if err := t.Suspend(n.PresuspendNode, vgUUIDPrefix); err != nil {
			return err
		}
	}

	if n.State != StatePresentLiveTable && n.State != StatePresentLiveAndInactiveTable {
		return nil
	}

	if _, err := t.run(TaskRequest{Type: TaskSuspend, Name: n.Name, SkipLockfs: n.SkipLockfs, NoFlush: n.NoFlush}); err != nil {
		return fmt.Errorf("devicemapper: suspend %q: %w", n.Name, err)
	}

	n.State = StatePresentSuspended

	if t.Context != nil {
		t.Context.IncSuspended()
	}

	return nil
}

// Activate runs the two-pass resume sequence described in spec §4.4
// traversal rule 3: a depth-first pass over children, then a priority-
// ordered pass that resumes each node (snapshot=0, origin/merge=1,
// merge-sublv=2).
func (t *Tree) Activate(n *Node) error {
	if err := t.activateRecurse(n); err != nil {
		return err
	}

	flat := flatten(n)
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].Priority < flat[j].Priority })

	for _, node := range flat {
		if node.State != StatePresentSuspended && node.State != StatePresentInactiveTable {
			continue
		}

		wasSuspended := node.State == StatePresentSuspended

		if _, err := t.run(TaskRequest{Type: TaskResume, Name: node.Name}); err != nil {
			return fmt.Errorf("devicemapper: resume %q: %w", node.Name, err)
		}

		node.State = StatePresentLiveTable

		if wasSuspended && t.Context != nil {
			t.Context.DecSuspended()
		}
	}

	return nil
}

func (t *Tree) activateRecurse(n *Node) error {
	for _, c := range sortedChildren(n) {
		if err := t.activateRecurse(c); err != nil {
			return err
		}
	}

	return nil
}

func flatten(n *Node) []*Node {
	out := []*Node{n}
	for _, c := range n.Children {
		out = append(out, flatten(c)...)
	}

	return out
}

// CommitBatch runs the preload/suspend/resume sequence of spec §4.4
// traversal rules 1-3: new tables are loaded as inactive while nodes are
// still live, the tree is suspended, and then resumed onto the new tables.
// If suspend or preload fails before any node is suspended there is nothing
// to revert; once the tree is suspended, a failure resuming it re-resumes
// every suspended node so the kernel ends up running the pre-commit tables
// rather than left suspended (spec §7 point 4, "fatal kernel failure").
func (t *Tree) CommitBatch(n *Node, vgUUIDPrefix string) error {
	if err := t.Preload(n); err != nil {
		return fmt.Errorf("devicemapper: commit batch preload: %w", err)
	}

	rev := revert.New()
	defer rev.Fail()

	if err := t.Suspend(n, vgUUIDPrefix); err != nil {
		return fmt.Errorf("devicemapper: commit batch suspend: %w", err)
	}

	rev.Add(func() {
		if err := t.Activate(n); err != nil {
			logger.Error("revert: failed to re-resume after aborted commit", logger.Ctx{"node": n.Name, "err": err.Error()})
		}
	})

	if err := t.Activate(n); err != nil {
		return fmt.Errorf("devicemapper: commit batch resume: %w", err)
	}

	for _, node := range flatten(n) {
		if node.ThinPool == nil {
			continue
		}

		tp := node.ThinPool
		if err := SubmitThinMessages(t.Driver, node.Name, tp.LiveTransactionID, tp.TransactionID, tp.Messages); err != nil {
			return fmt.Errorf("devicemapper: commit batch thin pool messages: %w", err)
		}
	}

	if t.Cookie != nil {
		if err := t.Cookie.Wait(); err != nil {
			return fmt.Errorf("devicemapper: commit batch udev wait: %w", err)
		}
	}

	rev.Success()

	return nil
}

// Deactivate removes leaves first within vgUUIDPrefix (spec §4.4 traversal
// rule 5). A top-level node with open_count>0 is retried through
// RetryRemove and reported as an error if it stays busy; deeper in the tree
// a busy node is silently skipped.
func (t *Tree) Deactivate(n *Node, vgUUIDPrefix string, topLevel bool) error {
	if n.VGUUIDPrefix != "" && n.VGUUIDPrefix != vgUUIDPrefix {
		return nil
	}

	for _, c := range sortedChildren(n) {
		if err := t.Deactivate(c, vgUUIDPrefix, false); err != nil {
			return err
		}
	}

	if n.State == StateAbsent {
		return nil
	}

	if n.OpenCount > 0 {
		if !topLevel {
			logger.Debug("skip busy internal device", logger.Ctx{"device": n.Name})
			return nil
		}

		if err := RetryRemove(n.Name, func() error {
			_, err := t.run(TaskRequest{Type: TaskRemove, Name: n.Name})
			return err
		}); err != nil {
			return err
		}

		n.State = StateAbsent

		return nil
	}

	if _, err := t.run(TaskRequest{Type: TaskRemove, Name: n.Name}); err != nil {
		return fmt.Errorf("devicemapper: remove %q: %w", n.Name, err)
	}

	n.State = StateAbsent

	return nil
}
