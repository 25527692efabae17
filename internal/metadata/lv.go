package metadata

import (
	"fmt"

	"github.com/google/uuid"
)

// AddLV creates a new, initially zero-length LV in the VG (spec §3, §4.1).
func (vg *VG) AddLV(name string, policy AllocPolicy) (*LV, error) {
	if _, exists := vg.lvByName[name]; exists {
		return nil, fmt.Errorf("lv %q: %w", name, ErrNameExists)
	}

	lv := &LV{
		VG:     vg,
		Name:   name,
		ID:     LVID{VGUUID: vg.UUID, LocalID: uuid.New()},
		Policy: policy,
		Tags:   make(map[string]bool),
	}

	vg.LVs = append(vg.LVs, lv)
	vg.lvByName[name] = lv

	return lv, nil
}

// addSegsUsing appends seg to lv.SegsUsingThisLV (the back-reference
// multiset, spec §3 "Back-references").
func addSegsUsing(lv *LV, seg *LVSegment) {
	lv.SegsUsingThisLV = append(lv.SegsUsingThisLV, seg)
}

// LinkSubLV records that seg uses target outside of an Area or the
// LogLV/ThinPoolLV slots handled automatically by AllocLVSegment (e.g. a
// thin-pool's MetadataLV), establishing the back-reference invariant 5
// relies on.
func LinkSubLV(target *LV, seg *LVSegment) {
	addSegsUsing(target, seg)
}

// removeSegsUsing removes one occurrence of seg from lv.SegsUsingThisLV.
func removeSegsUsing(lv *LV, seg *LVSegment) {
	for i, s := range lv.SegsUsingThisLV {
		if s == seg {
			lv.SegsUsingThisLV = append(lv.SegsUsingThisLV[:i], lv.SegsUsingThisLV[i+1:]...)
			return
		}
	}
}

// insertSegment inserts seg into lv.Segments keeping the list ordered by
// LE. Per spec §4.1 "Tie-breaks", the insertion point is the first segment
// whose LE is strictly greater; ties are impossible once invariant 1 holds.
func insertSegment(lv *LV, seg *LVSegment) {
	idx := len(lv.Segments)
	for i, s := range lv.Segments {
		if s.LE > seg.LE {
			idx = i
			break
		}
	}

	lv.Segments = append(lv.Segments, nil)
	copy(lv.Segments[idx+1:], lv.Segments[idx:])
	lv.Segments[idx] = seg
}

// RemoveLV unlinks lv from the VG, releasing its PV extents back to the
// free pool and propagating removal to any sub-LV reachable only through
// it (spec §3 "Lifecycles", §4.3 lv_remove_with_dependencies).
func (vg *VG) RemoveLV(lv *LV) error {
	subLVs := map[*LV]bool{}
	for _, seg := range lv.Segments {
		collectSubLVs(seg, subLVs)
	}

	for _, seg := range lv.Segments {
		for i := range seg.Areas {
			if seg.Areas[i].Kind == AreaPV {
				freePVRange(seg.Areas[i].PVSeg.PV, seg.Areas[i].PVSeg.PEStart, seg.Areas[i].PVSeg.Len)
			} else if seg.Areas[i].Kind == AreaLV {
				removeSegsUsing(seg.Areas[i].LV, seg)
			}
		}

		for i := range seg.MetaAreas {
			if seg.MetaAreas[i].Kind == AreaPV {
				freePVRange(seg.MetaAreas[i].PVSeg.PV, seg.MetaAreas[i].PVSeg.PEStart, seg.MetaAreas[i].PVSeg.Len)
			} else if seg.MetaAreas[i].Kind == AreaLV {
				removeSegsUsing(seg.MetaAreas[i].LV, seg)
			}
		}
	}

	vg.unlinkLV(lv)

	for sub := range subLVs {
		if len(sub.SegsUsingThisLV) == 0 {
			if err := vg.RemoveLV(sub); err != nil {
				return err
			}
		}
	}

	return nil
}

func (vg *VG) unlinkLV(lv *LV) {
	delete(vg.lvByName, lv.Name)
	for i, l := range vg.LVs {
		if l == lv {
			vg.LVs = append(vg.LVs[:i], vg.LVs[i+1:]...)
			break
		}
	}
}

func collectSubLVs(seg *LVSegment, out map[*LV]bool) {
	for _, a := range seg.Areas {
		if a.Kind == AreaLV {
			out[a.LV] = true
		}
	}

	for _, a := range seg.MetaAreas {
		if a.Kind == AreaLV {
			out[a.LV] = true
		}
	}

	if seg.LogLV != nil {
		out[seg.LogLV] = true
	}

	if seg.PoolLV != nil {
		out[seg.PoolLV] = true
	}

	if seg.MetadataLV != nil {
		out[seg.MetadataLV] = true
	}
}

// RenameLV renames lv, rejecting the operation if the new name already
// exists, the LV is locked, or the LV is internal (has no VISIBLE status,
// spec §4.3 lv_rename). Sub-LV names are fixed up by substituting the
// "<old>_" prefix with "<new>_", preserving suffixes such as "_mimage_0",
// "_rmeta_3" or "_tdata".
func (vg *VG) RenameLV(lv *LV, newName string) error {
	if _, exists := vg.lvByName[newName]; exists {
		return fmt.Errorf("lv %q: %w", newName, ErrNameExists)
	}

	if lv.Status.Has(StatusLocked) {
		return fmt.Errorf("lv %q: %w", lv.Name, ErrLocked)
	}

	if !lv.Status.Has(StatusVisible) {
		return fmt.Errorf("lv %q: cannot rename internal lv", lv.Name)
	}

	oldPrefix := lv.Name + "_"

	delete(vg.lvByName, lv.Name)
	lv.Name = newName
	vg.lvByName[newName] = lv

	for _, sub := range vg.LVs {
		if sub == lv {
			continue
		}

		if len(sub.Name) > len(oldPrefix) && sub.Name[:len(oldPrefix)] == oldPrefix {
			suffix := sub.Name[len(oldPrefix):]
			renamed := newName + "_" + suffix
			delete(vg.lvByName, sub.Name)
			sub.Name = renamed
			vg.lvByName[renamed] = sub
		}
	}

	return nil
}
