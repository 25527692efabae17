// Package diag provides a human-readable diagnostic dump of VG metadata.
// This is a one-way debug report, distinct from the text-based VG metadata
// parser/serializer that spec.md §1 explicitly places out of scope: nothing
// here is ever read back in.
package diag

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/lvmcore/lvmcore/internal/metadata"
)

// DumpPVs writes a table of PVs (name, uuid, pe_count, free, missing) to w.
func DumpPVs(w io.Writer, vg *metadata.VG) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PV", "UUID", "PE Count", "Free", "Missing"})

	for _, pv := range vg.PVs {
		table.Append([]string{
			pv.Name,
			pv.UUID.String(),
			fmt.Sprintf("%d", pv.PECount),
			fmt.Sprintf("%d", pv.FreeExtents()),
			fmt.Sprintf("%v", pv.Missing),
		})
	}

	table.Render()
}

// DumpLVs writes a table of LVs (name, le_count, segment count, allocation
// policy) to w.
func DumpLVs(w io.Writer, vg *metadata.VG) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LV", "LE Count", "Segments", "Policy"})

	for _, lv := range vg.LVs {
		table.Append([]string{
			lv.Name,
			fmt.Sprintf("%d", lv.LECount),
			fmt.Sprintf("%d", len(lv.Segments)),
			lv.Policy.String(),
		})
	}

	table.Render()
}

// DumpSegments writes the segment layout of a single LV, including each
// segment's areas and the PV/LV they resolve to.
func DumpSegments(w io.Writer, lv *metadata.LV) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"LE", "Len", "Type", "Areas"})

	for _, seg := range lv.Segments {
		areas := ""
		for i, a := range seg.Areas {
			if i > 0 {
				areas += ", "
			}

			switch a.Kind {
			case metadata.AreaPV:
				areas += fmt.Sprintf("%s:%d", a.PVSeg.PV.Name, a.PEOffset)
			case metadata.AreaLV:
				areas += fmt.Sprintf("%s:%d", a.LV.Name, a.LEOffset)
			default:
				areas += "unassigned"
			}
		}

		table.Append([]string{
			fmt.Sprintf("%d", seg.LE),
			fmt.Sprintf("%d", seg.Len),
			seg.Type.String(),
			areas,
		})
	}

	table.Render()
}
