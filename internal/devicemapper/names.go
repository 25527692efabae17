package devicemapper

import "strings"

// BuildDMName joins vg, lv and an optional layer suffix into the on-disk
// device name under dm_dir, doubling every hyphen in each component first
// (spec §6 "DM name escaping", grounded in libdm's dm_build_dm_name). A
// layer beginning with "_" omits the separating hyphen before it.
func BuildDMName(vg, lv, layer string) string {
	var b strings.Builder

	b.WriteString(quoteHyphens(vg))
	b.WriteByte('-')
	b.WriteString(quoteHyphens(lv))

	if layer != "" {
		if layer[0] != '_' {
			b.WriteByte('-')
		}

		b.WriteString(quoteHyphens(layer))
	}

	return b.String()
}

func quoteHyphens(s string) string {
	return strings.ReplaceAll(s, "-", "--")
}

// BuildDMUUID constructs the kernel-visible uuid: <prefix><lvid>[-<layer>]
// (spec §6 "Device node namespace").
func BuildDMUUID(prefix, lvid, layer string) string {
	if layer == "" {
		return prefix + lvid
	}

	return prefix + lvid + "-" + layer
}
