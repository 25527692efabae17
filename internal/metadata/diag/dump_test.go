package diag_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvmcore/lvmcore/internal/metadata"
	"github.com/lvmcore/lvmcore/internal/metadata/diag"
)

func TestDumpPVsRendersNameAndFreeCount(t *testing.T) {
	vg := metadata.New("vg0", 8192)
	_, err := vg.AddPV("pv0", uuid.New(), 100, 2048)
	require.NoError(t, err)

	var buf bytes.Buffer
	diag.DumpPVs(&buf, vg)

	out := buf.String()
	assert.Contains(t, out, "pv0")
	assert.Contains(t, out, "100")
}

func TestDumpLVsRendersNameAndLECount(t *testing.T) {
	vg := metadata.New("vg0", 8192)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)
	lv.LECount = 10

	var buf bytes.Buffer
	diag.DumpLVs(&buf, vg)

	out := buf.String()
	assert.Contains(t, out, "lv0")
	assert.Contains(t, out, "10")
}

func TestDumpSegmentsRendersAreaResolution(t *testing.T) {
	vg := metadata.New("vg0", 8192)
	pv, err := vg.AddPV("pv0", uuid.New(), 100, 2048)
	require.NoError(t, err)
	lv, err := vg.AddLV("lv0", metadata.PolicyNormal)
	require.NoError(t, err)

	seg, err := metadata.AllocLVSegment(lv, metadata.AllocLVSegmentParams{
		Type: metadata.SegStriped, LE: 0, Len: 10, AreaCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, metadata.SetLVSegmentAreaPV(seg, 0, pv, 0, 0))

	var buf bytes.Buffer
	diag.DumpSegments(&buf, lv)

	out := buf.String()
	assert.Contains(t, out, "pv0:0")
	assert.Contains(t, out, "striped")
}
