package coreconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvmcore/lvmcore/internal/coreconfig"
)

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	s, err := coreconfig.LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, coreconfig.DefaultSettings(), s)
}

func TestLoadSettingsOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dm_dir: /custom/mapper\nmaximise_cling: false\n"), 0644))

	s, err := coreconfig.LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "/custom/mapper", s.DmDir)
	assert.False(t, s.MaximiseCling)
	assert.True(t, s.MirrorLogsRequireSeparatePVs, "unset fields should keep the default value")
	assert.Equal(t, coreconfig.DefaultRaidMaxImages, s.DefaultRaidMaxImages)
}

func TestLoadSettingsRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dm_dir: [unterminated"), 0644))

	_, err := coreconfig.LoadSettings(path)
	assert.Error(t, err)
}

func TestTagRulesDecodesLiteralAndWildcardEntries(t *testing.T) {
	s := coreconfig.Settings{
		ClingTagListRaw: []map[string]interface{}{
			{"tag": "ssd", "wildcard": false},
			{"tag": "*", "wildcard": true},
		},
	}

	rules, err := s.TagRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, coreconfig.TagRule{Tag: "ssd", Wildcard: false}, rules[0])
	assert.Equal(t, coreconfig.TagRule{Tag: "*", Wildcard: true}, rules[1])
}

func TestCoreContextSuspendedCountIsMonotonicAndReversible(t *testing.T) {
	ctx := coreconfig.New(coreconfig.DefaultSettings())

	assert.Equal(t, int64(1), ctx.IncSuspended())
	assert.Equal(t, int64(2), ctx.IncSuspended())
	assert.Equal(t, int64(2), ctx.SuspendedCount())

	assert.Equal(t, int64(1), ctx.DecSuspended())
	assert.Equal(t, int64(1), ctx.SuspendedCount())
}

func TestCoreContextNextCookieSeqIsMonotonic(t *testing.T) {
	ctx := coreconfig.New(coreconfig.DefaultSettings())

	first := ctx.NextCookieSeq()
	second := ctx.NextCookieSeq()

	assert.Less(t, first, second)
}
