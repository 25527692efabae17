// Package coreconfig defines the process-wide configuration threaded
// explicitly through the core as a CoreContext (see spec §9 "Global mutable
// state" — the suspended-device counter, udev cookie and dm_dir are not
// hidden singletons but fields of this struct, constructed once at startup).
package coreconfig

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// DefaultRaidMaxImages is DEFAULT_RAID_MAX_IMAGES from §3 invariant 6.
const DefaultRaidMaxImages = 64

// DefaultRaidMaxRegions bounds mirror/RAID region_size doubling (§4.3,
// "Region size auto-grows"): 2^21 regions per bitmap.
const DefaultRaidMaxRegions = 1 << 21

// TagRule is one entry of a cling_tag_list (§4.2 CLING_BY_TAGS).
//
// A literal tag ("ssd") requires both PVs to carry that exact tag. The
// wildcard form "@*" matches if the two PVs share any tag at all.
type TagRule struct {
	Tag      string `mapstructure:"tag"`
	Wildcard bool   `mapstructure:"wildcard"`
}

// Settings holds the YAML-loadable policy knobs. Defaults match upstream
// LVM's compiled-in defaults so that an absent config file behaves exactly
// like the reference implementation.
type Settings struct {
	DmDir                        string                   `yaml:"dm_dir"`
	MirrorLogsRequireSeparatePVs bool                     `yaml:"mirror_logs_require_separate_pvs"`
	MaximiseCling                bool                     `yaml:"maximise_cling"`
	ClingTagListRaw              []map[string]interface{} `yaml:"cling_tag_list"`
	DefaultRaidMaxImages         int                      `yaml:"default_raid_max_images"`
	RetryRemoveMaxAttempts       int                      `yaml:"retry_remove_max_attempts"`
}

// DefaultSettings returns the built-in defaults used when no config file is
// present.
func DefaultSettings() Settings {
	return Settings{
		DmDir:                        "/dev/mapper",
		MirrorLogsRequireSeparatePVs: true,
		MaximiseCling:                true,
		DefaultRaidMaxImages:         DefaultRaidMaxImages,
		RetryRemoveMaxAttempts:       3,
	}
}

// LoadSettings reads a YAML settings file, falling back to DefaultSettings
// for any field the file doesn't set. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return s, fmt.Errorf("reading core config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing core config %q: %w", path, err)
	}

	return s, nil
}

// TagRules decodes the raw cling_tag_list maps into typed TagRule entries.
func (s Settings) TagRules() ([]TagRule, error) {
	rules := make([]TagRule, 0, len(s.ClingTagListRaw))
	for _, raw := range s.ClingTagListRaw {
		var rule TagRule
		if err := mapstructure.Decode(raw, &rule); err != nil {
			return nil, fmt.Errorf("decoding cling_tag_list entry %v: %w", raw, err)
		}

		rules = append(rules, rule)
	}

	return rules, nil
}

// CoreContext is the single explicit handle threaded through every mutating
// operation in place of hidden process globals (spec §9). It owns the
// suspended-device counter and the udev-sync cookie state for the process.
type CoreContext struct {
	Settings Settings

	suspendedDevices int64
	cookieSeq        uint32
}

// New constructs a CoreContext from settings.
func New(s Settings) *CoreContext {
	return &CoreContext{Settings: s}
}

// IncSuspended increments the process-wide suspended-device counter used to
// drive memory-lock policy (§5).
func (c *CoreContext) IncSuspended() int64 {
	return atomic.AddInt64(&c.suspendedDevices, 1)
}

// DecSuspended decrements the suspended-device counter.
func (c *CoreContext) DecSuspended() int64 {
	return atomic.AddInt64(&c.suspendedDevices, -1)
}

// SuspendedCount returns the current suspended-device count.
func (c *CoreContext) SuspendedCount() int64 {
	return atomic.LoadInt64(&c.suspendedDevices)
}

// NextCookieSeq returns a monotonically increasing sequence number used as
// the random lower half of a udev-sync cookie (§4.4, §6).
func (c *CoreContext) NextCookieSeq() uint32 {
	return atomic.AddUint32(&c.cookieSeq, 1)
}
