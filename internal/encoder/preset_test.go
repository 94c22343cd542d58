// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/nvidia"
	"github.com/screenflux/screenflux/internal/nvidia/testkit"
)

func newTestResolver(t *testing.T, fake *testkit.Fake, cfg config.Encoder) (*Resolver, *nvidia.Registry) {
	t.Helper()
	reg := nvidia.NewRegistry(fake, config.DevicePrefs{}, cfg)
	reg.Enumerate()
	return NewResolver(reg, cfg), reg
}

func testCapability() nvidia.Capability {
	return nvidia.Capability{
		Device:  0,
		Codec:   nvidia.CodecDesc{Name: "h264", GUID: "6BC82762-4E63-4CA4-AA85-1E50F321F6BF"},
		Presets: testkit.DefaultPresets(),
		Caps:    testkit.DefaultCaps(),
	}
}

// The resolved preset must always carry the minimal score among presets not
// denylisted for the device, across the full knob grid.
func TestResolver_ScoreIsMinimal(t *testing.T) {
	fake := testkit.NewFake()
	resolver, _ := newTestResolver(t, fake, config.DefaultEncoder())
	cap := testCapability()

	for speed := 0; speed <= 100; speed += 5 {
		for quality := 0; quality <= 100; quality += 5 {
			for _, lossless := range []bool{false, true} {
				got, err := resolver.Resolve(0, cap, speed, quality, lossless)
				require.NoError(t, err)
				gotScore := presetScore(got, speed, quality, lossless)
				for _, p := range cap.Presets {
					if s := presetScore(p, speed, quality, lossless); s < gotScore {
						t.Fatalf("speed=%d quality=%d lossless=%v: chose %s (score %d) but %s scores %d",
							speed, quality, lossless, got.Name, gotScore, p.Name, s)
					}
				}
			}
		}
	}
}

func TestResolver_TieBreaksByEnumerationOrder(t *testing.T) {
	fake := testkit.NewFake()
	resolver, _ := newTestResolver(t, fake, config.DefaultEncoder())

	cap := testCapability()
	cap.Presets = []nvidia.PresetDesc{
		{Name: "first", GUID: "AAAA", Speed: 60, Quality: 50},
		{Name: "second", GUID: "BBBB", Speed: 40, Quality: 50},
	}
	// speed 50 is equidistant from both
	got, err := resolver.Resolve(0, cap, 50, 50, false)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}

func TestResolver_SkipsDenylisted(t *testing.T) {
	fake := testkit.NewFake()
	resolver, reg := newTestResolver(t, fake, config.DefaultEncoder())

	cap := testCapability()
	cap.Presets = []nvidia.PresetDesc{
		{Name: "perfect", GUID: "AAAA", Speed: 50, Quality: 80},
		{Name: "poor", GUID: "BBBB", Speed: 0, Quality: 0},
	}
	reg.DenylistPreset(0, "AAAA")

	// the exact-match preset is denylisted; the worse one must still win
	got, err := resolver.Resolve(0, cap, 50, 80, false)
	require.NoError(t, err)
	assert.Equal(t, "poor", got.Name)
}

func TestResolver_AllDenylisted(t *testing.T) {
	fake := testkit.NewFake()
	resolver, reg := newTestResolver(t, fake, config.DefaultEncoder())

	cap := testCapability()
	for _, p := range cap.Presets {
		reg.DenylistPreset(0, p.GUID)
	}
	_, err := resolver.Resolve(0, cap, 50, 50, false)
	assert.ErrorIs(t, err, ErrNoPresetAvailable)
}

func TestResolver_LosslessBonus(t *testing.T) {
	fake := testkit.NewFake()
	resolver, _ := newTestResolver(t, fake, config.DefaultEncoder())

	got, err := resolver.Resolve(0, testCapability(), 15, 100, true)
	require.NoError(t, err)
	assert.True(t, got.Lossless, "lossless request with matching preset available")
}

func TestResolver_Override(t *testing.T) {
	fake := testkit.NewFake()
	cfg := config.DefaultEncoder()
	cfg.PresetOverride = "p1"
	resolver, reg := newTestResolver(t, fake, cfg)

	got, err := resolver.Resolve(0, testCapability(), 0, 100, false)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.Name, "override bypasses scoring")

	reg.DenylistPreset(0, got.GUID)
	_, err = resolver.Resolve(0, testCapability(), 0, 100, false)
	assert.ErrorIs(t, err, ErrNoPresetAvailable, "denylisted override is not forced")
}

func TestTuning(t *testing.T) {
	assert.Equal(t, "lossless", Tuning(90, true))
	assert.Equal(t, "ultra-low-latency", Tuning(81, false))
	assert.Equal(t, "low-latency", Tuning(80, false))
	assert.Equal(t, "low-latency", Tuning(50, false))
	assert.Equal(t, "high-quality", Tuning(49, false))
}
