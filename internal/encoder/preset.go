// SPDX-License-Identifier: MIT

package encoder

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/log"
	"github.com/screenflux/screenflux/internal/nvidia"
)

// ErrNoPresetAvailable is returned when every probed preset is denylisted or
// missing. The orchestrator temporarily excludes the codec on this device.
var ErrNoPresetAvailable = errors.New("no preset available")

// losslessBonus rewards an exact losslessness match during scoring. The
// weights are empirical; keep them unless a calibration suite says otherwise.
const (
	speedWeight   = 2
	qualityWeight = 3
	losslessBonus = 100
)

// Resolver scores hardware presets against the target speed/quality knobs,
// skipping presets denylisted for the device.
type Resolver struct {
	reg    *nvidia.Registry
	cfg    config.Encoder
	logger zerolog.Logger
}

// NewResolver creates a preset resolver over the device registry.
func NewResolver(reg *nvidia.Registry, cfg config.Encoder) *Resolver {
	return &Resolver{
		reg:    reg,
		cfg:    cfg,
		logger: log.WithComponent("preset-resolver"),
	}
}

// Resolve picks the best preset for (speed, quality, lossless) out of the
// probed capability surface. Scoring is
//
//	2*|presetSpeed-speed| + 3*|presetQuality-quality| - 100 on lossless match
//
// with ties broken by GUID enumeration order. A configured override forces a
// named preset, bypassing scoring; denylisted presets are never returned.
func (r *Resolver) Resolve(deviceID int, cap nvidia.Capability, speed, quality int, lossless bool) (nvidia.PresetDesc, error) {
	if r.cfg.PresetOverride != "" {
		for _, p := range cap.Presets {
			if p.Name == r.cfg.PresetOverride {
				if r.reg.IsDenylisted(deviceID, p.GUID) {
					return nvidia.PresetDesc{}, fmt.Errorf("forced preset %q denylisted on device %d: %w",
						p.Name, deviceID, ErrNoPresetAvailable)
				}
				r.logger.Debug().
					Int(log.FieldDevice, deviceID).
					Str(log.FieldPreset, p.Name).
					Msg("preset forced by configuration")
				return p, nil
			}
		}
		return nvidia.PresetDesc{}, fmt.Errorf("forced preset %q not offered: %w",
			r.cfg.PresetOverride, ErrNoPresetAvailable)
	}

	best := nvidia.PresetDesc{}
	bestScore := 0
	found := false
	for _, p := range cap.Presets {
		if r.reg.IsDenylisted(deviceID, p.GUID) {
			continue
		}
		score := presetScore(p, speed, quality, lossless)
		// strict comparison keeps the earliest GUID on ties
		if !found || score < bestScore {
			best, bestScore, found = p, score, true
		}
	}
	if !found {
		return nvidia.PresetDesc{}, fmt.Errorf("device %d has no usable preset for %s: %w",
			deviceID, cap.Codec.Name, ErrNoPresetAvailable)
	}
	r.logger.Debug().
		Int(log.FieldDevice, deviceID).
		Str(log.FieldPreset, best.Name).
		Int(log.FieldSpeed, speed).
		Int(log.FieldQuality, quality).
		Bool("lossless", lossless).
		Int("score", bestScore).
		Msg("preset resolved")
	return best, nil
}

func presetScore(p nvidia.PresetDesc, speed, quality int, lossless bool) int {
	score := speedWeight*abs(p.Speed-speed) + qualityWeight*abs(p.Quality-quality)
	if p.Lossless == lossless {
		score -= losslessBonus
	}
	return score
}

// Tuning derives the tuning hint independently of the preset: lossless wins,
// then latency by speed band, then quality.
func Tuning(speed int, lossless bool) string {
	switch {
	case lossless:
		return "lossless"
	case speed > 80:
		return "ultra-low-latency"
	case speed >= 50:
		return "low-latency"
	default:
		return "high-quality"
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
