// SPDX-License-Identifier: MIT

// Package config holds the read-once configuration surface of the encoder
// subsystem. Every knob is resolved at module or session init time; nothing
// here is consulted on the per-frame path.
package config

import "time"

// Encoder captures the tunables of the hardware encoder subsystem.
type Encoder struct {
	// SubsamplingThreshold is the quality percentage at or above which
	// chroma subsampling is disabled and 4:4:4 output is used.
	SubsamplingThreshold int

	// NativeRGB prefers direct packed-RGB import over a conversion kernel
	// for source formats the hardware accepts directly.
	NativeRGB bool

	// EnabledFormats restricts the accepted source pixel formats.
	// Empty means all supported formats are enabled.
	EnabledFormats []string

	// DeviceMemcopy enables device-to-device copies for sources that
	// already expose a device-resident buffer.
	DeviceMemcopy bool

	// ContextLimit is the soft limit of concurrent hardware encode
	// contexts per device. Enforced through suitability scoring.
	ContextLimit int

	// ThreadedInit runs heavy session setup on a background task; callers
	// must poll readiness before submitting frames.
	ThreadedInit bool

	// PresetOverride forces a named hardware preset, bypassing scoring.
	PresetOverride string

	// TuningOverride forces a tuning hint, bypassing derivation.
	TuningOverride string

	// MinFreeMemoryPct deprioritizes devices below this free-memory
	// percentage during selection.
	MinFreeMemoryPct int

	// FailureBackoff is how long a device is discounted after a
	// transient failure.
	FailureBackoff time.Duration

	// DebugDump writes every compressed frame to DumpDir.
	DebugDump bool
	DumpDir   string

	// YUV444Threshold replaces SubsamplingThreshold for downscaled output.
	// Scaling resamples chroma anyway, so 4:4:4 has to earn its bitrate
	// with a higher quality target.
	YUV444Threshold int

	// CleanupWorkers bounds the background teardown pool.
	CleanupWorkers int
}

// DefaultEncoder returns the built-in defaults, before environment overrides.
func DefaultEncoder() Encoder {
	return Encoder{
		SubsamplingThreshold: 80,
		NativeRGB:            true,
		DeviceMemcopy:        true,
		ContextLimit:         32,
		ThreadedInit:         true,
		MinFreeMemoryPct:     10,
		FailureBackoff:       60 * time.Second,
		DumpDir:              "/tmp/screenflux-dump",
		YUV444Threshold:      85,
		CleanupWorkers:       2,
	}
}

// FromEnv resolves the encoder configuration from the environment on top of
// the defaults. Called once at module init.
func FromEnv() Encoder {
	def := DefaultEncoder()
	return Encoder{
		SubsamplingThreshold: ParseInt("SFX_SUBSAMPLING_THRESHOLD", def.SubsamplingThreshold),
		NativeRGB:            ParseBool("SFX_NATIVE_RGB", def.NativeRGB),
		EnabledFormats:       ParseStringList("SFX_ENABLED_FORMATS"),
		DeviceMemcopy:        ParseBool("SFX_DEVICE_MEMCOPY", def.DeviceMemcopy),
		ContextLimit:         ParseInt("SFX_CONTEXT_LIMIT", def.ContextLimit),
		ThreadedInit:         ParseBool("SFX_THREADED_INIT", def.ThreadedInit),
		PresetOverride:       ParseString("SFX_PRESET", ""),
		TuningOverride:       ParseString("SFX_TUNING", ""),
		MinFreeMemoryPct:     ParseInt("SFX_MIN_FREE_MEMORY", def.MinFreeMemoryPct),
		FailureBackoff:       ParseDuration("SFX_FAILURE_BACKOFF", def.FailureBackoff),
		DebugDump:            ParseBool("SFX_DEBUG_DUMP", false),
		DumpDir:              ParseString("SFX_DUMP_DIR", def.DumpDir),
		YUV444Threshold:      ParseInt("SFX_YUV444_THRESHOLD", def.YUV444Threshold),
		CleanupWorkers:       ParseInt("SFX_CLEANUP_WORKERS", def.CleanupWorkers),
	}
}
