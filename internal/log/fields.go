// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldComponent = "component"

	// Device fields
	FieldDevice     = "device"
	FieldDeviceName = "device_name"
	FieldGeneration = "generation"

	// Encoder fields
	FieldCodec      = "codec"
	FieldPreset     = "preset"
	FieldTuning     = "tuning"
	FieldProfile    = "profile"
	FieldResolution = "resolution"
	FieldFormat     = "format"
	FieldFrame      = "frame"

	// Knob fields
	FieldSpeed   = "speed"
	FieldQuality = "quality"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
