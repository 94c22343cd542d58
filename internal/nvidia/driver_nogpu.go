//go:build !gpu
// +build !gpu

// SPDX-License-Identifier: MIT

package nvidia

import "fmt"

// DefaultDriver is a stub for builds without the native shim library.
// Binaries built without the "gpu" tag report the hardware encoder as
// unavailable and the orchestrator falls back to a software codec.
func DefaultDriver() (Driver, EncodeAPI, error) {
	return nil, nil, fmt.Errorf("built without gpu support: %w", ErrNoDevice)
}
