// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrefs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDevicePrefs(t *testing.T) {
	path := writePrefs(t, `
enabled-devices: ["0", "GeForce"]
disabled-devices: ["1"]
device-name: GeForce
load-balancing: round-robin
`)
	prefs, err := LoadDevicePrefs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "GeForce"}, prefs.EnabledDevices)
	assert.Equal(t, "GeForce", prefs.DeviceName)
	assert.Equal(t, "round-robin", prefs.LoadBalancing)
}

func TestLoadDevicePrefs_MissingFileIsEmpty(t *testing.T) {
	prefs, err := LoadDevicePrefs(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DevicePrefs{}, prefs)
}

func TestLoadDevicePrefs_UnknownFieldRejected(t *testing.T) {
	path := writePrefs(t, "devcie-id: 3\n")
	_, err := LoadDevicePrefs(path)
	assert.ErrorIs(t, err, ErrUnknownPrefsField)
}

func TestLoadDevicePrefs_InvalidLoadBalancingFallsBack(t *testing.T) {
	path := writePrefs(t, "load-balancing: fastest\n")
	prefs, err := LoadDevicePrefs(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", prefs.LoadBalancing)
}

func TestDevicePrefs_Allows(t *testing.T) {
	tests := []struct {
		name  string
		prefs DevicePrefs
		want  bool
	}{
		{"empty allows all", DevicePrefs{}, true},
		{"disabled by id", DevicePrefs{DisabledDevices: []string{"0"}}, false},
		{"disabled by name", DevicePrefs{DisabledDevices: []string{"GeForce RTX"}}, false},
		{"disabled all", DevicePrefs{DisabledDevices: []string{"all"}}, false},
		{"enabled list match", DevicePrefs{EnabledDevices: []string{"0000:01:00.0"}}, true},
		{"enabled list miss", DevicePrefs{EnabledDevices: []string{"9"}}, false},
		{"enabled all", DevicePrefs{EnabledDevices: []string{"all"}}, true},
		{"enabled none", DevicePrefs{EnabledDevices: []string{"none"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.prefs.Allows(0, "GeForce RTX", "0000:01:00.0")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDevicePrefsFromEnv(t *testing.T) {
	t.Setenv("SFX_DEVICE_PREFS", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("SFX_CUDA_DEVICE_ID", "2")
	t.Setenv("SFX_CUDA_LOAD_BALANCING", "round-robin")
	t.Setenv("SFX_CUDA_DISABLED_DEVICES", "1,3")

	prefs, err := DevicePrefsFromEnv()
	require.NoError(t, err)
	require.NotNil(t, prefs.DeviceID)
	assert.Equal(t, 2, *prefs.DeviceID)
	assert.Equal(t, "round-robin", prefs.LoadBalancing)
	assert.Equal(t, []string{"1", "3"}, prefs.DisabledDevices)
}
