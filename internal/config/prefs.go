// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/screenflux/screenflux/internal/log"
)

// DevicePrefs mirrors the optional devices.yaml preferences file. It scopes
// which GPUs may be used and how a device is picked when several qualify.
type DevicePrefs struct {
	// EnabledDevices / DisabledDevices match device ids, names or PCI bus
	// ids. "all" and "none" are recognized in either list.
	EnabledDevices  []string `yaml:"enabled-devices"`
	DisabledDevices []string `yaml:"disabled-devices"`

	// DeviceID pins selection to a single device.
	DeviceID *int `yaml:"device-id"`

	// DeviceName prefers the first device whose name contains this string.
	DeviceName string `yaml:"device-name"`

	// LoadBalancing is "memory" (default) or "round-robin".
	LoadBalancing string `yaml:"load-balancing"`
}

// ErrUnknownPrefsField classifies strict YAML parse failures caused by
// unknown keys. Use errors.Is instead of string matching.
var ErrUnknownPrefsField = errors.New("unknown device prefs field")

// LoadDevicePrefs reads devices.yaml from the given path. A missing file is
// not an error: it yields empty prefs.
func LoadDevicePrefs(path string) (DevicePrefs, error) {
	var prefs DevicePrefs
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return prefs, nil
		}
		return prefs, fmt.Errorf("read device prefs: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&prefs); err != nil {
		return DevicePrefs{}, fmt.Errorf("%w: parse %s: %v", ErrUnknownPrefsField, path, err)
	}

	switch prefs.LoadBalancing {
	case "", "memory", "round-robin":
	default:
		logger := log.WithComponent("config")
		logger.Warn().
			Str("value", prefs.LoadBalancing).
			Msg("invalid load-balancing value, falling back to memory")
		prefs.LoadBalancing = "memory"
	}
	return prefs, nil
}

// DevicePrefsFromEnv builds prefs from SFX_CUDA_* environment variables,
// falling back to the devices.yaml file referenced by SFX_DEVICE_PREFS.
func DevicePrefsFromEnv() (DevicePrefs, error) {
	prefs, err := LoadDevicePrefs(ParseString("SFX_DEVICE_PREFS", "devices.yaml"))
	if err != nil {
		return prefs, err
	}
	if v := ParseStringList("SFX_CUDA_ENABLED_DEVICES"); v != nil {
		prefs.EnabledDevices = v
	}
	if v := ParseStringList("SFX_CUDA_DISABLED_DEVICES"); v != nil {
		prefs.DisabledDevices = v
	}
	if v := ParseString("SFX_CUDA_DEVICE_ID", ""); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			prefs.DeviceID = &id
		}
	}
	if v := ParseString("SFX_CUDA_DEVICE_NAME", ""); v != "" {
		prefs.DeviceName = v
	}
	if v := ParseString("SFX_CUDA_LOAD_BALANCING", ""); v != "" {
		prefs.LoadBalancing = v
	}
	return prefs, nil
}

// Allows returns whether the given device (id, name, PCI bus id) passes the
// enabled/disabled lists.
func (p DevicePrefs) Allows(id int, name, busID string) bool {
	if matchesList(p.DisabledDevices, id, name, busID) {
		return false
	}
	if len(p.EnabledDevices) == 0 {
		return true
	}
	for _, e := range p.EnabledDevices {
		if e == "all" {
			return true
		}
		if e == "none" {
			return false
		}
	}
	return matchesList(p.EnabledDevices, id, name, busID)
}

func matchesList(list []string, id int, name, busID string) bool {
	idStr := strconv.Itoa(id)
	for _, entry := range list {
		if entry == "all" {
			return true
		}
		if entry == idStr || entry == name || entry == busID {
			return true
		}
	}
	return false
}
