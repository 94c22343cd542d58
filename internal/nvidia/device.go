// SPDX-License-Identifier: MIT

package nvidia

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/log"
	metrics "github.com/screenflux/screenflux/internal/metrics/encoder"
)

// minComputeCapability rejects devices older than SM 3.0.
const minComputeCapability = 0x30

// Registry owns all process-lifetime device state: the usable device set,
// per-device active-context counts, generation counters, the bad-preset
// denylist and transient-failure timestamps. It is an explicitly owned
// object so tests inject a fresh one; production wiring keeps a single
// instance for the process lifetime.
type Registry struct {
	driver Driver
	prefs  config.DevicePrefs
	cfg    config.Encoder
	logger zerolog.Logger

	mu      sync.Mutex
	devices map[int]*deviceState
	order   []int // usable ids, enumeration order
	rr      int   // round-robin cursor
	once    sync.Once
}

type deviceState struct {
	info DeviceInfo

	// lock serializes hardware context creation/destruction on this device
	// to prevent races in the driver's session table.
	lock sync.Mutex

	active      int
	generation  uint64
	denylist    map[string]struct{}
	lastFailure time.Time
	removed     bool
}

// NewRegistry creates a device registry over the given driver.
func NewRegistry(driver Driver, prefs config.DevicePrefs, cfg config.Encoder) *Registry {
	return &Registry{
		driver:  driver,
		prefs:   prefs,
		cfg:     cfg,
		logger:  log.WithComponent("device-registry"),
		devices: make(map[int]*deviceState),
	}
}

// Enumerate returns the usable device ids. Devices that fail driver init or
// the usability check are filtered out and logged; enumeration never
// panics. The discovery runs once per registry.
func (r *Registry) Enumerate() []int {
	r.once.Do(r.discover)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.order))
	for _, id := range r.order {
		if st := r.devices[id]; st != nil && !st.removed {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) discover() {
	if err := r.driver.Init(); err != nil {
		r.logger.Warn().Err(err).Msg("cannot initialize GPU runtime")
		return
	}
	infos, err := r.driver.Devices()
	if err != nil {
		r.logger.Warn().Err(err).Msg("device enumeration failed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range infos {
		if !r.prefs.Allows(info.ID, info.Name, info.PCIBusID) {
			r.logger.Debug().
				Int(log.FieldDevice, info.ID).
				Str(log.FieldDeviceName, info.Name).
				Msg("device excluded by preferences")
			continue
		}
		if !r.usable(info) {
			continue
		}
		r.devices[info.ID] = &deviceState{
			info:     info,
			denylist: make(map[string]struct{}),
		}
		r.order = append(r.order, info.ID)
		free, total, _ := r.driver.MemoryInfo(info.ID)
		pct := int64(0)
		if total > 0 {
			pct = int64(100 * free / total)
		}
		r.logger.Info().
			Int(log.FieldDevice, info.ID).
			Str(log.FieldDeviceName, info.Name).
			Str("pci_bus_id", info.PCIBusID).
			Int64("free_memory_pct", pct).
			Int("compute_major", info.ComputeMajor).
			Int("compute_minor", info.ComputeMinor).
			Msg("device registered")
	}
	sort.Ints(r.order)
}

func (r *Registry) usable(info DeviceInfo) bool {
	if !info.CanMapHostMemory {
		r.logger.Warn().
			Int(log.FieldDevice, info.ID).
			Str(log.FieldDeviceName, info.Name).
			Msg("skipping device (cannot map host memory)")
		return false
	}
	if info.ComputeCapability() < minComputeCapability {
		r.logger.Info().
			Int(log.FieldDevice, info.ID).
			Str(log.FieldDeviceName, info.Name).
			Msg("skipping device (compute capability too old)")
		return false
	}
	// a context round-trip proves the runtime can actually drive the device
	ctx, err := r.driver.CreateContext(info.ID)
	if err != nil {
		r.logger.Warn().Err(err).
			Int(log.FieldDevice, info.ID).
			Msg("skipping device (context creation failed)")
		return false
	}
	if err := ctx.Destroy(); err != nil {
		r.logger.Debug().Err(err).Int(log.FieldDevice, info.ID).Msg("context teardown failed")
	}
	return true
}

// Driver exposes the underlying GPU runtime for context creation. Callers
// must hold the device lock while creating or destroying contexts.
func (r *Registry) Driver() Driver {
	return r.driver
}

// Info returns the device description.
func (r *Registry) Info(id int) (DeviceInfo, bool) {
	r.once.Do(r.discover)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok || st.removed {
		return DeviceInfo{}, false
	}
	return st.info, true
}

// Remove drops a device from the usable set after a probe or init failure.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.devices[id]; ok {
		st.removed = true
		r.logger.Warn().Int(log.FieldDevice, id).Msg("device removed from usable set")
	}
}

// WithDeviceLock runs fn while holding the per-device hardware lock. All
// encode context creation and destruction on a device goes through here.
func (r *Registry) WithDeviceLock(id int, fn func() error) error {
	st, err := r.state(id)
	if err != nil {
		return err
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	return fn()
}

// AcquireContext registers a new active hardware context on the device and
// returns its generation number.
func (r *Registry) AcquireContext(id int, codec string) (uint64, error) {
	st, err := r.state(id)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st.active++
	st.generation++
	metrics.SetActiveSessions(st.info.Name, codec, st.active)
	if st.active > r.cfg.ContextLimit {
		r.logger.Warn().
			Int(log.FieldDevice, id).
			Int("active", st.active).
			Int("limit", r.cfg.ContextLimit).
			Msg("device over soft context limit")
	}
	return st.generation, nil
}

// ReleaseContext decrements the active-context count. Safe after Remove.
func (r *Registry) ReleaseContext(id int, codec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok {
		return
	}
	if st.active > 0 {
		st.active--
	}
	metrics.SetActiveSessions(st.info.Name, codec, st.active)
}

// ActiveContexts reports the number of active hardware contexts on a device.
func (r *Registry) ActiveContexts(id int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.devices[id]; ok {
		return st.active
	}
	return 0
}

// DenylistPreset records that the preset was rejected with an invalid
// parameter error on this device. The entry persists for the process
// lifetime.
func (r *Registry) DenylistPreset(id int, presetGUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok {
		return
	}
	st.denylist[presetGUID] = struct{}{}
	metrics.SetDenylistedPresets(st.info.Name, len(st.denylist))
	r.logger.Warn().
		Int(log.FieldDevice, id).
		Str(log.FieldPreset, presetGUID).
		Msg("preset denylisted for device")
}

// IsDenylisted reports whether the preset previously failed on this device.
func (r *Registry) IsDenylisted(id int, presetGUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok {
		return false
	}
	_, bad := st.denylist[presetGUID]
	return bad
}

// RecordFailure stamps a transient device failure so selection discounts
// the device until the backoff elapses.
func (r *Registry) RecordFailure(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.devices[id]; ok {
		st.lastFailure = time.Now()
	}
}

// RecordSuccess clears the transient-failure discount.
func (r *Registry) RecordSuccess(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.devices[id]; ok {
		st.lastFailure = time.Time{}
	}
}

// Select picks the device to open a new session on. Order of precedence:
// the pinned device id from preferences, the preferred device name, then
// the configured load-balancing policy. Memory balancing scores free-memory
// percentage discounted by context pressure and recent transient failures;
// the soft context limit steers selection but never hard-rejects.
func (r *Registry) Select() (int, error) {
	usable := r.Enumerate()
	if len(usable) == 0 {
		return -1, ErrNoDevice
	}
	if r.prefs.DeviceID != nil {
		for _, id := range usable {
			if id == *r.prefs.DeviceID {
				return id, nil
			}
		}
		r.logger.Warn().Int(log.FieldDevice, *r.prefs.DeviceID).Msg("pinned device not usable")
	}

	if r.prefs.LoadBalancing == "round-robin" {
		r.mu.Lock()
		id := usable[r.rr%len(usable)]
		r.rr++
		r.mu.Unlock()
		return id, nil
	}

	best, bestScore := -1, -1.0
	for _, id := range usable {
		score := r.suitability(id)
		if r.prefs.DeviceName != "" {
			if info, ok := r.Info(id); ok && containsFold(info.Name, r.prefs.DeviceName) {
				return id, nil
			}
		}
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	if best < 0 {
		return -1, ErrNoDevice
	}
	return best, nil
}

// suitability scores a device for new sessions: free memory percentage,
// minus context pressure beyond the soft limit, minus a flat discount while
// the failure backoff is running.
func (r *Registry) suitability(id int) float64 {
	free, total, err := r.driver.MemoryInfo(id)
	score := 0.0
	if err == nil && total > 0 {
		score = float64(100 * free / total)
	}
	if score < float64(r.cfg.MinFreeMemoryPct) {
		score -= 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok {
		return -1e9
	}
	if over := st.active - r.cfg.ContextLimit; over >= 0 {
		score -= 50 + float64(over)*10
	}
	if !st.lastFailure.IsZero() && time.Since(st.lastFailure) < r.cfg.FailureBackoff {
		score -= 25
	}
	return score
}

func (r *Registry) state(id int) (*deviceState, error) {
	r.once.Do(r.discover)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.devices[id]
	if !ok || st.removed {
		return nil, fmt.Errorf("device %d: %w", id, ErrNoDevice)
	}
	return st, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
