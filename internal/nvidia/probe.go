// SPDX-License-Identifier: MIT

package nvidia

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/screenflux/screenflux/internal/log"
	metrics "github.com/screenflux/screenflux/internal/metrics/encoder"
)

// Capability is the probed surface of one (device, codec) pair. Read-only
// after probe; cached for the process lifetime.
type Capability struct {
	Device   int
	Codec    CodecDesc
	Presets  []PresetDesc
	Profiles []string
	Caps     Caps
}

// Probe performs one-time capability discovery: for each (device, codec) it
// opens a throwaway session, queries codecs, presets, profiles, input
// formats and capability flags, and caches the result. Probing a device
// never crashes the process; a failed probe removes the device from the
// usable set.
type Probe struct {
	reg    *Registry
	api    EncodeAPI
	logger zerolog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]Capability

	keyOnce sync.Once
	key     string
	keyErr  error
}

// NewProbe creates a capability probe over the registry and encode API.
func NewProbe(reg *Registry, api EncodeAPI) *Probe {
	return &Probe{
		reg:    reg,
		api:    api,
		logger: log.WithComponent("capability-probe"),
		cache:  make(map[string]Capability),
	}
}

// Key returns the validated activation key, trying the candidate list
// (environment, key files, "no key") once per process. The first accepted
// key is reused unconditionally thereafter. If every candidate is rejected
// with an authorization status the module cannot initialize; a transient
// failure is reported as retryable instead.
func (p *Probe) Key(deviceID int) (string, error) {
	p.keyOnce.Do(func() {
		p.key, p.keyErr = p.validateKeys(deviceID)
	})
	return p.key, p.keyErr
}

func (p *Probe) validateKeys(deviceID int) (string, error) {
	candidates := LicenseKeys()
	var lastErr error
	for _, key := range candidates {
		sess, ctx, err := p.openThrowaway(deviceID, key)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrAuthorization) {
				continue
			}
			// transient or config errors are not a key verdict
			return "", fmt.Errorf("key validation: %w", err)
		}
		p.closeThrowaway(deviceID, sess, ctx)
		masked := "none"
		if key != "" {
			masked = "****" + key[max(0, len(key)-4):]
		}
		p.logger.Info().Str("client_key", masked).Msg("activation key accepted")
		return key, nil
	}
	return "", fmt.Errorf("no activation key accepted: %w", lastErr)
}

// Probe discovers the capability surface of (device, codec). Concurrent
// callers for the same pair are deduplicated; results are cached globally.
func (p *Probe) Probe(deviceID int, codec string) (Capability, error) {
	cacheKey := strconv.Itoa(deviceID) + "/" + codec
	p.mu.Lock()
	if cap, ok := p.cache[cacheKey]; ok {
		p.mu.Unlock()
		return cap, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(cacheKey, func() (any, error) {
		cap, err := p.probeOne(deviceID, codec)
		if err != nil {
			return Capability{}, err
		}
		p.mu.Lock()
		p.cache[cacheKey] = cap
		p.mu.Unlock()
		return cap, nil
	})
	if err != nil {
		return Capability{}, err
	}
	return v.(Capability), nil
}

func (p *Probe) probeOne(deviceID int, codec string) (cap Capability, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic on device %d: %v: %w", deviceID, r, ErrTransientDevice)
		}
		if err != nil {
			p.logger.Warn().Err(err).
				Int(log.FieldDevice, deviceID).
				Str(log.FieldCodec, codec).
				Msg("capability probe failed")
			if !errors.Is(err, ErrAuthorization) {
				p.reg.Remove(deviceID)
			}
		} else {
			metrics.ProbeDuration.WithLabelValues(strconv.Itoa(deviceID), codec).
				Observe(time.Since(start).Seconds())
		}
	}()

	key, err := p.Key(deviceID)
	if err != nil {
		return Capability{}, err
	}
	sess, ctx, err := p.openThrowaway(deviceID, key)
	if err != nil {
		return Capability{}, err
	}
	defer p.closeThrowaway(deviceID, sess, ctx)

	codecs, err := sess.Codecs()
	if err != nil {
		return Capability{}, fmt.Errorf("query codecs: %w", err)
	}
	var desc CodecDesc
	found := false
	for _, c := range codecs {
		if c.Name == codec {
			desc, found = c, true
			break
		}
	}
	if !found {
		return Capability{}, fmt.Errorf("codec %q not offered by device %d: %w", codec, deviceID, ErrInvalidConfig)
	}

	presets, err := sess.Presets(codec)
	if err != nil {
		return Capability{}, fmt.Errorf("query presets: %w", err)
	}
	profiles, err := sess.Profiles(codec)
	if err != nil {
		return Capability{}, fmt.Errorf("query profiles: %w", err)
	}
	caps, err := sess.Caps(codec)
	if err != nil {
		return Capability{}, fmt.Errorf("query caps: %w", err)
	}

	cap = Capability{
		Device:   deviceID,
		Codec:    desc,
		Presets:  presets,
		Profiles: profiles,
		Caps:     caps,
	}
	p.logger.Info().
		Int(log.FieldDevice, deviceID).
		Str(log.FieldCodec, codec).
		Int("presets", len(presets)).
		Bool("yuv444", caps.YUV444).
		Bool("lossless", caps.Lossless).
		Bool("intra_refresh", caps.IntraRefresh).
		Str("max_size", fmt.Sprintf("%dx%d", caps.MaxWidth, caps.MaxHeight)).
		Msg("capability surface probed")
	return cap, nil
}

// Cached returns the already-probed capabilities, for diagnostics.
func (p *Probe) Cached() []Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Capability, 0, len(p.cache))
	for _, cap := range p.cache {
		out = append(out, cap)
	}
	return out
}

func (p *Probe) openThrowaway(deviceID int, key string) (EncodeSession, ComputeContext, error) {
	var sess EncodeSession
	var ctx ComputeContext
	err := p.reg.WithDeviceLock(deviceID, func() error {
		var err error
		ctx, err = p.reg.driver.CreateContext(deviceID)
		if err != nil {
			return fmt.Errorf("create compute context: %w", err)
		}
		sess, err = p.api.OpenSession(deviceID, ctx, key)
		if err != nil {
			_ = ctx.Destroy()
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, ctx, nil
}

func (p *Probe) closeThrowaway(deviceID int, sess EncodeSession, ctx ComputeContext) {
	// best-effort teardown: log and continue
	err := p.reg.WithDeviceLock(deviceID, func() error {
		if err := sess.Destroy(); err != nil {
			p.logger.Debug().Err(err).Int(log.FieldDevice, deviceID).Msg("probe session teardown failed")
		}
		return ctx.Destroy()
	})
	if err != nil {
		p.logger.Debug().Err(err).Int(log.FieldDevice, deviceID).Msg("probe context teardown failed")
	}
}
