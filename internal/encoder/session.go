// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/log"
	metrics "github.com/screenflux/screenflux/internal/metrics/encoder"
	"github.com/screenflux/screenflux/internal/nvidia"
)

// State is the session lifecycle position. Transitions are one-way except
// Encoding, which returns to Ready after each frame.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateEncoding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateEncoding:
		return "encoding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// losslessThreshold is the quality value at which full lossless mode is
// forced; qualityStep bounds how far one set-quality call may move the knob
// below the threshold (edge resistance, symmetric for raises and drops).
const (
	losslessThreshold = 100
	qualityStep       = 10
)

// Options are the per-session knobs passed at creation.
type Options struct {
	Speed    int
	Quality  int
	Lossless bool

	// ScaledWidth/ScaledHeight request downscaled output. Zero means
	// encode at capture size.
	ScaledWidth  int
	ScaledHeight int
}

// CompressedFrame is one encoded frame: bytes plus the transport metadata
// map. Ownership transfers to the caller.
type CompressedFrame struct {
	Data     []byte
	Metadata map[string]any
}

// Session is the per-stream encoder object. It owns one hardware encode
// context, one compute context and the conversion pipeline's buffer triple.
// Exactly one producer drives it at a time; Compress is not re-entrant.
type Session struct {
	id       string
	reg      *nvidia.Registry
	probe    *nvidia.Probe
	api      nvidia.EncodeAPI
	cfg      config.Encoder
	resolver *Resolver
	cleaner  *Cleaner
	logger   zerolog.Logger

	codec     string
	srcFormat PixelFormat
	width     int // logical capture dimensions
	height    int
	encW      int // output dimensions, smaller when downscaling
	encH      int
	scaled    bool

	initDone chan struct{}
	encoding sync.WaitGroup // tracks the in-flight Compress call

	mu           sync.Mutex
	state        State
	speed        int
	quality      int
	lossless     bool // requested
	trueLossless bool // achievable on this device
	deviceID     int
	generation   uint64
	caps         nvidia.Caps
	preset       nvidia.PresetDesc
	tuning       string
	profile      string
	ctx          nvidia.ComputeContext
	enc          nvidia.EncodeSession
	pipeline     *Pipeline
	resource     nvidia.RegisteredResource
	writer       *Writer
	frameIndex   uint64
	baseTS       time.Time
	initErr      error
	cleaned      bool
}

// Open validates the request and creates a session. The source format is
// checked before any device resource is touched. With threaded init enabled
// heavy setup runs in the background and the caller polls Ready or blocks in
// WaitReady before submitting frames; otherwise Open blocks until the
// session is ready or failed.
func Open(reg *nvidia.Registry, probe *nvidia.Probe, api nvidia.EncodeAPI, cfg config.Encoder,
	cleaner *Cleaner, codec string, width, height int, formatName string, opts Options) (*Session, error) {

	srcFormat, err := ParsePixelFormat(formatName)
	if err != nil {
		metrics.RecordError(codec, nvidia.Reason(err))
		return nil, err
	}
	if len(cfg.EnabledFormats) > 0 && !formatEnabled(cfg.EnabledFormats, formatName) {
		err := fmt.Errorf("source format %q disabled by configuration: %w", formatName, nvidia.ErrInvalidConfig)
		metrics.RecordError(codec, nvidia.Reason(err))
		return nil, err
	}
	if width <= 0 || height <= 0 {
		err := fmt.Errorf("invalid dimensions %dx%d: %w", width, height, nvidia.ErrInvalidConfig)
		metrics.RecordError(codec, nvidia.Reason(err))
		return nil, err
	}

	encW, encH := width, height
	scaled := false
	if opts.ScaledWidth > 0 && opts.ScaledHeight > 0 &&
		(opts.ScaledWidth < width || opts.ScaledHeight < height) {
		encW, encH = opts.ScaledWidth, opts.ScaledHeight
		scaled = true
	}

	s := &Session{
		id:        uuid.NewString(),
		reg:       reg,
		probe:     probe,
		api:       api,
		cfg:       cfg,
		resolver:  NewResolver(reg, cfg),
		cleaner:   cleaner,
		codec:     codec,
		srcFormat: srcFormat,
		width:     width,
		height:    height,
		encW:      encW,
		encH:      encH,
		scaled:    scaled,
		initDone:  make(chan struct{}),
		state:     StateCreated,
		speed:     clampKnob(opts.Speed),
		quality:   clampKnob(opts.Quality),
		lossless:  opts.Lossless,
		deviceID:  -1,
	}
	if s.quality >= losslessThreshold {
		s.lossless = true
	}
	s.logger = log.WithComponent("encoder-session").With().
		Str(log.FieldSessionID, s.id).
		Str(log.FieldCodec, codec).
		Logger()

	if cfg.ThreadedInit {
		s.setState(StateInitializing)
		go s.initialize()
		return s, nil
	}
	s.initialize()
	if s.initErr != nil {
		return nil, s.initErr
	}
	return s, nil
}

func formatEnabled(enabled []string, name string) bool {
	for _, f := range enabled {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// setState transitions the session state under the lock.
func (s *Session) setState(next State) {
	s.mu.Lock()
	s.transitionLocked(next)
	s.mu.Unlock()
}

// transitionLocked records a state change. Callers must hold s.mu. The per
// frame Ready/Encoding flip bypasses this to keep the hot path quiet.
func (s *Session) transitionLocked(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug().
		Str(log.FieldOldState, s.state.String()).
		Str(log.FieldNewState, next.String()).
		Msg("session state change")
	s.state = next
}

func clampKnob(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// initialize performs the heavy setup: device selection, capability lookup,
// preset resolution, context and session creation, buffer allocation and
// encoder configuration. Runs on the caller or a background task.
func (s *Session) initialize() {
	defer close(s.initDone)

	deviceID, err := s.reg.Select()
	if err != nil {
		s.failInit(fmt.Errorf("device selection: %w", err))
		return
	}
	capability, err := s.probe.Probe(deviceID, s.codec)
	if err != nil {
		s.failInit(fmt.Errorf("capability probe: %w", err))
		return
	}
	if s.encW > capability.Caps.MaxWidth || s.encH > capability.Caps.MaxHeight {
		s.failInit(fmt.Errorf("%dx%d exceeds device maximum %dx%d: %w",
			s.encW, s.encH, capability.Caps.MaxWidth, capability.Caps.MaxHeight, nvidia.ErrInvalidConfig))
		return
	}

	s.mu.Lock()
	target, trueLossless := TargetLayout(capability.Caps, s.srcFormat, s.quality, s.lossless, s.scaled, s.cfg)
	if s.lossless && !trueLossless {
		// no lossless support: fall back to best lossy quality, silently
		s.lossless = false
		if s.quality > 99 {
			s.quality = 99
		}
	}
	s.trueLossless = trueLossless
	speed, quality, lossless := s.speed, s.quality, s.lossless
	s.mu.Unlock()

	preset, err := s.resolver.Resolve(deviceID, capability, speed, quality, lossless)
	if err != nil {
		s.failInit(err)
		return
	}
	tuning := s.cfg.TuningOverride
	if tuning == "" {
		tuning = Tuning(speed, trueLossless)
	}
	profile := chooseProfile(capability.Profiles, target)
	paddedW, paddedH := PaddedSize(s.encW, s.encH)
	rc := RateControlFor(speed, quality, trueLossless, s.encW, s.encH, target)

	key, err := s.probe.Key(deviceID)
	if err != nil {
		s.failInit(fmt.Errorf("activation key: %w", err))
		return
	}

	var ctx nvidia.ComputeContext
	var enc nvidia.EncodeSession
	var pipeline *Pipeline
	var resource nvidia.RegisteredResource
	err = s.reg.WithDeviceLock(deviceID, func() error {
		var err error
		ctx, err = s.reg.Driver().CreateContext(deviceID)
		if err != nil {
			return fmt.Errorf("create compute context: %w", err)
		}
		fail := func(cause error) error {
			_ = ctx.Destroy()
			return cause
		}
		if err := ctx.Push(); err != nil {
			return fail(fmt.Errorf("make context current: %w", err))
		}
		defer func() {
			_ = ctx.Pop()
		}()

		enc, err = s.api.OpenSession(deviceID, ctx, key)
		if err != nil {
			return fail(fmt.Errorf("open encode session: %w", err))
		}
		failSess := func(cause error) error {
			_ = enc.Destroy()
			return fail(cause)
		}

		err = enc.Configure(nvidia.SessionConfig{
			Codec:         s.codec,
			PresetGUID:    preset.GUID,
			Tuning:        tuning,
			Profile:       profile,
			Format:        target,
			Width:         paddedW,
			Height:        paddedH,
			DisplayWidth:  s.encW,
			DisplayHeight: s.encH,
			RateControl:   rc,
		})
		if err != nil {
			if errors.Is(err, nvidia.ErrInvalidConfig) {
				s.reg.DenylistPreset(deviceID, preset.GUID)
			}
			return failSess(fmt.Errorf("configure session: %w", err))
		}

		pipeline, err = NewPipeline(ctx, s.cfg, s.logger, s.srcFormat, target,
			s.width, s.height, s.encW, s.encH)
		if err != nil {
			return failSess(err)
		}
		resource, err = enc.RegisterInput(pipeline.Output())
		if err != nil {
			pipeline.Close()
			return failSess(fmt.Errorf("register output buffer: %w", err))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, nvidia.ErrTransientDevice) {
			s.reg.RecordFailure(deviceID)
		}
		s.failInit(err)
		return
	}

	generation, err := s.reg.AcquireContext(deviceID, s.codec)
	if err != nil {
		s.failInit(err)
		return
	}

	s.mu.Lock()
	s.deviceID = deviceID
	s.generation = generation
	s.caps = capability.Caps
	s.preset = preset
	s.tuning = tuning
	s.profile = profile
	s.ctx = ctx
	s.enc = enc
	s.pipeline = pipeline
	s.resource = resource
	s.writer = NewWriter(enc, s.logger)
	if s.cleaned {
		// Clean ran while init was in flight. Its teardown is parked on
		// initDone; leave the fresh resources for it and stay closed.
		s.mu.Unlock()
		s.logger.Debug().Msg("session cleaned during init")
		return
	}
	s.transitionLocked(StateReady)
	s.mu.Unlock()

	s.logger.Info().
		Int(log.FieldDevice, deviceID).
		Uint64(log.FieldGeneration, generation).
		Str(log.FieldPreset, preset.Name).
		Str(log.FieldTuning, tuning).
		Str(log.FieldProfile, profile).
		Str(log.FieldFormat, target.String()).
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", s.encW, s.encH)).
		Bool("lossless", trueLossless).
		Msg("encoder session ready")
}

func (s *Session) failInit(err error) {
	metrics.RecordError(s.codec, nvidia.Reason(err))
	s.mu.Lock()
	s.initErr = err
	s.transitionLocked(StateClosed)
	s.mu.Unlock()
	s.logger.Warn().Err(err).Msg("encoder session init failed")
}

// chooseProfile picks a codec profile matching the buffer layout: a 4:4:4
// layout needs a 444 profile, otherwise the strongest standard profile wins.
func chooseProfile(profiles []string, target nvidia.BufferFormat) string {
	if target != nvidia.FormatNV12 {
		for _, p := range profiles {
			if strings.Contains(p, "444") {
				return p
			}
		}
	}
	for _, want := range []string{"high", "main", "baseline"} {
		for _, p := range profiles {
			if p == want {
				return p
			}
		}
	}
	if len(profiles) > 0 {
		return profiles[0]
	}
	return ""
}

// Ready reports whether the session finished initializing. A failed init
// returns the stored error.
func (s *Session) Ready() (bool, error) {
	select {
	case <-s.initDone:
	default:
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return false, s.initErr
	}
	return s.state != StateClosed, nil
}

// WaitReady blocks until init finishes or the context is cancelled.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.initDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr
}

// Compress pushes one captured frame through the conversion pipeline, encodes
// it and returns the bitstream with transport metadata. The first frame of a
// session is forced to a key frame and records the base timestamp; all later
// timestamps are relative to it. Calls must be serialized by the producer.
func (s *Session) Compress(frame Image) (*CompressedFrame, error) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.state = StateEncoding
		s.encoding.Add(1)
	case StateEncoding:
		s.mu.Unlock()
		return nil, fmt.Errorf("compress is not re-entrant: %w", nvidia.ErrProtocol)
	case StateClosed:
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed: %w", nvidia.ErrProtocol)
	default:
		s.mu.Unlock()
		return nil, fmt.Errorf("session not ready (%s): %w", s.state, nvidia.ErrProtocol)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateEncoding {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.encoding.Done()
	}()

	if frame.Format != s.srcFormat || frame.Width != s.width || frame.Height != s.height {
		return nil, fmt.Errorf("frame %s %dx%d does not match session %s %dx%d: %w",
			frame.Format, frame.Width, frame.Height,
			s.srcFormat, s.width, s.height, nvidia.ErrInvalidConfig)
	}

	start := time.Now()
	frameData, md, err := s.encodeFrame(frame)
	if err != nil {
		if errors.Is(err, nvidia.ErrTransientDevice) {
			s.reg.RecordFailure(s.deviceID)
		}
		metrics.RecordError(s.codec, nvidia.Reason(err))
		s.logger.Warn().Err(err).Uint64(log.FieldFrame, s.frameIndex).Msg("compress failed")
		return nil, err
	}
	s.reg.RecordSuccess(s.deviceID)

	picType := "delta"
	if t, ok := md["type"].(string); ok {
		picType = t
	}
	metrics.RecordFrame(s.codec, picType)
	metrics.RecordEncodeLatency(s.codec, s.pipeline.Target().String(),
		strconv.Itoa(s.deviceID), time.Since(start).Seconds())

	if s.cfg.DebugDump {
		if err := dumpFrame(s.cfg.DumpDir, s.id, md["frame"].(uint64), frameData); err != nil {
			s.logger.Debug().Err(err).Msg("debug dump failed")
		}
	}
	return &CompressedFrame{Data: frameData, Metadata: md}, nil
}

func (s *Session) encodeFrame(frame Image) (data []byte, md map[string]any, err error) {
	if err := s.ctx.Push(); err != nil {
		return nil, nil, fmt.Errorf("make context current: %w", err)
	}
	defer func() {
		if perr := s.ctx.Pop(); perr != nil && err == nil {
			err = fmt.Errorf("release context: %w", perr)
		}
	}()

	if err := s.pipeline.Upload(frame); err != nil {
		return nil, nil, err
	}
	if err := s.pipeline.Convert(); err != nil {
		return nil, nil, err
	}

	first := s.frameIndex == 0
	if first {
		ts := frame.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		s.baseTS = ts
	}
	pts := time.Duration(0)
	if !frame.Timestamp.IsZero() {
		pts = frame.Timestamp.Sub(s.baseTS)
	}
	if pts < 0 {
		pts = 0
	}

	pic := nvidia.Picture{
		Input:      s.resource,
		FrameIndex: s.frameIndex,
		PTS:        pts,
		ForceIDR:   first,
	}
	data, picType, err := s.writer.SubmitAndLock(pic)
	if err != nil {
		return nil, nil, err
	}
	s.frameIndex++

	md = map[string]any{
		"csc":        ColorspaceAlias(s.pipeline.Target()),
		"frame":      pic.FrameIndex,
		"pts":        pts.Milliseconds(),
		"full-range": frame.FullRange,
		"quality":    s.reportedQuality(),
	}
	if kernel := s.pipeline.KernelName(); kernel != "" {
		md["csc-kernel"] = kernel
	}
	if picType == "IDR" {
		md["type"] = "IDR"
	}
	if s.scaled {
		md["scaled-size"] = []int{s.encW, s.encH}
		md["scaling-quality"] = scalingQuality
	}
	return data, md, nil
}

// reportedQuality is 100 only for true lossless output, otherwise capped at
// 99 so decoders never mistake near-lossless for lossless.
func (s *Session) reportedQuality() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trueLossless {
		return 100
	}
	if s.quality > 99 {
		return 99
	}
	return s.quality
}

// SetSpeed updates the speed knob and reconfigures rate control in place.
func (s *Session) SetSpeed(v int) error {
	v = clampKnob(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("session closed: %w", nvidia.ErrProtocol)
	}
	if s.state != StateReady {
		return fmt.Errorf("session not ready (%s): %w", s.state, nvidia.ErrProtocol)
	}
	s.speed = v
	return s.reconfigureLocked()
}

// SetQuality updates the quality knob with edge resistance: below the
// lossless threshold the change is clamped to at most +/-10 units per call,
// symmetric for raises and drops, to avoid abrupt bitstream discontinuities.
// Quality at the threshold forces full lossless mode when the device
// supports it and silently stays at the best lossy quality otherwise.
func (s *Session) SetQuality(v int) error {
	v = clampKnob(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return fmt.Errorf("session closed: %w", nvidia.ErrProtocol)
	}
	if s.state != StateReady {
		return fmt.Errorf("session not ready (%s): %w", s.state, nvidia.ErrProtocol)
	}

	if v >= losslessThreshold && s.caps.Lossless {
		s.quality = losslessThreshold
		s.lossless = true
		s.trueLossless = true
		return s.reconfigureLocked()
	}
	if v > 99 {
		v = 99
	}
	delta := v - s.quality
	if delta > qualityStep {
		delta = qualityStep
	}
	if delta < -qualityStep {
		delta = -qualityStep
	}
	s.quality += delta
	s.lossless = false
	s.trueLossless = false
	return s.reconfigureLocked()
}

func (s *Session) reconfigureLocked() error {
	rc := RateControlFor(s.speed, s.quality, s.trueLossless, s.encW, s.encH, s.pipeline.Target())
	if err := s.enc.Reconfigure(rc); err != nil {
		return fmt.Errorf("reconfigure rate control: %w", err)
	}
	s.logger.Debug().
		Int(log.FieldSpeed, s.speed).
		Int(log.FieldQuality, s.quality).
		Bool("lossless", s.trueLossless).
		Int64("target_bitrate", rc.TargetBitrate).
		Msg("rate control updated")
	return nil
}

// RateControl returns the current rate-control parameters, derived from the
// live knobs.
func (s *Session) RateControl() nvidia.RateControl {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		return nvidia.RateControl{}
	}
	return RateControlFor(s.speed, s.quality, s.trueLossless, s.encW, s.encH, s.pipeline.Target())
}

// Clean tears the session down: flush, unregister, free buffers, destroy the
// hardware and compute contexts, release the device slot. Idempotent. With a
// cleaner pool attached teardown runs off the producer thread.
func (s *Session) Clean() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	s.transitionLocked(StateClosed)
	s.mu.Unlock()

	if s.cleaner != nil {
		s.cleaner.Submit(s.teardown)
		return
	}
	s.teardown()
}

func (s *Session) teardown() {
	// never race a background init
	<-s.initDone
	// a single in-flight encode cannot be cancelled; wait it out before
	// touching the buffers it is using
	s.encoding.Wait()

	s.mu.Lock()
	s.transitionLocked(StateClosed)
	enc := s.enc
	ctx := s.ctx
	pipeline := s.pipeline
	resource := s.resource
	writer := s.writer
	deviceID := s.deviceID
	s.enc = nil
	s.ctx = nil
	s.pipeline = nil
	s.resource = nil
	s.writer = nil
	s.mu.Unlock()

	if enc == nil {
		return
	}
	s.logger.Info().
		Int(log.FieldDevice, deviceID).
		Uint64(log.FieldFrame, s.frameIndex).
		Msg("tearing down encoder session")

	// best-effort from here on: log and continue
	if writer != nil {
		if err := writer.Flush(); err != nil {
			s.logger.Debug().Err(err).Msg("end-of-stream flush failed")
		}
	}
	if err := ctx.Push(); err == nil {
		if resource != nil {
			if err := resource.Unregister(); err != nil {
				s.logger.Debug().Err(err).Msg("resource unregister failed")
			}
		}
		if pipeline != nil {
			pipeline.Close()
		}
		if err := ctx.Pop(); err != nil {
			s.logger.Debug().Err(err).Msg("context release failed")
		}
	} else {
		s.logger.Debug().Err(err).Msg("context activation failed during teardown")
	}

	err := s.reg.WithDeviceLock(deviceID, func() error {
		if err := enc.Destroy(); err != nil {
			s.logger.Debug().Err(err).Msg("encode session destroy failed")
		}
		return ctx.Destroy()
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("compute context destroy failed")
	}
	s.reg.ReleaseContext(deviceID, s.codec)
}

// ID is the session identifier used in logs and debug dumps.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the selected device id, -1 before init completes.
func (s *Session) Device() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Preset returns the resolved hardware preset.
func (s *Session) Preset() nvidia.PresetDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preset
}

// Quality returns the effective quality knob.
func (s *Session) Quality() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Speed returns the effective speed knob.
func (s *Session) Speed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}
