// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/nvidia"
	"github.com/screenflux/screenflux/internal/nvidia/testkit"
)

type sessionEnv struct {
	fake  *testkit.Fake
	reg   *nvidia.Registry
	probe *nvidia.Probe
	cfg   config.Encoder
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	fake := testkit.NewFake()
	cfg := config.DefaultEncoder()
	cfg.ThreadedInit = false
	reg := nvidia.NewRegistry(fake, config.DevicePrefs{}, cfg)
	return &sessionEnv{
		fake:  fake,
		reg:   reg,
		probe: nvidia.NewProbe(reg, fake),
		cfg:   cfg,
	}
}

func (e *sessionEnv) open(t *testing.T, codec string, w, h int, format string, opts Options) *Session {
	t.Helper()
	s, err := Open(e.reg, e.probe, e.fake, e.cfg, nil, codec, w, h, format, opts)
	require.NoError(t, err)
	t.Cleanup(s.Clean)
	return s
}

func testFrame(w, h int, ts time.Time) Image {
	return Image{
		Width:     w,
		Height:    h,
		Stride:    w * 4,
		Format:    SourceBGRX,
		Pixels:    make([]byte, w*h*4),
		Timestamp: ts,
	}
}

func TestSession_FirstFrameIsIDRWithZeroPTS(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1920, 1080, "BGRX", Options{Quality: 80, Speed: 50})
	require.Equal(t, StateReady, s.State())

	base := time.Now()
	out, err := s.Compress(testFrame(1920, 1080, base))
	require.NoError(t, err)

	assert.Equal(t, "IDR", out.Metadata["type"])
	assert.Equal(t, int64(0), out.Metadata["pts"])
	assert.Equal(t, 80, out.Metadata["quality"])
	assert.Equal(t, uint64(0), out.Metadata["frame"])

	// later frames are deltas with timestamps relative to the first
	out2, err := s.Compress(testFrame(1920, 1080, base.Add(40*time.Millisecond)))
	require.NoError(t, err)
	assert.NotContains(t, out2.Metadata, "type")
	assert.Equal(t, int64(40), out2.Metadata["pts"])
	assert.Equal(t, uint64(1), out2.Metadata["frame"])
}

func TestSession_RoundTripLogicalDimensions(t *testing.T) {
	env := newSessionEnv(t)
	// 1080 pads to 1088; the decoder must still see 1080
	s := env.open(t, "h264", 1920, 1080, "BGRX", Options{Quality: 60, Speed: 50})

	out, err := s.Compress(testFrame(1920, 1080, time.Now()))
	require.NoError(t, err)

	decoded, ok := testkit.DecodeBitstream(out.Data)
	require.True(t, ok)
	assert.Equal(t, 1920, decoded.Width)
	assert.Equal(t, 1080, decoded.Height)
	assert.True(t, decoded.IDR)
}

func TestSession_QualityEdgeResistance(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})

	firstRC := s.RateControl()
	require.NoError(t, s.SetQuality(90))
	assert.Equal(t, 60, s.Quality(), "quality moves at most 10 units per call")

	secondRC := s.RateControl()
	assert.Less(t, secondRC.MinQP, firstRC.MinQP)
	assert.Less(t, secondRC.MaxQP, firstRC.MaxQP)
	assert.Less(t, secondRC.InitialQP, firstRC.InitialQP)

	// symmetric on the way down
	require.NoError(t, s.SetQuality(10))
	assert.Equal(t, 50, s.Quality())
}

func TestSession_QualityLosslessThreshold(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 95, Speed: 20})

	require.NoError(t, s.SetQuality(100))
	assert.Equal(t, 100, s.Quality())
	rc := s.RateControl()
	assert.Equal(t, "constqp", rc.Mode, "threshold quality forces lossless")
	assert.Zero(t, rc.InitialQP)
}

func TestSession_UnsupportedFormatFailsBeforeAllocation(t *testing.T) {
	env := newSessionEnv(t)
	_, err := Open(env.reg, env.probe, env.fake, env.cfg, nil,
		"h264", 1920, 1080, "RGB565", Options{Quality: 50, Speed: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, nvidia.ErrInvalidConfig)

	assert.Zero(t, env.fake.ContextsCreated, "no device resource before format validation")
	assert.Zero(t, env.fake.SessionsOpened)
	assert.Zero(t, env.fake.BuffersAllocated)
}

func TestSession_CleanIdempotent(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})

	_, err := s.Compress(testFrame(1280, 720, time.Now()))
	require.NoError(t, err)

	s.Clean()
	destroyed := env.fake.SessionsDestroyed
	freed := env.fake.BuffersFreed
	s.Clean()

	assert.Equal(t, destroyed, env.fake.SessionsDestroyed, "second clean must not double-destroy")
	assert.Equal(t, freed, env.fake.BuffersFreed)
	assert.Equal(t, env.fake.BuffersAllocated, env.fake.BuffersFreed)
	assert.Equal(t, env.fake.SessionsOpened, env.fake.SessionsDestroyed)
	assert.Equal(t, env.fake.ContextsCreated, env.fake.ContextsDestroyed)
	assert.Equal(t, 0, env.reg.ActiveContexts(s.Device()))
}

func TestSession_CompressAfterCleanIsProtocolError(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})

	s.Clean()
	_, err := s.Compress(testFrame(1280, 720, time.Now()))
	assert.ErrorIs(t, err, nvidia.ErrProtocol)

	assert.ErrorIs(t, s.SetQuality(70), nvidia.ErrProtocol)
	assert.ErrorIs(t, s.SetSpeed(70), nvidia.ErrProtocol)
}

func TestSession_LosslessFallbackWithoutSupport(t *testing.T) {
	env := newSessionEnv(t)
	caps := testkit.DefaultCaps()
	caps.Lossless = false
	env.fake.Caps["h264"] = caps

	// quality 100 without lossless support: best lossy, no error
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 100, Speed: 20})
	out, err := s.Compress(testFrame(1280, 720, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 99, out.Metadata["quality"], "lossy output never reports quality 100")
}

func TestSession_InvalidPresetDenylisted(t *testing.T) {
	env := newSessionEnv(t)
	rejected := ""
	env.fake.OnConfigure = func(cfg nvidia.SessionConfig) nvidia.Status {
		if rejected == "" {
			rejected = cfg.PresetGUID
			return nvidia.StatusInvalidParam
		}
		return nvidia.StatusSuccess
	}

	_, err := Open(env.reg, env.probe, env.fake, env.cfg, nil,
		"h264", 1280, 720, "BGRX", Options{Quality: 80, Speed: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, nvidia.ErrInvalidConfig)
	require.NotEmpty(t, rejected)
	assert.True(t, env.reg.IsDenylisted(0, rejected), "rejected preset lands on the denylist")

	// a retry resolves a different preset and succeeds
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 80, Speed: 50})
	assert.NotEqual(t, rejected, s.Preset().GUID)
}

func TestSession_TransientFailureRecordsTimestamp(t *testing.T) {
	env := newSessionEnv(t)
	env.fake.OnEncode = func(nvidia.Picture) nvidia.Status {
		return nvidia.StatusDeviceBusy
	}
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})

	_, err := s.Compress(testFrame(1280, 720, time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, nvidia.ErrTransientDevice)
}

func TestSession_ThreadedInit(t *testing.T) {
	env := newSessionEnv(t)
	env.cfg.ThreadedInit = true

	s, err := Open(env.reg, env.probe, env.fake, env.cfg, nil,
		"h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})
	require.NoError(t, err)
	t.Cleanup(s.Clean)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))

	ready, err := s.Ready()
	require.NoError(t, err)
	assert.True(t, ready)

	out, err := s.Compress(testFrame(1280, 720, time.Now()))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Data)
}

func TestSession_CleanViaWorkerPool(t *testing.T) {
	env := newSessionEnv(t)
	cleaner := NewCleaner(2)

	s, err := Open(env.reg, env.probe, env.fake, env.cfg, cleaner,
		"h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})
	require.NoError(t, err)

	_, err = s.Compress(testFrame(1280, 720, time.Now()))
	require.NoError(t, err)

	s.Clean()
	cleaner.Close() // join hook: teardown has finished after this

	assert.Equal(t, env.fake.SessionsOpened, env.fake.SessionsDestroyed)
	assert.Equal(t, 0, env.reg.ActiveContexts(0))
}

func TestSession_CleanDuringThreadedInit(t *testing.T) {
	env := newSessionEnv(t)
	env.cfg.ThreadedInit = true
	cleaner := NewCleaner(1)

	entered := make(chan struct{})
	gate := make(chan struct{})
	env.fake.OnConfigure = func(nvidia.SessionConfig) nvidia.Status {
		close(entered)
		<-gate
		return nvidia.StatusSuccess
	}

	s, err := Open(env.reg, env.probe, env.fake, env.cfg, cleaner,
		"h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})
	require.NoError(t, err)

	// clean while init is stuck inside the driver, then let init finish
	<-entered
	s.Clean()
	close(gate)
	cleaner.Close() // join hook: teardown has finished after this

	assert.Equal(t, StateClosed, s.State(), "a cleaned session must not come back ready")
	_, err = s.Compress(testFrame(1280, 720, time.Now()))
	assert.ErrorIs(t, err, nvidia.ErrProtocol)

	assert.Equal(t, env.fake.SessionsOpened, env.fake.SessionsDestroyed)
	assert.Equal(t, env.fake.BuffersAllocated, env.fake.BuffersFreed)
	assert.Equal(t, env.fake.ContextsCreated, env.fake.ContextsDestroyed)
	assert.Equal(t, 0, env.reg.ActiveContexts(0))
}

func TestSession_CleanWaitsForInFlightCompress(t *testing.T) {
	env := newSessionEnv(t)
	cleaner := NewCleaner(1)

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	env.fake.OnEncode = func(nvidia.Picture) nvidia.Status {
		select {
		case entered <- struct{}{}:
		default: // end-of-stream flush comes through here too
		}
		<-gate
		return nvidia.StatusSuccess
	}

	s, err := Open(env.reg, env.probe, env.fake, env.cfg, cleaner,
		"h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})
	require.NoError(t, err)

	type result struct {
		out *CompressedFrame
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.Compress(testFrame(1280, 720, time.Now()))
		done <- result{out, err}
	}()

	// clean while the encode call is stuck inside the driver; teardown
	// must wait for it instead of freeing the buffers underneath it
	<-entered
	s.Clean()
	close(gate)

	res := <-done
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.out.Data)

	cleaner.Close()
	assert.Equal(t, env.fake.SessionsOpened, env.fake.SessionsDestroyed)
	assert.Equal(t, env.fake.BuffersAllocated, env.fake.BuffersFreed)
	assert.Equal(t, env.fake.ContextsCreated, env.fake.ContextsDestroyed)
}

func TestSession_ScaledOutput(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1920, 1080, "BGRX", Options{
		Quality: 50, Speed: 50, ScaledWidth: 1280, ScaledHeight: 720,
	})

	out, err := s.Compress(testFrame(1920, 1080, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, []int{1280, 720}, out.Metadata["scaled-size"])
	assert.Equal(t, scalingQuality, out.Metadata["scaling-quality"])

	decoded, ok := testkit.DecodeBitstream(out.Data)
	require.True(t, ok)
	assert.Equal(t, 1280, decoded.Width)
	assert.Equal(t, 720, decoded.Height)
}

func TestSession_MismatchedFrameRejected(t *testing.T) {
	env := newSessionEnv(t)
	s := env.open(t, "h264", 1280, 720, "BGRX", Options{Quality: 50, Speed: 50})

	_, err := s.Compress(testFrame(640, 480, time.Now()))
	assert.ErrorIs(t, err, nvidia.ErrInvalidConfig)
	require.Equal(t, StateReady, s.State(), "a rejected frame leaves the session usable")
}
