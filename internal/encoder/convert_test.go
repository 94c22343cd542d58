// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/nvidia"
	"github.com/screenflux/screenflux/internal/nvidia/testkit"
)

func TestTargetLayout(t *testing.T) {
	cfg := config.DefaultEncoder()
	caps := testkit.DefaultCaps()

	tests := []struct {
		name     string
		src      PixelFormat
		quality  int
		lossless bool
		scaled   bool
		want     nvidia.BufferFormat
		wantTrue bool
	}{
		{"lossless native RGB", SourceBGRX, 100, true, false, nvidia.FormatARGB, true},
		{"high quality goes 444", SourceBGRX, 85, false, false, nvidia.FormatYUV444, false},
		{"threshold boundary", SourceBGRX, 80, false, false, nvidia.FormatYUV444, false},
		{"low quality subsamples", SourceBGRX, 40, false, false, nvidia.FormatNV12, false},
		{"high bit depth stays 444", SourceR210, 40, false, false, nvidia.FormatYUV444, false},
		// downscaled output holds 4:4:4 to the higher YUV444Threshold
		{"scaled raises the 444 bar", SourceBGRX, 80, false, true, nvidia.FormatNV12, false},
		{"scaled 444 above threshold", SourceBGRX, 85, false, true, nvidia.FormatYUV444, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, trueLossless := TargetLayout(caps, tt.src, tt.quality, tt.lossless, tt.scaled, cfg)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTrue, trueLossless)
		})
	}
}

func TestTargetLayout_LosslessWithoutSupport(t *testing.T) {
	cfg := config.DefaultEncoder()
	caps := testkit.DefaultCaps()
	caps.Lossless = false

	got, trueLossless := TargetLayout(caps, SourceBGRX, 100, true, false, cfg)
	assert.False(t, trueLossless, "no lossless support falls back to lossy")
	assert.Equal(t, nvidia.FormatYUV444, got, "best lossy layout at maximum quality")
}

func newTestContext(t *testing.T, fake *testkit.Fake) nvidia.ComputeContext {
	t.Helper()
	ctx, err := fake.CreateContext(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Destroy() })
	return ctx
}

func TestPipeline_NativeImportSkipsKernel(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatARGB, 640, 480, 640, 480)
	require.NoError(t, err)
	defer p.Close()

	assert.Empty(t, p.KernelName())
	assert.NotNil(t, p.Output())
}

func TestPipeline_ConversionAllocatesInputBuffer(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatNV12, 640, 480, 640, 480)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "BGRX_to_NV12", p.KernelName())
	// host staging + device input + device output
	assert.Equal(t, 3, fake.BuffersAllocated)
}

func TestPipeline_DownscaleForcesKernel(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatARGB, 1920, 1080, 1280, 720)
	require.NoError(t, err)
	defer p.Close()

	assert.NotEmpty(t, p.KernelName(), "downscaling needs the kernel even for a native layout")
}

func TestPipeline_UploadPaddedStride(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatNV12, 33, 17, 33, 17)
	require.NoError(t, err)
	defer p.Close()

	// capture stride wider than the row: the line-by-line path must be taken
	stride := 33*4 + 12
	frame := Image{
		Width:  33,
		Height: 17,
		Stride: stride,
		Format: SourceBGRX,
		Pixels: make([]byte, stride*17),
	}
	require.NoError(t, p.Upload(frame))
	require.NoError(t, p.Convert())
}

func TestPipeline_CloseIdempotent(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatNV12, 640, 480, 640, 480)
	require.NoError(t, err)

	p.Close()
	allocated, freed := fake.BuffersAllocated, fake.BuffersFreed
	p.Close()
	assert.Equal(t, allocated, fake.BuffersAllocated)
	assert.Equal(t, freed, fake.BuffersFreed, "second close must not double-free")
	assert.Equal(t, allocated, freed)
}

func TestPipeline_UploadAfterCloseFails(t *testing.T) {
	fake := testkit.NewFake()
	ctx := newTestContext(t, fake)

	p, err := NewPipeline(ctx, config.DefaultEncoder(), zerolog.Nop(),
		SourceBGRX, nvidia.FormatNV12, 64, 64, 64, 64)
	require.NoError(t, err)
	p.Close()

	err = p.Upload(Image{Width: 64, Height: 64, Stride: 256, Format: SourceBGRX, Pixels: make([]byte, 256*64)})
	assert.ErrorIs(t, err, nvidia.ErrProtocol)
}
