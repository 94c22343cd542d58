// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenflux/screenflux/internal/nvidia"
)

func TestParsePixelFormat(t *testing.T) {
	for name, want := range map[string]PixelFormat{
		"BGRX": SourceBGRX,
		"BGRA": SourceBGRA,
		"RGBX": SourceRGBX,
		"RGBA": SourceRGBA,
		"r210": SourceR210,
	} {
		got, err := ParsePixelFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestParsePixelFormat_Unsupported(t *testing.T) {
	for _, name := range []string{"RGB565", "YUV420P", "", "bgrx"} {
		_, err := ParsePixelFormat(name)
		assert.ErrorIs(t, err, nvidia.ErrInvalidConfig, name)
	}
}

func TestPaddedSize(t *testing.T) {
	w, h := PaddedSize(1920, 1080)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1088, h)

	w, h = PaddedSize(1, 1)
	assert.Equal(t, 32, w)
	assert.Equal(t, 32, h)

	w, h = PaddedSize(1280, 720)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 736, h)
}

func TestNativeBufferFormat(t *testing.T) {
	f, ok := SourceBGRX.NativeBufferFormat()
	require.True(t, ok)
	assert.Equal(t, nvidia.FormatARGB, f)

	f, ok = SourceRGBA.NativeBufferFormat()
	require.True(t, ok)
	assert.Equal(t, nvidia.FormatABGR, f)

	_, ok = SourceR210.NativeBufferFormat()
	assert.False(t, ok, "30-bit packed always converts")
}

func TestKernelName(t *testing.T) {
	assert.Equal(t, "BGRX_to_NV12", SourceBGRX.KernelName(nvidia.FormatNV12))
	assert.Equal(t, "r210_to_YUV444", SourceR210.KernelName(nvidia.FormatYUV444))
}
