// SPDX-License-Identifier: MIT

// Package encoder implements the hardware video-encoder session manager:
// preset resolution, color conversion, rate control and the per-stream
// session state machine over the nvidia driver ports.
package encoder

import (
	"fmt"
	"time"

	"github.com/screenflux/screenflux/internal/nvidia"
)

// dimensionAlign is the hardware surface alignment. Buffers are sized from
// padded dimensions; logical dimensions are kept separately for cropping.
const dimensionAlign = 32

// PixelFormat is the closed set of source pixel layouts accepted from the
// capture subsystem. Every conversion site matches it exhaustively.
type PixelFormat int

const (
	SourceBGRX PixelFormat = iota
	SourceBGRA
	SourceRGBX
	SourceRGBA
	SourceR210 // 30-bit packed
)

// ParsePixelFormat maps a capture-layer format name onto the enumeration.
// Unknown names are an invalid configuration, reported before any device
// resource is touched.
func ParsePixelFormat(name string) (PixelFormat, error) {
	switch name {
	case "BGRX":
		return SourceBGRX, nil
	case "BGRA":
		return SourceBGRA, nil
	case "RGBX":
		return SourceRGBX, nil
	case "RGBA":
		return SourceRGBA, nil
	case "r210", "R210":
		return SourceR210, nil
	default:
		return 0, fmt.Errorf("source format %q not supported: %w", name, nvidia.ErrInvalidConfig)
	}
}

func (f PixelFormat) String() string {
	switch f {
	case SourceBGRX:
		return "BGRX"
	case SourceBGRA:
		return "BGRA"
	case SourceRGBX:
		return "RGBX"
	case SourceRGBA:
		return "RGBA"
	case SourceR210:
		return "r210"
	default:
		return "unknown"
	}
}

// BytesPerPixel is 4 for every accepted layout, r210 included.
func (f PixelFormat) BytesPerPixel() int { return 4 }

// HighBitDepth reports whether the source carries more than 8 bits per
// component.
func (f PixelFormat) HighBitDepth() bool { return f == SourceR210 }

// NativeBufferFormat returns the packed hardware layout the source can be
// imported into without conversion, if any.
func (f PixelFormat) NativeBufferFormat() (nvidia.BufferFormat, bool) {
	switch f {
	case SourceBGRX, SourceBGRA:
		return nvidia.FormatARGB, true
	case SourceRGBX, SourceRGBA:
		return nvidia.FormatABGR, true
	default:
		return 0, false
	}
}

// KernelName returns the conversion kernel identifier for a source/target
// pair, e.g. "BGRX_to_NV12".
func (f PixelFormat) KernelName(target nvidia.BufferFormat) string {
	return f.String() + "_to_" + target.String()
}

// padTo rounds v up to the next multiple of align.
func padTo(v, align int) int {
	return (v + align - 1) / align * align
}

// PaddedSize returns the alignment-rounded allocation dimensions.
func PaddedSize(width, height int) (int, int) {
	return padTo(width, dimensionAlign), padTo(height, dimensionAlign)
}

// Image is the frame handed over by the capture subsystem. Pixels is the
// CPU-accessible buffer; Device optionally exposes a device-resident copy
// for the zero-copy path.
type Image struct {
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Pixels    []byte
	Device    nvidia.DeviceBuffer
	Timestamp time.Time
	FullRange bool
}
