// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/nvidia"
)

// conversion kernel block shape; the grid is sized to the unpadded image
const (
	blockWidth  = 32
	blockHeight = 8
)

// scalingQuality rates the downscale kernels in transport metadata. They do
// a single box-filter averaging pass.
const scalingQuality = 50

// TargetLayout derives the hardware buffer layout from losslessness, the
// source format and the quality knob. Downscaled output holds 4:4:4 to the
// higher YUV444Threshold since scaling resamples chroma regardless. The
// second return reports whether true lossless output is achievable: a
// lossless request on a capability surface without lossless support silently
// falls back to the best lossy layout.
func TargetLayout(caps nvidia.Caps, src PixelFormat, quality int, lossless, scaled bool, cfg config.Encoder) (nvidia.BufferFormat, bool) {
	if lossless && caps.Lossless {
		if cfg.NativeRGB {
			if native, ok := src.NativeBufferFormat(); ok && caps.SupportsFormat(native) {
				return native, true
			}
		}
		if caps.YUV444 && caps.SupportsFormat(nvidia.FormatYUV444) {
			return nvidia.FormatYUV444, true
		}
		// encoder claims lossless but offers no lossless-capable layout
	}

	if src.HighBitDepth() {
		if caps.SupportsFormat(nvidia.FormatYUV444P10) {
			return nvidia.FormatYUV444P10, false
		}
		if caps.YUV444 && caps.SupportsFormat(nvidia.FormatYUV444) {
			return nvidia.FormatYUV444, false
		}
		return nvidia.FormatNV12, false
	}

	threshold := cfg.SubsamplingThreshold
	if scaled {
		threshold = cfg.YUV444Threshold
	}
	if quality >= threshold && caps.YUV444 && caps.SupportsFormat(nvidia.FormatYUV444) {
		return nvidia.FormatYUV444, false
	}
	return nvidia.FormatNV12, false
}

// ColorspaceAlias is the metadata name of a buffer layout, as the decoder
// side expects it.
func ColorspaceAlias(f nvidia.BufferFormat) string {
	switch f {
	case nvidia.FormatARGB, nvidia.FormatABGR:
		return "RGB"
	case nvidia.FormatNV12:
		return "YUV420P"
	case nvidia.FormatYUV444:
		return "YUV444P"
	case nvidia.FormatYUV444P10:
		return "YUV444P10"
	default:
		return "unknown"
	}
}

// Pipeline owns the buffer triple of one session: a pinned host staging
// buffer, an optional device input buffer when a conversion kernel runs, and
// the device output buffer handed to the encoder. Buffers are sized from
// padded dimensions; the kernel operates on the true unpadded image.
type Pipeline struct {
	ctx    nvidia.ComputeContext
	cfg    config.Encoder
	logger zerolog.Logger

	src    PixelFormat
	target nvidia.BufferFormat

	inW, inH               int // unpadded source dimensions
	outW, outH             int // unpadded output dimensions, smaller when downscaling
	paddedInW, paddedInH   int
	paddedOutW, paddedOutH int

	host   nvidia.HostBuffer
	devIn  nvidia.DeviceBuffer
	devOut nvidia.DeviceBuffer
	kernel nvidia.Kernel
	closed bool
}

// NewPipeline allocates the buffer triple for a (source, target) pair. The
// compute context must be current on the calling thread. Output dimensions
// differ from input dimensions only when downscaling; a downscale always
// goes through the kernel, even for native target layouts. Partial
// allocations are released on failure.
func NewPipeline(ctx nvidia.ComputeContext, cfg config.Encoder, logger zerolog.Logger,
	src PixelFormat, target nvidia.BufferFormat, width, height, outW, outH int) (*Pipeline, error) {

	paddedInW, paddedInH := PaddedSize(width, height)
	paddedOutW, paddedOutH := PaddedSize(outW, outH)
	p := &Pipeline{
		ctx:        ctx,
		cfg:        cfg,
		logger:     logger,
		src:        src,
		target:     target,
		inW:        width,
		inH:        height,
		outW:       outW,
		outH:       outH,
		paddedInW:  paddedInW,
		paddedInH:  paddedInH,
		paddedOutW: paddedOutW,
		paddedOutH: paddedOutH,
	}

	host, err := ctx.AllocHost(paddedInW * paddedInH * src.BytesPerPixel())
	if err != nil {
		return nil, fmt.Errorf("alloc host staging buffer: %w", err)
	}
	p.host = host

	native, hasNative := src.NativeBufferFormat()
	scaled := outW != width || outH != height
	if !hasNative || native != target || scaled {
		// conversion path: device input buffer plus the kernel
		devIn, err := ctx.AllocDevice2D(paddedInW*src.BytesPerPixel(), paddedInH)
		if err != nil {
			p.release()
			return nil, fmt.Errorf("alloc device input buffer: %w", err)
		}
		p.devIn = devIn
		kernel, err := ctx.LoadKernel(src.KernelName(target))
		if err != nil {
			p.release()
			return nil, fmt.Errorf("load conversion kernel: %w", err)
		}
		p.kernel = kernel
	}

	devOut, err := ctx.AllocDevice2D(outputRowBytes(target, paddedOutW), outputRows(target, paddedOutH))
	if err != nil {
		p.release()
		return nil, fmt.Errorf("alloc device output buffer: %w", err)
	}
	p.devOut = devOut
	return p, nil
}

// outputRowBytes is the byte width of one output row for the layout.
func outputRowBytes(f nvidia.BufferFormat, paddedW int) int {
	switch f {
	case nvidia.FormatARGB, nvidia.FormatABGR:
		return paddedW * 4
	case nvidia.FormatYUV444P10:
		return paddedW * 2
	default:
		return paddedW
	}
}

// outputRows is the plane-stacked row count for the layout.
func outputRows(f nvidia.BufferFormat, paddedH int) int {
	switch f {
	case nvidia.FormatARGB, nvidia.FormatABGR:
		return paddedH
	case nvidia.FormatYUV444, nvidia.FormatYUV444P10:
		return paddedH * 3
	case nvidia.FormatNV12:
		return paddedH + paddedH/2
	default:
		return paddedH
	}
}

// Upload moves one frame's pixels onto the device. If the source exposes a
// device-resident buffer whose stride fits the destination pitch, the copy
// stays on the device; otherwise pixels are staged through the pinned host
// buffer, line by line when strides differ.
func (p *Pipeline) Upload(frame Image) error {
	if p.closed {
		return fmt.Errorf("pipeline closed: %w", nvidia.ErrProtocol)
	}
	dst := p.devIn
	if p.kernel == nil {
		dst = p.devOut
	}
	rowBytes := frame.Width * frame.Format.BytesPerPixel()

	if frame.Device != nil && p.cfg.DeviceMemcopy && frame.Stride <= dst.Pitch() {
		if err := dst.CopyFrom(frame.Device, rowBytes, frame.Height); err != nil {
			return fmt.Errorf("device copy: %w", err)
		}
		return nil
	}

	staging := p.host.Bytes()
	if frame.Stride == rowBytes {
		copy(staging, frame.Pixels[:rowBytes*frame.Height])
	} else {
		for row := 0; row < frame.Height; row++ {
			copy(staging[row*rowBytes:(row+1)*rowBytes],
				frame.Pixels[row*frame.Stride:row*frame.Stride+rowBytes])
		}
	}
	if err := dst.Upload(staging, rowBytes, rowBytes, frame.Height); err != nil {
		return fmt.Errorf("host upload: %w", err)
	}
	return nil
}

// Convert dispatches the conversion kernel over the unpadded image and
// blocks until the device reports completion. A no-op on the native import
// path.
func (p *Pipeline) Convert() error {
	if p.kernel == nil {
		return nil
	}
	// the grid covers the true output image, never the padded allocation
	gridX := (p.outW + blockWidth - 1) / blockWidth
	gridY := (p.outH + blockHeight - 1) / blockHeight
	err := p.kernel.Launch(gridX, gridY, blockWidth, blockHeight,
		p.devIn, p.devOut, p.outW, p.outH, p.devIn.Pitch(), p.devOut.Pitch())
	if err != nil {
		return fmt.Errorf("kernel %s: %w", p.kernel.Name(), err)
	}
	return nil
}

// Output is the device buffer registered with the encoder.
func (p *Pipeline) Output() nvidia.DeviceBuffer { return p.devOut }

// Target is the hardware buffer layout produced by the pipeline.
func (p *Pipeline) Target() nvidia.BufferFormat { return p.target }

// KernelName identifies the conversion kernel, empty on the native path.
func (p *Pipeline) KernelName() string {
	if p.kernel == nil {
		return ""
	}
	return p.kernel.Name()
}

// Close releases the buffer triple. Idempotent; teardown failures are logged
// and do not stop the remaining frees.
func (p *Pipeline) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.release()
}

func (p *Pipeline) release() {
	if p.host != nil {
		if err := p.host.Free(); err != nil {
			p.logger.Debug().Err(err).Msg("host buffer free failed")
		}
		p.host = nil
	}
	if p.devIn != nil {
		if err := p.devIn.Free(); err != nil {
			p.logger.Debug().Err(err).Msg("device input buffer free failed")
		}
		p.devIn = nil
	}
	if p.devOut != nil {
		if err := p.devOut.Free(); err != nil {
			p.logger.Debug().Err(err).Msg("device output buffer free failed")
		}
		p.devOut = nil
	}
}
