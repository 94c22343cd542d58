// SPDX-License-Identifier: MIT

// Package nvidia wraps the vendor GPU runtime and hardware encode API behind
// narrow ports. Production builds link the native shim (build tag "gpu");
// tests inject the fake from the testkit package. The registry and probe in
// this package own all process-lifetime device state.
package nvidia

import "time"

// BufferFormat is the closed set of hardware encoder buffer layouts.
type BufferFormat int

const (
	FormatARGB BufferFormat = iota // packed RGB, 1 plane, 4 bytes/pixel
	FormatABGR                     // packed RGB, 1 plane, 4 bytes/pixel
	FormatNV12                     // planar 4:2:0, full luma + interleaved quarter chroma
	FormatYUV444                   // planar 4:4:4, 3 full planes
	FormatYUV444P10                // planar 4:4:4, 10-bit
)

// String returns the canonical layout name.
func (f BufferFormat) String() string {
	switch f {
	case FormatARGB:
		return "ARGB"
	case FormatABGR:
		return "ABGR"
	case FormatNV12:
		return "NV12"
	case FormatYUV444:
		return "YUV444"
	case FormatYUV444P10:
		return "YUV444P10"
	default:
		return "unknown"
	}
}

// Packed reports whether the format is a single-plane packed RGB layout.
func (f BufferFormat) Packed() bool {
	return f == FormatARGB || f == FormatABGR
}

// Subsampled reports whether the format carries 4:2:0 chroma.
func (f BufferFormat) Subsampled() bool {
	return f == FormatNV12
}

// PlaneBytes returns the output buffer size for the format given padded
// dimensions: packed is one 4-byte plane, 4:4:4 three full planes, 4:2:0 one
// full plane plus two quarter planes.
func (f BufferFormat) PlaneBytes(paddedWidth, paddedHeight int) int {
	plane := paddedWidth * paddedHeight
	switch f {
	case FormatARGB, FormatABGR:
		return plane * 4
	case FormatYUV444:
		return plane * 3
	case FormatYUV444P10:
		return plane * 3 * 2
	case FormatNV12:
		return plane + plane/2
	default:
		return 0
	}
}

// DeviceInfo describes one GPU, discovered once and immutable thereafter.
type DeviceInfo struct {
	ID               int
	Name             string
	PCIBusID         string
	ComputeMajor     int
	ComputeMinor     int
	TotalMemory      uint64
	CanMapHostMemory bool
}

// ComputeCapability packs the SM version the way the driver reports it.
func (d DeviceInfo) ComputeCapability() int {
	return d.ComputeMajor<<4 + d.ComputeMinor
}

// Driver is the GPU runtime: initialization and device discovery.
type Driver interface {
	// Init initializes the runtime. Safe to call more than once.
	Init() error
	// Devices enumerates all devices visible to the runtime, including
	// those that later fail the usability check.
	Devices() ([]DeviceInfo, error)
	// MemoryInfo reports free and total device memory in bytes.
	MemoryInfo(deviceID int) (free, total uint64, err error)
	// CreateContext creates a compute context on the device.
	CreateContext(deviceID int) (ComputeContext, error)
}

// ComputeContext is a GPU compute context. It must be made current on the
// calling thread (Push) for the duration of any device-buffer or encode call
// and released (Pop) on every exit path.
type ComputeContext interface {
	Push() error
	Pop() error
	AllocHost(size int) (HostBuffer, error)
	AllocDevice2D(widthBytes, height int) (DeviceBuffer, error)
	LoadKernel(name string) (Kernel, error)
	Destroy() error
}

// HostBuffer is a pinned host staging allocation.
type HostBuffer interface {
	Bytes() []byte
	Free() error
}

// DeviceBuffer is a pitched device allocation.
type DeviceBuffer interface {
	// Pitch is the aligned row stride in bytes chosen by the driver.
	Pitch() int
	Height() int
	// Upload copies host rows into the buffer. srcPitch is the host row
	// stride; rows shorter than Pitch are padded by the driver.
	Upload(src []byte, srcPitch, rowBytes, rows int) error
	// CopyFrom performs a device-to-device 2D copy.
	CopyFrom(src DeviceBuffer, rowBytes, rows int) error
	Free() error
}

// Kernel is a compiled conversion kernel. Launch blocks until the device
// reports completion.
type Kernel interface {
	Name() string
	Launch(gridX, gridY, blockX, blockY int, args ...any) error
}

// CodecDesc identifies a codec by name and GUID, in GUID enumeration order.
type CodecDesc struct {
	Name string
	GUID string
}

// PresetDesc is a hardware preset with its approximate (speed, quality)
// rating, discovered per (device, codec) and read-only after probe.
type PresetDesc struct {
	Name     string
	GUID     string
	Speed    int // 0-100
	Quality  int // 0-100
	Lossless bool
}

// Caps is the capability surface of one (device, codec) pair.
type Caps struct {
	MaxWidth         int
	MaxHeight        int
	AsyncEncode      bool
	YUV444           bool
	Lossless         bool
	IntraRefresh     bool
	RateControlModes []string
	InputFormats     []BufferFormat
}

// SupportsFormat reports whether the codec accepts the buffer format
// directly.
func (c Caps) SupportsFormat(f BufferFormat) bool {
	for _, have := range c.InputFormats {
		if have == f {
			return true
		}
	}
	return false
}

// RateControl carries the per-session rate-control parameters derived from
// the speed/quality knobs.
type RateControl struct {
	Mode          string // "vbr" or "constqp"
	TargetBitrate int64
	MaxBitrate    int64
	MinQP         int
	MaxQP         int
	InitialQP     int
}

// SessionConfig configures a hardware encode session.
type SessionConfig struct {
	Codec         string
	PresetGUID    string
	Tuning        string
	Profile       string
	Format        BufferFormat
	Width         int // padded
	Height        int // padded
	DisplayWidth  int // logical, for cropping
	DisplayHeight int
	FullRange     bool
	RateControl   RateControl
}

// Picture is the transient per-frame submission descriptor.
type Picture struct {
	Input       RegisteredResource
	FrameIndex  uint64
	PTS         time.Duration // session-relative
	ForceIDR    bool
	EndOfStream bool
}

// RegisteredResource is a device buffer registered with the encoder as an
// external input or output resource. Map/Unmap bracket each frame.
type RegisteredResource interface {
	Map() error
	Unmap() error
	Unregister() error
}

// Bitstream is one locked output slice. Data is only valid until Unlock.
type Bitstream struct {
	Data        []byte
	PictureType string // "IDR" or "delta"
	FrameIndex  uint64
	Unlock      func() error
}

// EncodeAPI opens hardware encode sessions. The activation key validated by
// the capability probe is passed through unconditionally.
type EncodeAPI interface {
	OpenSession(deviceID int, ctx ComputeContext, key string) (EncodeSession, error)
}

// EncodeSession is one exclusive hardware encode pipeline instance.
type EncodeSession interface {
	Codecs() ([]CodecDesc, error)
	Presets(codec string) ([]PresetDesc, error)
	Profiles(codec string) ([]string, error)
	Caps(codec string) (Caps, error)

	Configure(cfg SessionConfig) error
	Reconfigure(rc RateControl) error
	RegisterInput(buf DeviceBuffer) (RegisteredResource, error)
	Encode(pic Picture) error
	LockBitstream() (Bitstream, error)
	Destroy() error
}
