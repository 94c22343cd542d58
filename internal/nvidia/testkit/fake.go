// SPDX-License-Identifier: MIT

// Package testkit provides an in-memory implementation of the nvidia driver
// and encode API ports. Tests inject it to exercise the session manager
// without hardware; failure modes are scripted through hooks.
package testkit

import (
	"encoding/binary"
	"sync"

	"github.com/screenflux/screenflux/internal/nvidia"
)

// BitstreamMagic prefixes every fake bitstream so tests can "decode" it.
const BitstreamMagic = "SFXB"

// FakeDevice describes one simulated GPU.
type FakeDevice struct {
	Info nvidia.DeviceInfo
	Free uint64
}

// Fake implements nvidia.Driver and nvidia.EncodeAPI in memory.
type Fake struct {
	mu      sync.Mutex
	devices []FakeDevice

	// AcceptedKeys, when non-nil, restricts which activation keys open a
	// session. A nil slice accepts anything, including "no key".
	AcceptedKeys []string

	// Presets and Caps are served per codec for every device.
	Codecs   []nvidia.CodecDesc
	Presets  map[string][]nvidia.PresetDesc
	Profiles map[string][]string
	Caps     map[string]nvidia.Caps

	// Hooks inject failures. A nil hook means success.
	OnOpenSession func(deviceID int, key string) nvidia.Status
	OnConfigure   func(cfg nvidia.SessionConfig) nvidia.Status
	OnEncode      func(pic nvidia.Picture) nvidia.Status

	// Counters for leak assertions.
	ContextsCreated   int
	ContextsDestroyed int
	SessionsOpened    int
	SessionsDestroyed int
	BuffersAllocated  int
	BuffersFreed      int
}

// NewFake returns a fake with one consumer-grade device and an H.264-ish
// capability surface.
func NewFake() *Fake {
	return &Fake{
		devices: []FakeDevice{{
			Info: nvidia.DeviceInfo{
				ID:               0,
				Name:             "Fake RTX 4070",
				PCIBusID:         "0000:01:00.0",
				ComputeMajor:     8,
				ComputeMinor:     9,
				TotalMemory:      12 << 30,
				CanMapHostMemory: true,
			},
			Free: 10 << 30,
		}},
		Codecs: []nvidia.CodecDesc{
			{Name: "h264", GUID: "6BC82762-4E63-4CA4-AA85-1E50F321F6BF"},
			{Name: "h265", GUID: "790CDC88-4522-4D7B-9425-BDA9975F7603"},
		},
		Presets: map[string][]nvidia.PresetDesc{
			"h264": DefaultPresets(),
			"h265": DefaultPresets(),
		},
		Profiles: map[string][]string{
			"h264": {"baseline", "main", "high", "high-444"},
			"h265": {"main", "main-444"},
		},
		Caps: map[string]nvidia.Caps{
			"h264": DefaultCaps(),
			"h265": DefaultCaps(),
		},
	}
}

// DefaultPresets covers the p1..p7 ladder plus a lossless preset.
func DefaultPresets() []nvidia.PresetDesc {
	return []nvidia.PresetDesc{
		{Name: "p1", GUID: "FC0A8D3E-45F8-4CF8-80C7-298871590EBF", Speed: 100, Quality: 20},
		{Name: "p2", GUID: "F581CFB8-88D6-4381-93F0-DF13F9C27DAB", Speed: 85, Quality: 35},
		{Name: "p3", GUID: "36850110-3A07-441F-94D5-3670631F91F6", Speed: 70, Quality: 50},
		{Name: "p4", GUID: "90A7B826-DF06-4862-B9D2-CD6D73A08681", Speed: 55, Quality: 65},
		{Name: "p5", GUID: "21C6E6B4-297A-4CBA-998F-B6CBDE72ADE3", Speed: 40, Quality: 75},
		{Name: "p6", GUID: "8E75C279-6299-4AB6-8302-0B215A335CF5", Speed: 25, Quality: 85},
		{Name: "p7", GUID: "84848C12-6F71-4C13-931B-53E283F57974", Speed: 10, Quality: 100},
		{Name: "lossless", GUID: "D5BFB716-C604-44E7-9BB8-DEA5510FC3AC", Speed: 15, Quality: 100, Lossless: true},
	}
}

// DefaultCaps enables the full feature set at 8K.
func DefaultCaps() nvidia.Caps {
	return nvidia.Caps{
		MaxWidth:         8192,
		MaxHeight:        8192,
		AsyncEncode:      true,
		YUV444:           true,
		Lossless:         true,
		IntraRefresh:     true,
		RateControlModes: []string{"constqp", "vbr", "cbr"},
		InputFormats: []nvidia.BufferFormat{
			nvidia.FormatARGB, nvidia.FormatABGR,
			nvidia.FormatNV12, nvidia.FormatYUV444,
		},
	}
}

// AddDevice appends a simulated device.
func (f *Fake) AddDevice(dev FakeDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, dev)
}

// SetFree adjusts a device's free memory, for selection tests.
func (f *Fake) SetFree(deviceID int, free uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.devices {
		if f.devices[i].Info.ID == deviceID {
			f.devices[i].Free = free
		}
	}
}

func (f *Fake) Init() error { return nil }

func (f *Fake) Devices() ([]nvidia.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]nvidia.DeviceInfo, len(f.devices))
	for i, d := range f.devices {
		infos[i] = d.Info
	}
	return infos, nil
}

func (f *Fake) MemoryInfo(deviceID int) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.Info.ID == deviceID {
			return d.Free, d.Info.TotalMemory, nil
		}
	}
	return 0, 0, nvidia.StatusErr("mem_info", nvidia.StatusInvalidParam)
}

func (f *Fake) CreateContext(deviceID int) (nvidia.ComputeContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, d := range f.devices {
		if d.Info.ID == deviceID {
			found = true
		}
	}
	if !found {
		return nil, nvidia.StatusErr("ctx_create", nvidia.StatusInvalidParam)
	}
	f.ContextsCreated++
	return &fakeContext{fake: f}, nil
}

func (f *Fake) OpenSession(deviceID int, ctx nvidia.ComputeContext, key string) (nvidia.EncodeSession, error) {
	if f.OnOpenSession != nil {
		if st := f.OnOpenSession(deviceID, key); st != nvidia.StatusSuccess {
			return nil, nvidia.StatusErr("enc_open", st)
		}
	}
	if f.AcceptedKeys != nil {
		ok := false
		for _, k := range f.AcceptedKeys {
			if k == key {
				ok = true
				break
			}
		}
		if !ok {
			return nil, nvidia.StatusErr("enc_open", nvidia.StatusUnauthorized)
		}
	}
	f.mu.Lock()
	f.SessionsOpened++
	f.mu.Unlock()
	return &fakeSession{fake: f}, nil
}

type fakeContext struct {
	fake      *Fake
	destroyed bool
	depth     int
}

func (c *fakeContext) Push() error {
	if c.destroyed {
		return nvidia.StatusErr("ctx_push", nvidia.StatusInvalidParam)
	}
	c.depth++
	return nil
}

func (c *fakeContext) Pop() error {
	if c.depth <= 0 {
		return nvidia.StatusErr("ctx_pop", nvidia.StatusInvalidParam)
	}
	c.depth--
	return nil
}

func (c *fakeContext) Destroy() error {
	if c.destroyed {
		return nvidia.StatusErr("ctx_destroy", nvidia.StatusInvalidParam)
	}
	c.destroyed = true
	c.fake.mu.Lock()
	c.fake.ContextsDestroyed++
	c.fake.mu.Unlock()
	return nil
}

func (c *fakeContext) AllocHost(size int) (nvidia.HostBuffer, error) {
	c.fake.mu.Lock()
	c.fake.BuffersAllocated++
	c.fake.mu.Unlock()
	return &fakeHostBuffer{fake: c.fake, data: make([]byte, size)}, nil
}

func (c *fakeContext) AllocDevice2D(widthBytes, height int) (nvidia.DeviceBuffer, error) {
	c.fake.mu.Lock()
	c.fake.BuffersAllocated++
	c.fake.mu.Unlock()
	// align pitch to 256 bytes the way real drivers do
	pitch := (widthBytes + 255) &^ 255
	return &fakeDeviceBuffer{
		fake:   c.fake,
		pitch:  pitch,
		height: height,
		data:   make([]byte, pitch*height),
	}, nil
}

func (c *fakeContext) LoadKernel(name string) (nvidia.Kernel, error) {
	return &fakeKernel{name: name}, nil
}

type fakeHostBuffer struct {
	fake  *Fake
	data  []byte
	freed bool
}

func (b *fakeHostBuffer) Bytes() []byte { return b.data }

func (b *fakeHostBuffer) Free() error {
	if b.freed {
		return nvidia.StatusErr("mem_free_host", nvidia.StatusInvalidParam)
	}
	b.freed = true
	b.fake.mu.Lock()
	b.fake.BuffersFreed++
	b.fake.mu.Unlock()
	return nil
}

type fakeDeviceBuffer struct {
	fake   *Fake
	pitch  int
	height int
	data   []byte
	freed  bool
}

func (b *fakeDeviceBuffer) Pitch() int  { return b.pitch }
func (b *fakeDeviceBuffer) Height() int { return b.height }

func (b *fakeDeviceBuffer) Upload(src []byte, srcPitch, rowBytes, rows int) error {
	if b.freed {
		return nvidia.StatusErr("memcpy_htod", nvidia.StatusInvalidParam)
	}
	for row := 0; row < rows; row++ {
		copy(b.data[row*b.pitch:row*b.pitch+rowBytes], src[row*srcPitch:row*srcPitch+rowBytes])
	}
	return nil
}

func (b *fakeDeviceBuffer) CopyFrom(src nvidia.DeviceBuffer, rowBytes, rows int) error {
	fsrc, ok := src.(*fakeDeviceBuffer)
	if !ok || b.freed || fsrc.freed {
		return nvidia.StatusErr("memcpy_dtod", nvidia.StatusInvalidParam)
	}
	for row := 0; row < rows; row++ {
		copy(b.data[row*b.pitch:row*b.pitch+rowBytes], fsrc.data[row*fsrc.pitch:row*fsrc.pitch+rowBytes])
	}
	return nil
}

func (b *fakeDeviceBuffer) Free() error {
	if b.freed {
		return nvidia.StatusErr("mem_free", nvidia.StatusInvalidParam)
	}
	b.freed = true
	b.fake.mu.Lock()
	b.fake.BuffersFreed++
	b.fake.mu.Unlock()
	return nil
}

type fakeKernel struct {
	name     string
	Launches int
}

func (k *fakeKernel) Name() string { return k.name }

func (k *fakeKernel) Launch(gridX, gridY, blockX, blockY int, args ...any) error {
	if gridX <= 0 || gridY <= 0 || blockX <= 0 || blockY <= 0 {
		return nvidia.StatusErr("kernel_launch", nvidia.StatusInvalidParam)
	}
	k.Launches++
	return nil
}

type fakeSession struct {
	fake       *Fake
	cfg        nvidia.SessionConfig
	configured bool
	destroyed  bool
	pending    *nvidia.Bitstream
	locked     bool
}

func (s *fakeSession) Codecs() ([]nvidia.CodecDesc, error) {
	return s.fake.Codecs, nil
}

func (s *fakeSession) Presets(codec string) ([]nvidia.PresetDesc, error) {
	return s.fake.Presets[codec], nil
}

func (s *fakeSession) Profiles(codec string) ([]string, error) {
	return s.fake.Profiles[codec], nil
}

func (s *fakeSession) Caps(codec string) (nvidia.Caps, error) {
	caps, ok := s.fake.Caps[codec]
	if !ok {
		return nvidia.Caps{}, nvidia.StatusErr("caps", nvidia.StatusUnsupportedParam)
	}
	return caps, nil
}

func (s *fakeSession) Configure(cfg nvidia.SessionConfig) error {
	if s.destroyed {
		return nvidia.StatusErr("enc_configure", nvidia.StatusInvalidParam)
	}
	if s.fake.OnConfigure != nil {
		if st := s.fake.OnConfigure(cfg); st != nvidia.StatusSuccess {
			return nvidia.StatusErr("enc_configure", st)
		}
	}
	caps := s.fake.Caps[cfg.Codec]
	if cfg.Width > caps.MaxWidth || cfg.Height > caps.MaxHeight {
		return nvidia.StatusErr("enc_configure", nvidia.StatusInvalidParam)
	}
	s.cfg = cfg
	s.configured = true
	return nil
}

func (s *fakeSession) Reconfigure(rc nvidia.RateControl) error {
	if !s.configured || s.destroyed {
		return nvidia.StatusErr("enc_reconfigure", nvidia.StatusInvalidParam)
	}
	s.cfg.RateControl = rc
	return nil
}

func (s *fakeSession) RegisterInput(buf nvidia.DeviceBuffer) (nvidia.RegisteredResource, error) {
	if s.destroyed {
		return nil, nvidia.StatusErr("enc_register", nvidia.StatusInvalidParam)
	}
	return &fakeResource{buf: buf}, nil
}

func (s *fakeSession) Encode(pic nvidia.Picture) error {
	if !s.configured || s.destroyed {
		return nvidia.StatusErr("enc_encode", nvidia.StatusInvalidParam)
	}
	if s.fake.OnEncode != nil {
		if st := s.fake.OnEncode(pic); st != nvidia.StatusSuccess {
			return nvidia.StatusErr("enc_encode", st)
		}
	}
	if pic.EndOfStream {
		s.pending = nil
		return nil
	}
	bs := encodeBitstream(s.cfg, pic)
	s.pending = &bs
	return nil
}

func (s *fakeSession) LockBitstream() (nvidia.Bitstream, error) {
	if s.pending == nil || s.locked {
		return nvidia.Bitstream{}, nvidia.StatusErr("enc_lock", nvidia.StatusInvalidParam)
	}
	s.locked = true
	bs := *s.pending
	bs.Unlock = func() error {
		if !s.locked {
			return nvidia.StatusErr("enc_unlock", nvidia.StatusInvalidParam)
		}
		s.locked = false
		s.pending = nil
		return nil
	}
	return bs, nil
}

func (s *fakeSession) Destroy() error {
	if s.destroyed {
		return nvidia.StatusErr("enc_destroy", nvidia.StatusInvalidParam)
	}
	s.destroyed = true
	s.fake.mu.Lock()
	s.fake.SessionsDestroyed++
	s.fake.mu.Unlock()
	return nil
}

type fakeResource struct {
	buf    nvidia.DeviceBuffer
	mapped bool
	gone   bool
}

func (r *fakeResource) Map() error {
	if r.gone || r.mapped {
		return nvidia.StatusErr("enc_map", nvidia.StatusInvalidParam)
	}
	r.mapped = true
	return nil
}

func (r *fakeResource) Unmap() error {
	if !r.mapped {
		return nvidia.StatusErr("enc_unmap", nvidia.StatusInvalidParam)
	}
	r.mapped = false
	return nil
}

func (r *fakeResource) Unregister() error {
	if r.gone {
		return nvidia.StatusErr("enc_unregister", nvidia.StatusInvalidParam)
	}
	r.gone = true
	return nil
}

// encodeBitstream builds a deterministic payload that DecodeBitstream can
// parse back: magic, logical dimensions, frame index, picture type.
func encodeBitstream(cfg nvidia.SessionConfig, pic nvidia.Picture) nvidia.Bitstream {
	picType := "delta"
	if pic.ForceIDR {
		picType = "IDR"
	}
	buf := make([]byte, 0, 32)
	buf = append(buf, BitstreamMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(cfg.DisplayWidth))
	buf = binary.BigEndian.AppendUint32(buf, uint32(cfg.DisplayHeight))
	buf = binary.BigEndian.AppendUint64(buf, pic.FrameIndex)
	if pic.ForceIDR {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return nvidia.Bitstream{
		Data:        buf,
		PictureType: picType,
		FrameIndex:  pic.FrameIndex,
	}
}

// DecodedFrame is the result of DecodeBitstream.
type DecodedFrame struct {
	Width      int
	Height     int
	FrameIndex uint64
	IDR        bool
}

// DecodeBitstream parses a fake bitstream, acting as the conformant decoder
// in round-trip tests.
func DecodeBitstream(data []byte) (DecodedFrame, bool) {
	if len(data) < len(BitstreamMagic)+17 || string(data[:4]) != BitstreamMagic {
		return DecodedFrame{}, false
	}
	return DecodedFrame{
		Width:      int(binary.BigEndian.Uint32(data[4:8])),
		Height:     int(binary.BigEndian.Uint32(data[8:12])),
		FrameIndex: binary.BigEndian.Uint64(data[12:20]),
		IDR:        data[20] == 1,
	}, true
}
