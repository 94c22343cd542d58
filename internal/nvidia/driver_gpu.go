//go:build gpu
// +build gpu

// SPDX-License-Identifier: MIT

package nvidia

/*
#cgo LDFLAGS: -L${SRCDIR}/../../native/target/release -lscreenflux_nvenc -ldl -lm
#include <stdlib.h>
#include <stdint.h>

// GPU runtime FFI surface (libscreenflux_nvenc)
int sfx_runtime_init();
int sfx_device_count(int* count);
int sfx_device_info(int id, char* name, int name_len, char* bus_id, int bus_len,
                    int* cc_major, int* cc_minor, uint64_t* total_mem, int* can_map_host);
int sfx_device_mem_info(int id, uint64_t* free_mem, uint64_t* total_mem);

int sfx_ctx_create(int device_id, uintptr_t* ctx);
int sfx_ctx_push(uintptr_t ctx);
int sfx_ctx_pop(uintptr_t ctx);
int sfx_ctx_destroy(uintptr_t ctx);

int sfx_mem_alloc_host(uintptr_t ctx, int size, uintptr_t* buf, void** host_ptr);
int sfx_mem_free_host(uintptr_t buf);
int sfx_mem_alloc_pitch(uintptr_t ctx, int width_bytes, int height, uintptr_t* buf, int* pitch);
int sfx_mem_free(uintptr_t buf);
int sfx_memcpy_htod_2d(uintptr_t dst, const void* src, int src_pitch, int row_bytes, int rows);
int sfx_memcpy_dtod_2d(uintptr_t dst, uintptr_t src, int row_bytes, int rows);

int sfx_kernel_load(uintptr_t ctx, const char* name, uintptr_t* kernel);
int sfx_kernel_launch_2d(uintptr_t kernel, int gx, int gy, int bx, int by,
                         uintptr_t* args, int nargs);

int sfx_enc_open(int device_id, uintptr_t ctx, const char* key, uintptr_t* session);
int sfx_enc_query_json(uintptr_t session, const char* what, const char* codec,
                       char* out, int out_len);
int sfx_enc_configure_json(uintptr_t session, const char* cfg_json);
int sfx_enc_reconfigure_json(uintptr_t session, const char* rc_json);
int sfx_enc_register_input(uintptr_t session, uintptr_t buf, uintptr_t* resource);
int sfx_enc_map(uintptr_t resource);
int sfx_enc_unmap(uintptr_t resource);
int sfx_enc_unregister(uintptr_t resource);
int sfx_enc_encode(uintptr_t session, uintptr_t resource, uint64_t frame_index,
                   int64_t pts_us, int force_idr, int eos);
int sfx_enc_lock_bitstream(uintptr_t session, void** data, int* size,
                           int* is_idr, uint64_t* frame_index);
int sfx_enc_unlock_bitstream(uintptr_t session);
int sfx_enc_destroy(uintptr_t session);
*/
import "C"
import (
	"encoding/json"
	"fmt"
	"time"
	"unsafe"
)

// ffiDriver drives the native runtime shim.
type ffiDriver struct{}

// DefaultDriver returns the production driver and encode API backed by the
// native shim library.
func DefaultDriver() (Driver, EncodeAPI, error) {
	if st := Status(C.sfx_runtime_init()); st != StatusSuccess {
		return nil, nil, StatusErr("sfx_runtime_init", st)
	}
	return &ffiDriver{}, &ffiEncodeAPI{}, nil
}

func (d *ffiDriver) Init() error {
	return StatusErr("sfx_runtime_init", Status(C.sfx_runtime_init()))
}

func (d *ffiDriver) Devices() ([]DeviceInfo, error) {
	var count C.int
	if st := Status(C.sfx_device_count(&count)); st != StatusSuccess {
		return nil, StatusErr("sfx_device_count", st)
	}
	infos := make([]DeviceInfo, 0, int(count))
	for i := 0; i < int(count); i++ {
		name := make([]byte, 256)
		bus := make([]byte, 64)
		var ccMajor, ccMinor, canMap C.int
		var total C.uint64_t
		st := Status(C.sfx_device_info(C.int(i),
			(*C.char)(unsafe.Pointer(&name[0])), 256,
			(*C.char)(unsafe.Pointer(&bus[0])), 64,
			&ccMajor, &ccMinor, &total, &canMap))
		if st != StatusSuccess {
			// report the device anyway; the registry filters it out
			infos = append(infos, DeviceInfo{ID: i})
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:               i,
			Name:             cString(name),
			PCIBusID:         cString(bus),
			ComputeMajor:     int(ccMajor),
			ComputeMinor:     int(ccMinor),
			TotalMemory:      uint64(total),
			CanMapHostMemory: canMap != 0,
		})
	}
	return infos, nil
}

func (d *ffiDriver) MemoryInfo(deviceID int) (uint64, uint64, error) {
	var free, total C.uint64_t
	if st := Status(C.sfx_device_mem_info(C.int(deviceID), &free, &total)); st != StatusSuccess {
		return 0, 0, StatusErr("sfx_device_mem_info", st)
	}
	return uint64(free), uint64(total), nil
}

func (d *ffiDriver) CreateContext(deviceID int) (ComputeContext, error) {
	var handle C.uintptr_t
	if st := Status(C.sfx_ctx_create(C.int(deviceID), &handle)); st != StatusSuccess {
		return nil, StatusErr("sfx_ctx_create", st)
	}
	return &ffiContext{handle: handle}, nil
}

type ffiContext struct {
	handle C.uintptr_t
}

func (c *ffiContext) Push() error {
	return StatusErr("sfx_ctx_push", Status(C.sfx_ctx_push(c.handle)))
}

func (c *ffiContext) Pop() error {
	return StatusErr("sfx_ctx_pop", Status(C.sfx_ctx_pop(c.handle)))
}

func (c *ffiContext) Destroy() error {
	return StatusErr("sfx_ctx_destroy", Status(C.sfx_ctx_destroy(c.handle)))
}

func (c *ffiContext) AllocHost(size int) (HostBuffer, error) {
	var handle C.uintptr_t
	var ptr unsafe.Pointer
	if st := Status(C.sfx_mem_alloc_host(c.handle, C.int(size), &handle, &ptr)); st != StatusSuccess {
		return nil, StatusErr("sfx_mem_alloc_host", st)
	}
	return &ffiHostBuffer{
		handle: handle,
		bytes:  unsafe.Slice((*byte)(ptr), size),
	}, nil
}

func (c *ffiContext) AllocDevice2D(widthBytes, height int) (DeviceBuffer, error) {
	var handle C.uintptr_t
	var pitch C.int
	st := Status(C.sfx_mem_alloc_pitch(c.handle, C.int(widthBytes), C.int(height), &handle, &pitch))
	if st != StatusSuccess {
		return nil, StatusErr("sfx_mem_alloc_pitch", st)
	}
	return &ffiDeviceBuffer{handle: handle, pitch: int(pitch), height: height}, nil
}

// LoadKernel resolves a conversion kernel by name. The shim caches compiled
// fatbins per device, so repeated loads across sessions only pay the module
// lookup.
func (c *ffiContext) LoadKernel(name string) (Kernel, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var handle C.uintptr_t
	if st := Status(C.sfx_kernel_load(c.handle, cName, &handle)); st != StatusSuccess {
		return nil, StatusErr("sfx_kernel_load", st)
	}
	return &ffiKernel{handle: handle, name: name}, nil
}

type ffiHostBuffer struct {
	handle C.uintptr_t
	bytes  []byte
}

func (b *ffiHostBuffer) Bytes() []byte { return b.bytes }

func (b *ffiHostBuffer) Free() error {
	return StatusErr("sfx_mem_free_host", Status(C.sfx_mem_free_host(b.handle)))
}

type ffiDeviceBuffer struct {
	handle C.uintptr_t
	pitch  int
	height int
}

func (b *ffiDeviceBuffer) Pitch() int  { return b.pitch }
func (b *ffiDeviceBuffer) Height() int { return b.height }

func (b *ffiDeviceBuffer) Upload(src []byte, srcPitch, rowBytes, rows int) error {
	if len(src) == 0 {
		return fmt.Errorf("upload: empty source: %w", ErrInvalidConfig)
	}
	st := Status(C.sfx_memcpy_htod_2d(b.handle, unsafe.Pointer(&src[0]),
		C.int(srcPitch), C.int(rowBytes), C.int(rows)))
	return StatusErr("sfx_memcpy_htod_2d", st)
}

func (b *ffiDeviceBuffer) CopyFrom(src DeviceBuffer, rowBytes, rows int) error {
	fsrc, ok := src.(*ffiDeviceBuffer)
	if !ok {
		return fmt.Errorf("device copy: foreign buffer type: %w", ErrInvalidConfig)
	}
	st := Status(C.sfx_memcpy_dtod_2d(b.handle, fsrc.handle, C.int(rowBytes), C.int(rows)))
	return StatusErr("sfx_memcpy_dtod_2d", st)
}

func (b *ffiDeviceBuffer) Free() error {
	return StatusErr("sfx_mem_free", Status(C.sfx_mem_free(b.handle)))
}

type ffiKernel struct {
	handle C.uintptr_t
	name   string
}

func (k *ffiKernel) Name() string { return k.name }

func (k *ffiKernel) Launch(gridX, gridY, blockX, blockY int, args ...any) error {
	cArgs := make([]C.uintptr_t, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case *ffiDeviceBuffer:
			cArgs = append(cArgs, v.handle)
		case int:
			cArgs = append(cArgs, C.uintptr_t(v))
		default:
			return fmt.Errorf("kernel %s: unsupported argument %T: %w", k.name, a, ErrInvalidConfig)
		}
	}
	var argp *C.uintptr_t
	if len(cArgs) > 0 {
		argp = &cArgs[0]
	}
	st := Status(C.sfx_kernel_launch_2d(k.handle,
		C.int(gridX), C.int(gridY), C.int(blockX), C.int(blockY), argp, C.int(len(cArgs))))
	return StatusErr("sfx_kernel_launch_2d", st)
}

type ffiEncodeAPI struct{}

func (a *ffiEncodeAPI) OpenSession(deviceID int, ctx ComputeContext, key string) (EncodeSession, error) {
	fctx, ok := ctx.(*ffiContext)
	if !ok {
		return nil, fmt.Errorf("open session: foreign context type: %w", ErrInvalidConfig)
	}
	cKey := C.CString(key)
	defer C.free(unsafe.Pointer(cKey))
	var handle C.uintptr_t
	if st := Status(C.sfx_enc_open(C.int(deviceID), fctx.handle, cKey, &handle)); st != StatusSuccess {
		return nil, StatusErr("sfx_enc_open", st)
	}
	return &ffiSession{handle: handle}, nil
}

type ffiSession struct {
	handle C.uintptr_t
}

func (s *ffiSession) query(what, codec string, out any) error {
	cWhat := C.CString(what)
	cCodec := C.CString(codec)
	defer C.free(unsafe.Pointer(cWhat))
	defer C.free(unsafe.Pointer(cCodec))
	buf := make([]byte, 1<<16)
	st := Status(C.sfx_enc_query_json(s.handle, cWhat, cCodec,
		(*C.char)(unsafe.Pointer(&buf[0])), C.int(len(buf))))
	if st != StatusSuccess {
		return StatusErr("sfx_enc_query_json("+what+")", st)
	}
	return json.Unmarshal([]byte(cString(buf)), out)
}

func (s *ffiSession) Codecs() ([]CodecDesc, error) {
	var out []CodecDesc
	err := s.query("codecs", "", &out)
	return out, err
}

func (s *ffiSession) Presets(codec string) ([]PresetDesc, error) {
	var out []PresetDesc
	err := s.query("presets", codec, &out)
	return out, err
}

func (s *ffiSession) Profiles(codec string) ([]string, error) {
	var out []string
	err := s.query("profiles", codec, &out)
	return out, err
}

func (s *ffiSession) Caps(codec string) (Caps, error) {
	var out Caps
	err := s.query("caps", codec, &out)
	return out, err
}

func (s *ffiSession) Configure(cfg SessionConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	cJSON := C.CString(string(data))
	defer C.free(unsafe.Pointer(cJSON))
	return StatusErr("sfx_enc_configure_json", Status(C.sfx_enc_configure_json(s.handle, cJSON)))
}

func (s *ffiSession) Reconfigure(rc RateControl) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal rate control: %w", err)
	}
	cJSON := C.CString(string(data))
	defer C.free(unsafe.Pointer(cJSON))
	return StatusErr("sfx_enc_reconfigure_json", Status(C.sfx_enc_reconfigure_json(s.handle, cJSON)))
}

func (s *ffiSession) RegisterInput(buf DeviceBuffer) (RegisteredResource, error) {
	fbuf, ok := buf.(*ffiDeviceBuffer)
	if !ok {
		return nil, fmt.Errorf("register input: foreign buffer type: %w", ErrInvalidConfig)
	}
	var handle C.uintptr_t
	if st := Status(C.sfx_enc_register_input(s.handle, fbuf.handle, &handle)); st != StatusSuccess {
		return nil, StatusErr("sfx_enc_register_input", st)
	}
	return &ffiResource{handle: handle}, nil
}

func (s *ffiSession) Encode(pic Picture) error {
	var resource C.uintptr_t
	if res, ok := pic.Input.(*ffiResource); ok {
		resource = res.handle
	}
	st := Status(C.sfx_enc_encode(s.handle, resource,
		C.uint64_t(pic.FrameIndex), C.int64_t(pic.PTS/time.Microsecond),
		cBool(pic.ForceIDR), cBool(pic.EndOfStream)))
	return StatusErr("sfx_enc_encode", st)
}

func (s *ffiSession) LockBitstream() (Bitstream, error) {
	var data unsafe.Pointer
	var size, isIDR C.int
	var frameIndex C.uint64_t
	st := Status(C.sfx_enc_lock_bitstream(s.handle, &data, &size, &isIDR, &frameIndex))
	if st != StatusSuccess {
		return Bitstream{}, StatusErr("sfx_enc_lock_bitstream", st)
	}
	picType := "delta"
	if isIDR != 0 {
		picType = "IDR"
	}
	return Bitstream{
		Data:        unsafe.Slice((*byte)(data), int(size)),
		PictureType: picType,
		FrameIndex:  uint64(frameIndex),
		Unlock: func() error {
			return StatusErr("sfx_enc_unlock_bitstream", Status(C.sfx_enc_unlock_bitstream(s.handle)))
		},
	}, nil
}

func (s *ffiSession) Destroy() error {
	return StatusErr("sfx_enc_destroy", Status(C.sfx_enc_destroy(s.handle)))
}

type ffiResource struct {
	handle C.uintptr_t
}

func (r *ffiResource) Map() error {
	return StatusErr("sfx_enc_map", Status(C.sfx_enc_map(r.handle)))
}

func (r *ffiResource) Unmap() error {
	return StatusErr("sfx_enc_unmap", Status(C.sfx_enc_unmap(r.handle)))
}

func (r *ffiResource) Unregister() error {
	return StatusErr("sfx_enc_unregister", Status(C.sfx_enc_unregister(r.handle)))
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

func cBool(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
