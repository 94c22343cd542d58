// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/screenflux/screenflux/internal/nvidia"
)

const (
	minBitrate = 1_000_000
	maxBitrate = 100_000_000

	// qpCeiling is the highest quantization parameter of the codec.
	qpCeiling = 51

	// qualityBand widens the QP window by this many quality units on each
	// side of the target.
	qualityBand = 10
)

// TargetBitrate derives the variable-bitrate target from the speed knob and
// the frame size:
//
//	clamp(1e6, 1e8, ((0.5+speed/200)^8) * 1e8 * megapixels * subsamplingMult)
//
// where the multiplier is 0.5 for 4:2:0 output and 1.0 otherwise. The
// ceiling bitrate is twice the target.
func TargetBitrate(speed, width, height int, subsampled bool) (target, ceiling int64) {
	megapixels := float64(width*height) / 1e6
	mult := 1.0
	if subsampled {
		mult = 0.5
	}
	raw := math.Pow(0.5+float64(speed)/200, 8) * 1e8 * megapixels * mult
	t := int64(raw)
	if t < minBitrate {
		t = minBitrate
	}
	if t > maxBitrate {
		t = maxBitrate
	}
	return t, 2 * t
}

// qpForQuality maps a quality percentage onto a quantization parameter:
// inverse-linear, higher quality means lower QP.
func qpForQuality(quality int) int {
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	return (100 - quality) * qpCeiling / 100
}

// QPWindow derives [minQP, maxQP] from a +/-10 quality band around the
// target and seeds the initial QP at the window midpoint.
func QPWindow(quality int) (minQP, maxQP, initQP int) {
	minQP = qpForQuality(quality + qualityBand)
	maxQP = qpForQuality(quality - qualityBand)
	initQP = (minQP + maxQP) / 2
	return minQP, maxQP, initQP
}

// RateControlFor assembles the session rate-control parameters. Lossless
// forces constant QP 0; everything else runs variable bitrate inside the
// quality-derived QP window.
func RateControlFor(speed, quality int, lossless bool, width, height int, target nvidia.BufferFormat) nvidia.RateControl {
	if lossless {
		return nvidia.RateControl{Mode: "constqp"}
	}
	bitrate, ceiling := TargetBitrate(speed, width, height, target.Subsampled())
	minQP, maxQP, initQP := QPWindow(quality)
	return nvidia.RateControl{
		Mode:          "vbr",
		TargetBitrate: bitrate,
		MaxBitrate:    ceiling,
		MinQP:         minQP,
		MaxQP:         maxQP,
		InitialQP:     initQP,
	}
}

// Writer submits pictures to the hardware session and copies out the locked
// bitstream. Any failure here is fatal for the frame.
type Writer struct {
	sess   nvidia.EncodeSession
	logger zerolog.Logger
}

// NewWriter creates a bitstream writer over an open encode session.
func NewWriter(sess nvidia.EncodeSession, logger zerolog.Logger) *Writer {
	return &Writer{sess: sess, logger: logger}
}

// SubmitAndLock maps the input resource, encodes the picture, locks the
// bitstream and copies the bytes into an owned buffer. The resource is
// unmapped and the bitstream unlocked on every exit path.
func (w *Writer) SubmitAndLock(pic nvidia.Picture) (data []byte, picType string, err error) {
	if err := pic.Input.Map(); err != nil {
		return nil, "", fmt.Errorf("map input resource: %w", err)
	}
	defer func() {
		if uerr := pic.Input.Unmap(); uerr != nil {
			w.logger.Debug().Err(uerr).Uint64("frame", pic.FrameIndex).Msg("input unmap failed")
			if err == nil {
				err = fmt.Errorf("unmap input resource: %w", uerr)
			}
		}
	}()

	if err := w.sess.Encode(pic); err != nil {
		return nil, "", fmt.Errorf("encode frame %d: %w", pic.FrameIndex, err)
	}
	bs, err := w.sess.LockBitstream()
	if err != nil {
		return nil, "", fmt.Errorf("lock bitstream for frame %d: %w", pic.FrameIndex, err)
	}
	data = make([]byte, len(bs.Data))
	copy(data, bs.Data)
	if err := bs.Unlock(); err != nil {
		return nil, "", fmt.Errorf("unlock bitstream for frame %d: %w", pic.FrameIndex, err)
	}
	return data, bs.PictureType, nil
}

// Flush signals end-of-stream so buffered frames drain before teardown.
func (w *Writer) Flush() error {
	return w.sess.Encode(nvidia.Picture{EndOfStream: true})
}
