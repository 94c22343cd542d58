// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/screenflux/screenflux/internal/nvidia"
)

func TestTargetBitrate_Clamped(t *testing.T) {
	// tiny frame at minimal speed hits the floor
	target, ceiling := TargetBitrate(0, 64, 64, true)
	assert.Equal(t, int64(minBitrate), target)
	assert.Equal(t, int64(2*minBitrate), ceiling)

	// 8K at full speed hits the cap
	target, ceiling = TargetBitrate(100, 7680, 4320, false)
	assert.Equal(t, int64(maxBitrate), target)
	assert.Equal(t, int64(2*maxBitrate), ceiling)
}

func TestTargetBitrate_MonotonicInSpeed(t *testing.T) {
	prev := int64(0)
	for speed := 0; speed <= 100; speed += 10 {
		target, ceiling := TargetBitrate(speed, 1920, 1080, false)
		assert.GreaterOrEqual(t, target, prev, "speed=%d", speed)
		assert.Equal(t, 2*target, ceiling)
		prev = target
	}
}

func TestTargetBitrate_SubsamplingHalves(t *testing.T) {
	full, _ := TargetBitrate(50, 1920, 1080, false)
	sub, _ := TargetBitrate(50, 1920, 1080, true)
	assert.Equal(t, full/2, sub)
}

func TestQPWindow_HigherQualityLowersWindow(t *testing.T) {
	lo1, hi1, init1 := QPWindow(50)
	lo2, hi2, init2 := QPWindow(90)

	assert.Less(t, lo2, lo1)
	assert.Less(t, hi2, hi1)
	assert.Less(t, init2, init1)
	assert.Equal(t, (lo1+hi1)/2, init1, "initial QP sits at the window midpoint")
	assert.LessOrEqual(t, lo1, hi1)
}

func TestQPWindow_Extremes(t *testing.T) {
	lo, hi, _ := QPWindow(100)
	assert.Equal(t, 0, lo, "quality 100 reaches QP 0")
	assert.LessOrEqual(t, hi, qpCeiling)

	lo, hi, _ = QPWindow(0)
	assert.Equal(t, qpCeiling, hi, "quality 0 reaches the QP ceiling")
	assert.GreaterOrEqual(t, lo, 0)
}

func TestRateControlFor_Lossless(t *testing.T) {
	rc := RateControlFor(20, 100, true, 1920, 1080, nvidia.FormatYUV444)
	assert.Equal(t, "constqp", rc.Mode)
	assert.Zero(t, rc.InitialQP)
	assert.Zero(t, rc.MinQP)
	assert.Zero(t, rc.MaxQP)
	assert.Zero(t, rc.TargetBitrate)
}

func TestRateControlFor_Lossy(t *testing.T) {
	rc := RateControlFor(50, 80, false, 1920, 1080, nvidia.FormatNV12)
	assert.Equal(t, "vbr", rc.Mode)
	assert.Positive(t, rc.TargetBitrate)
	assert.Equal(t, 2*rc.TargetBitrate, rc.MaxBitrate)
	assert.LessOrEqual(t, rc.MinQP, rc.InitialQP)
	assert.LessOrEqual(t, rc.InitialQP, rc.MaxQP)
}
