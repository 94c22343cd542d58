// SPDX-License-Identifier: MIT

package encoder

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestCleaner_RunsTasksAndJoins(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCleaner(2)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		c.Submit(func() { ran.Add(1) })
	}
	c.Close()
	assert.Equal(t, int32(20), ran.Load())
}

func TestCleaner_SubmitAfterCloseRunsInline(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCleaner(1)
	c.Close()

	ran := false
	c.Submit(func() { ran = true })
	assert.True(t, ran, "tasks are never dropped")
}

func TestCleaner_CloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewCleaner(1)
	c.Close()
	c.Close()
}
