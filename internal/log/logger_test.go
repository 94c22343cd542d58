// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "test"})

	logger := WithComponent("device-registry")
	logger.Info().Msg("ping")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "device-registry", entry["component"])
	assert.Equal(t, "test", entry["service"])
	assert.Equal(t, "ping", entry["message"])
}

func TestContextSessionID(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "abc-123")
	assert.Equal(t, "abc-123", SessionIDFromContext(ctx))
	assert.Empty(t, SessionIDFromContext(context.Background()))
}
