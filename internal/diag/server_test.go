// SPDX-License-Identifier: MIT

package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/nvidia"
	"github.com/screenflux/screenflux/internal/nvidia/testkit"
)

func newTestServer(t *testing.T) (*Server, *testkit.Fake, *nvidia.Probe) {
	t.Helper()
	fake := testkit.NewFake()
	reg := nvidia.NewRegistry(fake, config.DevicePrefs{}, config.DefaultEncoder())
	probe := nvidia.NewProbe(reg, fake)
	return NewServer(reg, probe, "test"), fake, probe
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Devices)
	assert.Equal(t, "test", body.Version)
}

func TestServer_Devices(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/devices")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var devices []deviceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "Fake RTX 4070", devices[0].Name)
	assert.Equal(t, 8, devices[0].ComputeMajor)
}

func TestServer_CapabilitiesReflectProbeCache(t *testing.T) {
	srv, _, probe := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// nothing probed yet
	resp, err := http.Get(ts.URL + "/api/capabilities")
	require.NoError(t, err)
	var caps []capabilityResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	_ = resp.Body.Close()
	assert.Empty(t, caps)

	_, err = probe.Probe(0, "h264")
	require.NoError(t, err)

	resp, err = http.Get(ts.URL + "/api/capabilities")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	_ = resp.Body.Close()
	require.Len(t, caps, 1)
	assert.Equal(t, "h264", caps[0].Codec)
	assert.True(t, caps[0].YUV444)
	assert.NotEmpty(t, caps[0].Presets)
}

func TestServer_Metrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
