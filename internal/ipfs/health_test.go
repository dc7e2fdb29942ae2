package ipfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeByName(d Diagnostics, name string) Probe {
	for _, p := range d.Probes {
		if p.Name == name {
			return p
		}
	}
	return Probe{}
}

func TestHealthCheck_Healthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/v0/version":
			_, _ = w.Write([]byte(`{"Version":"0.30.0"}`))
		case r.URL.Path == "/api/v0/add" && r.Method == http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/api/v0/add":
			// no file part
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL, nil)
	d := c.HealthCheck(context.Background())

	assert.True(t, d.Healthy)
	require.Len(t, d.Probes, 4)
	assert.True(t, probeByName(d, "reachability").OK)
	assert.True(t, probeByName(d, "upload-endpoint").OK)
	assert.Equal(t, http.StatusBadRequest, probeByName(d, "upload-endpoint").Status)
	assert.False(t, d.CheckedAt.IsZero())
}

func TestHealthCheck_PreflightIsAdvisory(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL, nil)
	d := c.HealthCheck(context.Background())

	assert.True(t, d.Healthy)
	p := probeByName(d, "cors-preflight")
	assert.False(t, p.OK)
	assert.False(t, p.Required)
}

func TestHealthCheck_MissingUploadEndpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v0/add" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c, _ := newTestClient(t, ts.URL, nil)
	d := c.HealthCheck(context.Background())

	assert.False(t, d.Healthy)
	assert.False(t, probeByName(d, "upload-endpoint").OK)
}

func TestHealthCheck_UnreachableNeverPanics(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c, _ := newTestClient(t, url, nil)
	d := c.HealthCheck(context.Background())

	assert.False(t, d.Healthy)
	for _, p := range d.Probes {
		assert.False(t, p.OK, p.Name)
		assert.NotEmpty(t, p.Error, p.Name)
	}
}
