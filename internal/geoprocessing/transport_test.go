package geoprocessing_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celltower/polygon-pipeline/internal/geoprocessing"
	"github.com/celltower/polygon-pipeline/internal/version"
)

func TestHTTPTransport_DoesNotFollowRedirects(t *testing.T) {
	var gotUA string
	mux := http.NewServeMux()
	mux.HandleFunc("/submitJob", func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		http.Redirect(w, r, "/jobs/j1", http.StatusFound)
	})
	mux.HandleFunc("/jobs/j1", func(w http.ResponseWriter, _ *http.Request) {
		t.Errorf("redirect must not be followed")
		w.WriteHeader(http.StatusOK)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	tr, err := geoprocessing.NewHTTPTransport(geoprocessing.HTTPTransportOptions{RateLimitRPS: 100})
	require.NoError(t, err)

	resp, err := tr.Get(context.Background(), ts.URL+"/submitJob?x=1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/jobs/j1", resp.Header.Get("Location"))
	assert.Equal(t, version.UserAgent(), gotUA)
}

func TestHTTPTransport_ReturnsBodyForAnyStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer ts.Close()

	tr, err := geoprocessing.NewHTTPTransport(geoprocessing.HTTPTransportOptions{})
	require.NoError(t, err)

	resp, err := tr.Get(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "busy", string(resp.Body))
}

func TestNewHTTPTransport_BadCAPath(t *testing.T) {
	_, err := geoprocessing.NewHTTPTransport(geoprocessing.HTTPTransportOptions{CAPath: "/does/not/exist.pem"})
	assert.Error(t, err)
}
