package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRangeSupportDetectsAcceptRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(DefaultConfig())
	result := tr.CheckRangeSupport(context.Background(), srv.URL)

	assert.True(t, result.Supported)
	assert.EqualValues(t, 1048576, result.TotalBytes)
}

func TestCheckRangeSupportFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := New(DefaultConfig())
	result := tr.CheckRangeSupport(context.Background(), srv.URL)

	assert.False(t, result.Supported)
}

func TestGetSucceedsOn200And206(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(DefaultConfig())

	resp, err := tr.Get(context.Background(), srv.URL, 0)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := tr.Get(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp2.StatusCode)
}

func TestGetFailsFatalOnRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	tr := New(DefaultConfig())
	_, err := tr.Get(context.Background(), srv.URL, 0)
	require.Error(t, err)
}

func TestParseContentRange(t *testing.T) {
	total, ok := ParseContentRange("bytes 0-99/1000")
	require.True(t, ok)
	assert.EqualValues(t, 1000, total)

	_, ok = ParseContentRange("garbage")
	assert.False(t, ok)
}
