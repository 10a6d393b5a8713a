package dataset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pairsJSON = `{"kind":"euclidean","source":[[0,0],[1,1]],"target":[[1,0],[2,1]]}`

func TestFetchDataset_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(pairsJSON))
	}))
	defer srv.Close()

	d, err := FetchDataset(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "euclidean", d.Kind)
	assert.Equal(t, 2, d.Len())
}

func TestFetchDataset_EmptyURL(t *testing.T) {
	_, err := FetchDataset(context.Background(), "")
	assert.ErrorContains(t, err, "URL is empty")
}

func TestFetchDataset_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(pairsJSON))
	}))
	defer srv.Close()

	d, err := FetchDataset(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithAttempts(3), WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDataset_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := FetchDataset(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithAttempts(2), WithBaseBackoff(time.Millisecond))
	assert.ErrorContains(t, err, "all 2 attempts failed")
	assert.ErrorContains(t, err, "status 500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchDataset_InvalidNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"kind":"affine","source":[[0,0]],"target":[[1,1]]}`))
	}))
	defer srv.Close()

	_, err := FetchDataset(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()), WithAttempts(3), WithBaseBackoff(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchDataset_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FetchDataset(ctx, srv.URL,
		WithHTTPClient(srv.Client()), WithAttempts(3), WithBaseBackoff(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen(t *testing.T) {
	assert.True(t, IsRemote("HTTPS://example.com/d.json"))
	assert.False(t, IsRemote("data/http.json"))

	path := writeFile(t, "pairs.json", pairsJSON)
	d, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(pairsJSON))
	}))
	defer srv.Close()
	d, err = Open(context.Background(), srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	assert.Equal(t, "euclidean", d.Kind)

	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}
