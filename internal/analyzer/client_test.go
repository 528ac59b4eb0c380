package analyzer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		var body analyzeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		raw, err := base64.StdEncoding.DecodeString(body.Image)
		assert.NoError(t, err)
		assert.Equal(t, []byte("jpeg-bytes"), raw)
		assert.Equal(t, "image/png", body.MimeType)

		_, _ = w.Write([]byte(`{"latitude":18.5196,"longitude":73.8151,"is_authentic":true,"is_campus":true,"confidence":0.93}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, false).Analyze(context.Background(), []byte("jpeg-bytes"), "image/png")
	require.NoError(t, err)
	require.True(t, res.HasLocation())
	assert.InDelta(t, 18.5196, *res.Latitude, 1e-9)
	assert.InDelta(t, 73.8151, *res.Longitude, 1e-9)
	assert.True(t, res.IsAuthentic)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
}

func TestAnalyzeResultWithoutCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latitude":null,"longitude":null,"is_authentic":false,"is_campus":false,"confidence":0.1,"error":"no exif"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, false).Analyze(context.Background(), []byte("x"), "")
	require.NoError(t, err)
	assert.False(t, res.HasLocation())
	assert.Equal(t, "no exif", res.Error)
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, false).Analyze(context.Background(), []byte("x"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)
}

func TestAnalyzeHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, false).Analyze(ctx, []byte("x"), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrServer)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSkipMode(t *testing.T) {
	res, err := New("http://unused.invalid", true).Analyze(context.Background(), nil, "")
	require.NoError(t, err)
	require.True(t, res.HasLocation())
	assert.NoError(t, New("http://unused.invalid", true).Health(context.Background()))
}

func TestWarmupRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := New(srv.URL, false).Warmup(context.Background(), 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
