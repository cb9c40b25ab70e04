package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetrier() Retrier {
	return Retrier{Client: &http.Client{Timeout: time.Second}, MaxAttempts: 3, Backoff: time.Millisecond}
}

func TestRetrierRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := testRetrier().Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetrierStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testRetrier().Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "nope", se.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetrierGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testRetrier().Do(context.Background(), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetrierHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testRetrier().Do(ctx, func() (*http.Request, error) {
		t.Fatal("request built after cancel")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&StatusError{Code: 502}))
	assert.False(t, Retryable(&StatusError{Code: 401}))
	assert.False(t, Retryable(errors.New("plain")))
	assert.False(t, Retryable(context.DeadlineExceeded))
}
