package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyDispatcher struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("temporary")
	}
	return nil
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	d := &flakyDispatcher{failures: 2}
	err := Deliver(context.Background(), d, Notification{Kind: KindSuccess, Host: "web-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), d.calls.Load())
}

func TestDeliver_GivesUpAfterMaxTries(t *testing.T) {
	d := &flakyDispatcher{failures: 100}
	err := Deliver(context.Background(), d, Notification{Kind: KindFailure, Host: "web-1"})
	require.Error(t, err)
	assert.Equal(t, int32(DefaultMaxTries), d.calls.Load())
}

func TestWebhookDispatcher(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL, time.Second, 100, 1)
	err := d.Dispatch(context.Background(), Notification{Kind: KindApproval, AlertName: "cpu_high", Host: "db-1"})
	require.NoError(t, err)
	assert.Equal(t, KindApproval, got.Kind)
	assert.Equal(t, "db-1", got.Host)
}

func TestWebhookDispatcher_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL, time.Second, 100, 1)
	err := d.Dispatch(context.Background(), Notification{Kind: KindFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestMultiDispatcher_ReturnsFirstError(t *testing.T) {
	bad := &flakyDispatcher{failures: 1}
	m := NewMultiDispatcher(LogDispatcher{}, nil, bad)
	err := m.Dispatch(context.Background(), Notification{Kind: KindFiring})
	require.Error(t, err)
	assert.Equal(t, int32(1), bad.calls.Load())
}
