// ABOUTME: Tests for the sync trigger
// ABOUTME: Covers sync-now commands, connectivity transitions, and follow-up wakes

package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborpos/outpost/internal/bus"
	"github.com/harborpos/outpost/internal/outbox"
)

type countingFlusher struct {
	calls atomic.Int32
}

func (f *countingFlusher) Flush(ctx context.Context) (outbox.Summary, error) {
	f.calls.Add(1)
	return outbox.Summary{}, nil
}

func waitForCalls(t *testing.T, f *countingFlusher, want int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if f.calls.Load() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least %d flush calls, got %d", want, f.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTrigger_SyncNowFiresFlush(t *testing.T) {
	flusher := &countingFlusher{}
	b := bus.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	trig, err := New(flusher, b, srv.Client(), srv.URL+"/health", time.Hour, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		trig.Run(ctx)
		close(done)
	}()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish(bus.SyncNow{})

	waitForCalls(t, flusher, 1)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestTrigger_ConnectivityRestoredFiresFlush(t *testing.T) {
	flusher := &countingFlusher{}
	b := bus.New(nil)

	var reachable atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !reachable.Load() {
			// Simulate the network being down by hijacking and dropping
			// the connection.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	trig, err := New(flusher, b, srv.Client(), srv.URL+"/health", 15*time.Millisecond, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	// Wait for the trigger to observe the outage.
	deadline := time.After(time.Second)
	for trig.Online() {
		select {
		case <-deadline:
			t.Fatal("trigger never observed the outage")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Zero(t, flusher.calls.Load(), "flush should not fire while offline")

	reachable.Store(true)
	waitForCalls(t, flusher, 1)
	assert.True(t, trig.Online())
}

func TestTrigger_SteadyOnlineDoesNotFlush(t *testing.T) {
	flusher := &countingFlusher{}
	b := bus.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	trig, err := New(flusher, b, srv.Client(), srv.URL+"/health", 10*time.Millisecond, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	// Several probe cycles with the upstream healthy the whole time.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, flusher.calls.Load(), "probes without a transition must not flush")
}

func TestTrigger_WakeFiresFollowUp(t *testing.T) {
	flusher := &countingFlusher{}
	b := bus.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	trig, err := New(flusher, b, srv.Client(), srv.URL+"/health", time.Hour, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	trig.Wake(time.Now().Add(30 * time.Millisecond))

	waitForCalls(t, flusher, 1)
}

func TestTrigger_EarlierWakeReplacesLater(t *testing.T) {
	flusher := &countingFlusher{}
	b := bus.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	trig, err := New(flusher, b, srv.Client(), srv.URL+"/health", time.Hour, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trig.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	trig.Wake(time.Now().Add(10 * time.Second))
	trig.Wake(time.Now().Add(30 * time.Millisecond))

	// The earlier request must win; well before the 10s deadline.
	waitForCalls(t, flusher, 1)
}

func TestTrigger_BadScheduleRejected(t *testing.T) {
	_, err := New(&countingFlusher{}, bus.New(nil), nil, "http://localhost/health", time.Hour, "not a schedule", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wake schedule")
}
