package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/wagate/pkg/metrics"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(2, nil, nil, WithBackoff(5*time.Millisecond), WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(d.Release)
	return d
}

func TestDispatchWithoutRegistrationIsNoop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	d.Dispatch("alpha", "message", map[string]interface{}{"body": "hi"})

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestDispatchDeliversPayload(t *testing.T) {
	var mu sync.Mutex
	var got map[string]interface{}
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		contentType = r.Header.Get("Content-Type")
		_ = jsoniter.Unmarshal(body, &got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	delivered := metrics.CounterValue("wagate_webhook_delivered")
	d := newTestDispatcher(t)
	d.Register("alpha", srv.URL)
	d.Dispatch("alpha", "message", map[string]interface{}{
		"body": "hello",
		// Reserved keys must not be clobbered by event data.
		"session": "spoofed",
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "alpha", got["session"])
	assert.Equal(t, "message", got["event"])
	assert.Equal(t, "hello", got["body"])
	assert.NotEmpty(t, got["event_id"])
	assert.NotZero(t, got["timestamp"])
	assert.Eventually(t, func() bool {
		return metrics.CounterValue("wagate_webhook_delivered") == delivered+1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchRetriesThenDrops(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dropped := metrics.CounterValue("wagate_webhook_dropped")
	d := newTestDispatcher(t)
	d.Register("alpha", srv.URL)
	d.Dispatch("alpha", "message", nil)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 3*time.Second, 10*time.Millisecond)

	// No fourth attempt after the retry budget is spent.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.Equal(t, dropped+1, metrics.CounterValue("wagate_webhook_dropped"))
}

func TestDispatchBackoffDoubles(t *testing.T) {
	const backoff = 40 * time.Millisecond
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, err := NewDispatcher(2, nil, nil, WithBackoff(backoff), WithTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(d.Release)

	d.Register("alpha", srv.URL)
	d.Dispatch("alpha", "message", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) == 3
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Waits are base, then double the base (1x, 2x).
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), backoff)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 2*backoff)
}

func TestDispatchRecoversMidRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	d.Register("alpha", srv.URL)
	d.Dispatch("alpha", "ack", nil)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRegisterUnregister(t *testing.T) {
	d := newTestDispatcher(t)
	d.Register("alpha", "http://example.com/hook")
	assert.Equal(t, "http://example.com/hook", d.URL("alpha"))

	d.Register("alpha", "http://example.com/hook2")
	assert.Equal(t, "http://example.com/hook2", d.URL("alpha"))

	d.Unregister("alpha")
	assert.Equal(t, "", d.URL("alpha"))
}
