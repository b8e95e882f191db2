package governor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gestor360/internal/backoff"
	"gestor360/internal/hostsignal"
	"gestor360/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = backoff.New(time.Millisecond, 5*time.Millisecond)
	return cfg
}

func newGovernor(t *testing.T, srv *httptest.Server, cfg Config, visible *hostsignal.Flag) *Governor {
	t.Helper()
	if visible == nil {
		visible = hostsignal.NewFlag(true)
	}
	return New(cfg, visible, log.NewNop(), WithClient(srv.Client()))
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestConcurrencyCap(t *testing.T) {
	var active, peak, arrived atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		arrived.Add(1)
		<-release
		active.Add(-1)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.ConcurrencyCap = 6
	g := newGovernor(t, srv, cfg, nil)

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{})
			if assert.NoError(t, err) {
				codes[i] = resp.StatusCode
				resp.Body.Close()
			}
		}(i)
	}

	require.Eventually(t, func() bool { return arrived.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return g.Stats().Waiting == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(6), arrived.Load())
	assert.Equal(t, 6, g.Stats().InFlight)

	close(release)
	wg.Wait()
	assert.Equal(t, int64(6), peak.Load())
	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, Stats{}, g.Stats())
}

func TestAdmissionIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	first := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seq := r.Header.Get("X-Seq")
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		if seq == "0" {
			close(first)
			<-release
		}
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.ConcurrencyCap = 1
	g := newGovernor(t, srv, cfg, nil)

	var wg sync.WaitGroup
	send := func(i int) {
		defer wg.Done()
		req := get(t, srv.URL)
		req.Header.Set("X-Seq", strconv.Itoa(i))
		resp, err := g.Do(context.Background(), req, CallOptions{})
		if assert.NoError(t, err) {
			resp.Body.Close()
		}
	}

	wg.Add(1)
	go send(0)
	<-first
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go send(i)
		want := i
		require.Eventually(t, func() bool { return g.Stats().Waiting == want }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestBackgroundPause(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	visible := hostsignal.NewFlag(false)
	g := newGovernor(t, srv, fastConfig(), visible)

	done := make(chan error, 1)
	go func() {
		resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{})
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return g.Stats().Paused == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, hits.Load())

	resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{BypassPause: true})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(1), hits.Load())

	visible.Set(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("paused call did not resume")
	}
	assert.Equal(t, int64(2), hits.Load())
}

func TestQueuedCallIsHeldWhenSurfaceHides(t *testing.T) {
	var started atomic.Int64
	first := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if started.Add(1) == 1 {
			close(first)
			<-release
		}
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.ConcurrencyCap = 1
	visible := hostsignal.NewFlag(true)
	g := newGovernor(t, srv, cfg, visible)

	var wg sync.WaitGroup
	send := func() {
		defer wg.Done()
		resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{})
		if assert.NoError(t, err) {
			resp.Body.Close()
		}
	}
	wg.Add(2)
	go send()
	<-first
	go send()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	visible.Set(false)
	close(release)
	require.Eventually(t, func() bool { return g.Stats().Paused == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), started.Load())
	assert.Equal(t, 0, g.Stats().InFlight)

	visible.Set(true)
	wg.Wait()
	assert.Equal(t, int64(2), started.Load())
}

func TestPausedCallsResumeInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get("X-Seq"))
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.ConcurrencyCap = 1
	visible := hostsignal.NewFlag(false)
	g := newGovernor(t, srv, cfg, visible)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := get(t, srv.URL)
			req.Header.Set("X-Seq", strconv.Itoa(i))
			resp, err := g.Do(context.Background(), req, CallOptions{})
			if assert.NoError(t, err) {
				resp.Body.Close()
			}
		}(i)
		want := i
		require.Eventually(t, func() bool {
			st := g.Stats()
			return st.Paused == 1 && st.Waiting == want
		}, time.Second, time.Millisecond)
	}

	visible.Set(true)
	wg.Wait()
	assert.Equal(t, []string{"0", "1", "2", "3"}, order)
}

func TestPausedCallHonoursCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), hostsignal.NewFlag(false))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Do(ctx, get(t, srv.URL), CallOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockKeyCoalesces(t *testing.T) {
	var hits atomic.Int64
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(arrived)
		}
		<-release
		w.Header().Set("X-Result", "shared")
		io.WriteString(w, "hello")
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	bodies := make([]string, 2)
	var wg sync.WaitGroup
	call := func(i int) {
		defer wg.Done()
		resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{LockKey: "notify:42"})
		if !assert.NoError(t, err) {
			return
		}
		defer resp.Body.Close()
		assert.Equal(t, "shared", resp.Header.Get("X-Result"))
		b, _ := io.ReadAll(resp.Body)
		bodies[i] = string(b)
	}

	wg.Add(1)
	go call(0)
	<-arrived
	wg.Add(1)
	go call(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, []string{"hello", "hello"}, bodies)
}

func TestRetriesRetryableStatuses(t *testing.T) {
	var hits atomic.Int64
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(`{"id":1}`)))
	require.NoError(t, err)
	resp, err := g.Do(context.Background(), req, CallOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, []string{`{"id":1}`, `{"id":1}`, `{"id":1}`}, bodies)
}

func TestExhaustedRetriesReturnLastResponse(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int64(3), hits.Load())

	hits.Store(0)
	resp, err = g.Do(context.Background(), get(t, srv.URL), CallOptions{Retries: -1})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(1), hits.Load())
}

func TestNonRetryableStatusIsReturned(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	resp, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(1), hits.Load())

	resp, err = g.Do(context.Background(), get(t, srv.URL), CallOptions{RetryStatuses: []int{http.StatusBadRequest}, Retries: 1})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(3), hits.Load())
}

func TestTimeoutIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	_, err := g.Do(context.Background(), get(t, srv.URL), CallOptions{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCallerAbortIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		close(arrived)
		<-r.Context().Done()
	}))
	defer srv.Close()
	g := newGovernor(t, srv, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	_, err := g.Do(ctx, get(t, srv.URL), CallOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), hits.Load())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, retryAfter("3", now))
	assert.Equal(t, time.Duration(0), retryAfter("-1", now))
	assert.Equal(t, time.Duration(0), retryAfter("", now))
	assert.Equal(t, 10*time.Second, retryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), retryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), retryAfter("soon", now))
}
