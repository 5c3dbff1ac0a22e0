package offsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// recordingOrigin tracks replayed requests in arrival order and fails any
// path containing "fail" until told otherwise.
type recordingOrigin struct {
	mu       sync.Mutex
	order    []string
	auth     []string
	failures bool
}

func (o *recordingOrigin) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.order = append(o.order, r.URL.Path)
		o.auth = append(o.auth, r.Header.Get("Authorization"))
		failing := o.failures
		o.mu.Unlock()

		if failing && strings.Contains(r.URL.Path, "fail") {
			http.Error(w, "rejected", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	})
}

func (o *recordingOrigin) setFailures(v bool) {
	o.mu.Lock()
	o.failures = v
	o.mu.Unlock()
}

func (o *recordingOrigin) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

func TestDrainReplaysInOrderAndRetainsFailures(t *testing.T) {
	rec := &recordingOrigin{failures: true}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	svc := newTestService(t, testConfig(t, origin.URL))
	ctx := context.Background()

	if _, err := svc.queue.Enqueue(ctx, "/api/v1/a", "POST", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	e2, err := svc.queue.Enqueue(ctx, "/api/v1/fail", "POST", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.queue.Enqueue(ctx, "/api/v1/c", "POST", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	svc.drainOnce(ctx)

	want := []string{"/api/v1/a", "/api/v1/fail", "/api/v1/c"}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("origin saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replay order %v, want %v", got, want)
		}
	}

	// Only the failed entry survives the cycle.
	left, err := svc.queue.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Timestamp != e2.Timestamp {
		t.Fatalf("log after drain = %+v, want only the failed entry", left)
	}

	// The next cycle retries the failed entry alone, before anything newer
	// could jump ahead of it.
	rec.setFailures(false)
	svc.drainOnce(ctx)

	if n, _ := svc.queue.Len(ctx); n != 0 {
		t.Fatalf("log not empty after successful retry, %d left", n)
	}
	got = rec.seen()
	if len(got) != 4 || got[3] != "/api/v1/fail" {
		t.Fatalf("second cycle replayed %v", got)
	}
	if svc.ReplayState() != replayIdle {
		t.Errorf("replayer state = %q, want idle", svc.ReplayState())
	}
}

func TestDrainWithoutContextProceedsTokenless(t *testing.T) {
	rec := &recordingOrigin{}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	svc := newTestService(t, testConfig(t, origin.URL))
	ctx := context.Background()

	if _, err := svc.queue.Enqueue(ctx, "/api/v1/a", "POST", nil); err != nil {
		t.Fatal(err)
	}
	svc.drainOnce(ctx)

	if n, _ := svc.queue.Len(ctx); n != 0 {
		t.Fatalf("entry not delivered, %d left", n)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.auth) != 1 || rec.auth[0] != "" {
		t.Errorf("auth headers = %v, want one empty header", rec.auth)
	}
}

func TestEmptyDrainIsNoOp(t *testing.T) {
	rec := &recordingOrigin{}
	origin := httptest.NewServer(rec.handler())
	defer origin.Close()

	svc := newTestService(t, testConfig(t, origin.URL))
	svc.drainOnce(context.Background())

	if got := rec.seen(); len(got) != 0 {
		t.Errorf("origin saw %v for an empty log", got)
	}
}
