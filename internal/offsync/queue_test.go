package offsync

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestLog(t *testing.T) (*mutationLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := openMutationLog(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, path
}

func TestEnqueueTimestampsStrictlyIncrease(t *testing.T) {
	q, _ := newTestLog(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 100; i++ {
		ent, err := q.Enqueue(ctx, "/api/v1/items", "POST", []byte(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		if ent.Timestamp <= last {
			t.Fatalf("timestamp %d not greater than previous %d", ent.Timestamp, last)
		}
		last = ent.Timestamp
	}
}

func TestDrainReturnsFIFO(t *testing.T) {
	q, _ := newTestLog(t)
	ctx := context.Background()

	uris := []string{"/api/v1/a", "/api/v1/b", "/api/v1/c"}
	for _, u := range uris {
		if _, err := q.Enqueue(ctx, u, "POST", []byte(u)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(uris) {
		t.Fatalf("drained %d entries, want %d", len(got), len(uris))
	}
	for i, ent := range got {
		if ent.URL != uris[i] {
			t.Errorf("entry %d = %s, want %s", i, ent.URL, uris[i])
		}
		if string(ent.Body) != uris[i] {
			t.Errorf("entry %d body = %q", i, ent.Body)
		}
	}
}

func TestRemoveLeavesOthers(t *testing.T) {
	q, _ := newTestLog(t)
	ctx := context.Background()

	e1, _ := q.Enqueue(ctx, "/a", "POST", nil)
	e2, _ := q.Enqueue(ctx, "/b", "DELETE", nil)
	e3, _ := q.Enqueue(ctx, "/c", "PUT", nil)

	if err := q.Remove(ctx, e2.Timestamp); err != nil {
		t.Fatal(err)
	}

	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Timestamp != e1.Timestamp || got[1].Timestamp != e3.Timestamp {
		t.Fatalf("unexpected entries after remove: %+v", got)
	}

	// Removing an already-removed key is not an error.
	if err := q.Remove(ctx, e2.Timestamp); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := openMutationLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "/api/v1/results", "POST", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q, err = openMutationLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].URL != "/api/v1/results" || got[0].Method != "POST" {
		t.Fatalf("entry lost across reopen: %+v", got)
	}

	n, err := q.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}
