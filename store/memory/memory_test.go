package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Close)
	return s
}

func TestPutAndTake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Take(ctx, "k1")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if !ok {
		t.Fatal("expected to find entry")
	}
	if string(v) != "v1" {
		t.Fatalf("got %q, want %q", v, "v1")
	}
}

func TestTakeConsumes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "k1", []byte("v1"), time.Hour)
	if _, ok, _ := s.Take(ctx, "k1"); !ok {
		t.Fatal("first take should succeed")
	}
	if _, ok, _ := s.Take(ctx, "k1"); ok {
		t.Fatal("second take should miss")
	}
}

func TestTakeMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Take(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestTakeAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, "k1", []byte("v1"), time.Hour)

	const callers = 16
	var wg sync.WaitGroup
	hits := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := s.Take(ctx, "k1")
			hits <- ok
		}()
	}
	wg.Wait()
	close(hits)

	var successes int
	for ok := range hits {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("got %d successful takes, want exactly 1", successes)
	}
}

func TestExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "k1", []byte("v1"), time.Hour)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, ok, _ := s.Take(ctx, "k1"); ok {
		t.Fatal("expired entry should be unreachable")
	}
}

func TestIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "ctr", time.Hour)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d, want 1 on first increment", n)
	}
	n, _ = s.Incr(ctx, "ctr", time.Hour)
	if n != 2 {
		t.Fatalf("got %d, want 2 on second increment", n)
	}
}

func TestIncrResetsAfterWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Incr(ctx, "ctr", time.Minute)
	s.Incr(ctx, "ctr", time.Minute)
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	n, _ := s.Incr(ctx, "ctr", time.Minute)
	if n != 1 {
		t.Fatalf("got %d, want counter reset to 1 after window", n)
	}
}

func TestReap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "dead", []byte("x"), time.Minute)
	s.Put(ctx, "live", []byte("y"), 3*time.Hour)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.reap()

	s.mu.Lock()
	_, deadPresent := s.data["dead"]
	_, livePresent := s.data["live"]
	s.mu.Unlock()
	if deadPresent {
		t.Fatal("reaper should have removed the expired entry")
	}
	if !livePresent {
		t.Fatal("reaper should have kept the live entry")
	}
}
