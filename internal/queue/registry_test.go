package queue

import (
	"sync"
	"testing"
	"time"

	"inboxflow/internal/domain"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGetOrCreateConcurrent(t *testing.T) {
	r := NewRegistry(time.Minute)

	const callers = 64
	got := make([]*TenantQueue, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.GetOrCreate("studio1")
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if got[i] != got[0] {
			t.Fatal("callers observed different queue instances for one tenant")
		}
	}
	if r.Len() != 1 {
		t.Fatalf("registry holds %d queues, want 1", r.Len())
	}
}

func TestPushNextFIFO(t *testing.T) {
	now := time.Now()
	q := newTenantQueue("t", now)

	pos, start, ok := q.Push(&domain.Job{ID: "a"}, now)
	if !ok || !start || pos != 1 {
		t.Fatalf("first push: pos=%d start=%v ok=%v", pos, start, ok)
	}
	pos, start, _ = q.Push(&domain.Job{ID: "b"}, now)
	if start || pos != 2 {
		t.Fatalf("second push: pos=%d start=%v", pos, start)
	}

	j, _ := q.Next(now)
	q.Requeue(j, now)

	var order []string
	for {
		j, ok := q.Next(now)
		if !ok {
			break
		}
		order = append(order, j.ID)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("order = %v, want [b a]", order)
	}
	if q.Stats().Processing {
		t.Fatal("draining the queue should clear the processing flag")
	}
	if _, start, _ := q.Push(&domain.Job{ID: "c"}, now); !start {
		t.Fatal("push after drain should ask for a new loop")
	}
}

func TestSweepIdle(t *testing.T) {
	c := &clock{t: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(30 * time.Minute)
	r.SetClock(c.now)

	idle := r.GetOrCreate("idle")
	busy := r.GetOrCreate("busy")
	busy.Push(&domain.Job{ID: "j"}, c.now())

	c.advance(31 * time.Minute)
	removed := r.Sweep()
	if len(removed) != 1 || removed[0] != "idle" {
		t.Fatalf("removed = %v, want [idle]", removed)
	}
	if _, ok := r.Get("idle"); ok {
		t.Fatal("idle queue should be gone")
	}
	if _, ok := r.Get("busy"); !ok {
		t.Fatal("queue with pending jobs must survive the sweep")
	}

	if _, _, ok := idle.Push(&domain.Job{ID: "late"}, c.now()); ok {
		t.Fatal("push onto a reaped queue should be refused")
	}
	fresh := r.GetOrCreate("idle")
	if fresh == idle {
		t.Fatal("expected a fresh queue after reclamation")
	}
	if pos, _, ok := fresh.Push(&domain.Job{ID: "new"}, c.now()); !ok || pos != 1 {
		t.Fatalf("fresh queue position = %d ok=%v", pos, ok)
	}
}

func TestSweepKeepsRecentlyActive(t *testing.T) {
	c := &clock{t: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry(30 * time.Minute)
	r.SetClock(c.now)

	r.GetOrCreate("t")
	c.advance(20 * time.Minute)
	r.GetOrCreate("t")
	c.advance(20 * time.Minute)

	if removed := r.Sweep(); len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
}

func TestRecentFailuresBounded(t *testing.T) {
	q := newTenantQueue("t", time.Now())
	for i := 0; i < maxRecentFailures+5; i++ {
		q.RecordFailed(&domain.Job{ID: string(rune('a' + i))})
	}
	s := q.Stats()
	if s.Failed != maxRecentFailures+5 {
		t.Fatalf("failed = %d", s.Failed)
	}
	if len(s.RecentFailures) != maxRecentFailures {
		t.Fatalf("recent failures = %d", len(s.RecentFailures))
	}
}
