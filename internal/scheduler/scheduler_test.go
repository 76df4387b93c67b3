package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingChecker struct{ n atomic.Int32 }

func (c *countingChecker) CheckMessages(ctx context.Context, fromStartup bool) error {
	c.n.Add(1)
	return nil
}

type countingFlusher struct{ n atomic.Int32 }

func (f *countingFlusher) Tick(ctx context.Context) error {
	f.n.Add(1)
	return nil
}

type countingPushes struct{ n atomic.Int32 }

func (p *countingPushes) DeliverDue(ctx context.Context, now time.Time) (int, error) {
	p.n.Add(1)
	return 0, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSchedulerTicksBothTimers(t *testing.T) {
	c, f, p := &countingChecker{}, &countingFlusher{}, &countingPushes{}
	s := New(c, f, p, 10*time.Millisecond, 15*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, func() bool { return c.n.Load() >= 2 && f.n.Load() >= 2 && p.n.Load() >= 2 })
}

func TestSetIntervalsRestartsPair(t *testing.T) {
	c, f := &countingChecker{}, &countingFlusher{}
	s := New(c, f, nil, time.Hour, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	if s.SetIntervals(time.Hour, time.Hour) {
		t.Fatalf("unchanged intervals must not restart")
	}
	if !s.SetIntervals(10*time.Millisecond, 0) {
		t.Fatalf("changed interval should restart the timers")
	}
	a, tel := s.Intervals()
	if a != 10*time.Millisecond || tel != time.Hour {
		t.Fatalf("intervals = %v, %v", a, tel)
	}
	waitFor(t, func() bool { return c.n.Load() >= 2 })
	if f.n.Load() != 0 {
		t.Fatalf("telemetry timer kept its hour period, got %d ticks", f.n.Load())
	}
}

func TestStopHaltsTicks(t *testing.T) {
	c := &countingChecker{}
	s := New(c, &countingFlusher{}, nil, 5*time.Millisecond, time.Hour, zerolog.Nop())
	s.Start(context.Background())
	waitFor(t, func() bool { return c.n.Load() >= 1 })
	s.Stop()
	n := c.n.Load()
	time.Sleep(30 * time.Millisecond)
	if c.n.Load() != n {
		t.Fatalf("ticks after Stop: %d -> %d", n, c.n.Load())
	}
}

func TestTimersCancelAndReplace(t *testing.T) {
	tm := NewTimers()
	key := Key{MessageID: 1, Index: 0, Kind: KindViewDwell}
	var first, second atomic.Int32

	tm.Schedule(key, 20*time.Millisecond, func(id uint64) {
		if tm.Claim(key, id) {
			first.Add(1)
		}
	})
	tm.Schedule(key, 20*time.Millisecond, func(id uint64) {
		if tm.Claim(key, id) {
			second.Add(1)
		}
	})
	waitFor(t, func() bool { return second.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced task must not run")
	}
	if len(tm.Pending()) != 0 {
		t.Fatalf("claimed task should be removed")
	}
}

func TestTimersCancelAfterFireWins(t *testing.T) {
	tm := NewTimers()
	key := Key{MessageID: 1, Index: 0, Kind: KindViewDwell}
	fired := make(chan uint64, 1)
	tm.Schedule(key, 5*time.Millisecond, func(id uint64) { fired <- id })

	id := <-fired
	// the owner is busy: the task is still pending and can be cancelled
	if !tm.Cancel(key) {
		t.Fatalf("fired but unclaimed task should still be pending")
	}
	if tm.Claim(key, id) {
		t.Fatalf("claim after cancel must fail")
	}

	tm.Schedule(key, time.Hour, func(uint64) {})
	if tm.Claim(key, id) {
		t.Fatalf("a stale id must not claim the replacement")
	}
	tm.StopAll()
}

func TestTimersCancel(t *testing.T) {
	tm := NewTimers()
	var ran atomic.Int32
	a := Key{MessageID: 1, Index: 0, Kind: KindViewDwell}
	b := Key{MessageID: 2, Index: 1, Kind: KindViewDwell}
	c := Key{MessageID: 2, Index: 1, Kind: KindLocationRecheck}
	for _, k := range []Key{a, b, c} {
		tm.Schedule(k, 20*time.Millisecond, func(id uint64) {
			if tm.Claim(k, id) {
				ran.Add(1)
			}
		})
	}
	if !tm.Cancel(a) || tm.Cancel(a) {
		t.Fatalf("Cancel should report the pending task once")
	}
	if n := tm.CancelMatching(func(k Key) bool { return k.Kind == KindViewDwell }); n != 1 {
		t.Fatalf("CancelMatching = %d", n)
	}
	waitFor(t, func() bool { return ran.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if ran.Load() != 1 {
		t.Fatalf("only the location task should run, ran=%d", ran.Load())
	}
}
