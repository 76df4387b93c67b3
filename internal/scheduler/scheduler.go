package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checker re-evaluates the stored messages.
type Checker interface {
	CheckMessages(ctx context.Context, fromStartup bool) error
}

// Flusher drains the telemetry queue; it must tolerate overlapping calls.
type Flusher interface {
	Tick(ctx context.Context) error
}

// PushDeliverer sends pushes whose sendAfterDays delay elapsed.
type PushDeliverer interface {
	DeliverDue(ctx context.Context, now time.Time) (int, error)
}

// Scheduler drives the two periodic timers: the automation re-check and the
// telemetry flush. They always run with the same configuration generation:
// changing either interval stops and restarts both.
type Scheduler struct {
	Checker Checker
	Flusher Flusher
	Pushes  PushDeliverer

	log zerolog.Logger

	mu             sync.Mutex
	ctx            context.Context
	running        bool
	stop           chan struct{}
	done           chan struct{}
	automationTick time.Duration
	telemetryTick  time.Duration
}

// New creates a Scheduler. pushes may be nil.
func New(checker Checker, flusher Flusher, pushes PushDeliverer, automation, telemetry time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Checker:        checker,
		Flusher:        flusher,
		Pushes:         pushes,
		log:            log,
		automationTick: automation,
		telemetryTick:  telemetry,
	}
}

// Start runs the timer loop in a goroutine until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.ctx, s.stop, s.done, s.automationTick, s.telemetryTick)
	s.log.Info().Dur("automation", s.automationTick).Dur("telemetry", s.telemetryTick).Msg("timers started")
}

// Stop halts both timers and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	close(s.stop)
	<-s.done
	s.running = false
}

func (s *Scheduler) Intervals() (automation, telemetry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.automationTick, s.telemetryTick
}

// SetIntervals changes the timer periods. Non-positive values keep the
// current period. It reports whether the timers were restarted.
func (s *Scheduler) SetIntervals(automation, telemetry time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if automation <= 0 {
		automation = s.automationTick
	}
	if telemetry <= 0 {
		telemetry = s.telemetryTick
	}
	if automation == s.automationTick && telemetry == s.telemetryTick {
		return false
	}
	wasRunning := s.running
	s.stopLocked()
	s.automationTick, s.telemetryTick = automation, telemetry
	if wasRunning {
		s.startLocked()
	}
	return wasRunning
}

func (s *Scheduler) loop(ctx context.Context, stop, done chan struct{}, automation, telemetry time.Duration) {
	defer close(done)
	checkTick := time.NewTicker(automation)
	defer checkTick.Stop()
	flushTick := time.NewTicker(telemetry)
	defer flushTick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-checkTick.C:
			if err := s.Checker.CheckMessages(ctx, false); err != nil {
				s.log.Error().Err(err).Msg("periodic check")
			}
			if s.Pushes != nil {
				if n, err := s.Pushes.DeliverDue(ctx, time.Now()); err != nil {
					s.log.Error().Err(err).Msg("deliver scheduled pushes")
				} else if n > 0 {
					s.log.Info().Int("count", n).Msg("scheduled pushes delivered")
				}
			}
		case <-flushTick.C:
			// uploads run off the timer loop and survive a restart;
			// the flusher skips overlapping cycles
			go func() {
				if err := s.Flusher.Tick(ctx); err != nil {
					s.log.Warn().Err(err).Msg("telemetry flush")
				}
			}()
		}
	}
}
