package scheduler

import (
	"sync"
	"time"
)

// Task kinds.
const (
	KindViewDwell       = "view_dwell"
	KindLocationRecheck = "location_recheck"
)

// Key identifies a deferred task: one per (message, trigger index, kind).
type Key struct {
	MessageID int
	Index     int
	Kind      string
}

type task struct {
	id    uint64
	timer *time.Timer
}

// Timers holds one-shot tasks with cancel-and-replace semantics. A fired
// task stays pending until its owner claims it, so a cancel issued after the
// timer fired but before the work ran still wins.
type Timers struct {
	mu    sync.Mutex
	seq   uint64
	tasks map[Key]*task
}

func NewTimers() *Timers {
	return &Timers{tasks: make(map[Key]*task)}
}

// Schedule calls fn with the task id after delay, replacing any pending task
// with the same key. fn should hand the work to its owner, which runs it only
// if Claim(key, id) succeeds.
func (t *Timers) Schedule(key Key, delay time.Duration, fn func(id uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.tasks[key]; old != nil {
		old.timer.Stop()
	}
	t.seq++
	tk := &task{id: t.seq}
	t.tasks[key] = tk
	id := tk.id
	tk.timer = time.AfterFunc(delay, func() { t.fire(key, id, fn) })
}

func (t *Timers) fire(key Key, id uint64, fn func(uint64)) {
	t.mu.Lock()
	cur := t.tasks[key]
	t.mu.Unlock()
	if cur == nil || cur.id != id {
		return
	}
	fn(id)
}

// Claim removes the task if id is still the current task for key. It reports
// whether the caller owns the work.
func (t *Timers) Claim(key Key, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.tasks[key]
	if cur == nil || cur.id != id {
		return false
	}
	delete(t.tasks, key)
	return true
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (t *Timers) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk := t.tasks[key]
	if tk == nil {
		return false
	}
	tk.timer.Stop()
	delete(t.tasks, key)
	return true
}

// CancelMatching drops every pending task whose key satisfies match.
func (t *Timers) CancelMatching(match func(Key) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, tk := range t.tasks {
		if match(k) {
			tk.timer.Stop()
			delete(t.tasks, k)
			n++
		}
	}
	return n
}

func (t *Timers) Pending() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]Key, 0, len(t.tasks))
	for k := range t.tasks {
		keys = append(keys, k)
	}
	return keys
}

// StopAll cancels every pending task.
func (t *Timers) StopAll() {
	t.CancelMatching(func(Key) bool { return true })
}
