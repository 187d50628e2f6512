// Package scheduler drives all periodic work on a single goroutine.
//
// Tasks run to completion one at a time, so nothing downstream (watchdogs,
// queues, the device configuration store) needs its own locking. A slow
// task delays the others but can never overlap with itself: the next due
// time is computed after the callback returns, relative to the invocation,
// so drift is tolerated and duplicate firings are impossible.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// quantum is the sleep between RunPending passes.
const quantum = time.Second

// Task is one registered periodic callback. Managed exclusively by the
// scheduler after registration.
type Task struct {
	name     string
	interval time.Duration
	at       string // "HH:MM" for daily tasks, empty otherwise
	run      func()
	next     time.Time
	index    int
}

// Name returns the task's registration name.
func (t *Task) Name() string { return t.name }

// NextDue returns the task's next due time.
func (t *Task) NextDue() time.Time { return t.next }

type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*Task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler holds the task heap. All tasks are registered at startup;
// registration is not safe while Run is active.
type Scheduler struct {
	tasks  taskHeap
	logger *logrus.Logger
	now    func() time.Time

	// onTaskDone, when set, observes every completed invocation with its
	// duration. Wired to the metrics histogram by the app.
	onTaskDone func(name string, d time.Duration)
}

// New creates an empty scheduler using the wall clock.
func New(logger *logrus.Logger) *Scheduler {
	return &Scheduler{logger: logger, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// OnTaskDone registers a completion observer.
func (s *Scheduler) OnTaskDone(fn func(name string, d time.Duration)) {
	s.onTaskDone = fn
}

// Every registers a recurring task. The first firing happens one interval
// after registration.
func (s *Scheduler) Every(interval time.Duration, name string, fn func()) *Task {
	t := &Task{
		name:     name,
		interval: interval,
		run:      fn,
		next:     s.now().Add(interval),
	}
	heap.Push(&s.tasks, t)
	return t
}

// Daily registers a once-per-day task fired when the wall clock passes the
// given "HH:MM". The firing granularity is the scheduler quantum.
func (s *Scheduler) Daily(at string, name string, fn func()) (*Task, error) {
	hour, minute, err := parseClock(at)
	if err != nil {
		return nil, err
	}
	t := &Task{
		name: name,
		at:   at,
		run:  fn,
		next: nextDaily(s.now(), hour, minute),
	}
	heap.Push(&s.tasks, t)
	return t, nil
}

func parseClock(at string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(at, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid daily time %q: %w", at, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid daily time %q", at)
	}
	return hour, minute, nil
}

func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunPending invokes every task whose due time has passed, sequentially,
// and reschedules each relative to its invocation time. A panicking task
// is logged and does not stop the pass.
func (s *Scheduler) RunPending(now time.Time) {
	for s.tasks.Len() > 0 && !s.tasks[0].next.After(now) {
		t := s.tasks[0]
		s.invoke(t)
		if t.at != "" {
			hour, minute, _ := parseClock(t.at)
			t.next = nextDaily(s.now(), hour, minute)
		} else {
			t.next = s.now().Add(t.interval)
		}
		heap.Fix(&s.tasks, t.index)
	}
}

func (s *Scheduler) invoke(t *Task) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"task":  t.name,
				"panic": r,
			}).Error("Task failed, scheduler continues")
		}
		if s.onTaskDone != nil {
			s.onTaskDone(t.name, s.now().Sub(start))
		}
	}()
	t.run()
}

// Run drives RunPending until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.WithField("tasks", s.tasks.Len()).Info("Scheduler started")
	ticker := time.NewTicker(quantum)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunPending(s.now())
		}
	}
}
