// Package watchdog tracks per-device failure history and online status.
//
// Every monitored device (and every subsystem that talks to the network,
// such as the chat transport) owns one Watchdog. Successful operations are
// reported through NormalProcessing, failed ones through FailureProcessing.
// The watchdog keeps a bounded ring of recent failures and derives the
// online/offline status from it: two failures of the same kind within the
// ring mark the device offline, a single success brings it back.
//
// The asymmetry is deliberate. Failure detection is debounced so that one
// flaky request does not page anybody; recovery is immediate because a
// reachable device is proof enough.
package watchdog

import (
	"time"

	"github.com/sirupsen/logrus"
)

// FailureWindow is the capacity of the recent-failure ring. Once full, the
// oldest entry is evicted on every new failure.
const FailureWindow = 5

// offlineThreshold is the number of same-kind failures within the ring that
// flips the device offline.
const offlineThreshold = 2

// Failure is one recorded failed operation. Immutable once appended.
type Failure struct {
	Kind    string
	Message string
	Context string
	Time    time.Time
}

// Watchdog is the failure/recovery state machine for a single device.
// It never fails itself; errors from the surrounding fetch or write are
// inputs, not outputs. All methods must be called from the scheduler
// goroutine — the cooperative model serializes access.
type Watchdog struct {
	name         string
	online       bool
	failureCount int
	recent       []Failure

	logger *logrus.Logger
	now    func() time.Time

	// OnOffline fires on the Online->Offline transition, OnRecover on the
	// way back. Both are optional; the app uses them to push alarm
	// envelopes without the watchdog knowing about queues.
	OnOffline func(name string, last Failure)
	OnRecover func(name string, failureCount int)
}

// New creates a watchdog in the online state.
func New(name string, logger *logrus.Logger) *Watchdog {
	return &Watchdog{
		name:   name,
		online: true,
		recent: make([]Failure, 0, FailureWindow),
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// Name returns the device identity.
func (w *Watchdog) Name() string { return w.name }

// Online reports the current status.
func (w *Watchdog) Online() bool { return w.online }

// FailureCount returns the lifetime failure counter.
func (w *Watchdog) FailureCount() int { return w.failureCount }

// RecentFailures returns a copy of the current ring contents, oldest first.
func (w *Watchdog) RecentFailures() []Failure {
	out := make([]Failure, len(w.recent))
	copy(out, w.recent)
	return out
}

// NormalProcessing records a successful operation. If the device was
// offline it transitions back to online, clears the failure ring and logs
// how many failures accumulated while it was down. Calling it while
// already online is a no-op.
func (w *Watchdog) NormalProcessing() {
	if w.online {
		return
	}
	w.online = true
	w.recent = w.recent[:0]
	w.logger.WithFields(logrus.Fields{
		"device":   w.name,
		"failures": w.failureCount,
	}).Infof("Device %s is reachable again and was marked as online.", w.name)
	if w.OnRecover != nil {
		w.OnRecover(w.name, w.failureCount)
	}
}

// FailureProcessing records a failed operation and escalates by how often
// the same failure kind occurs within the recent ring:
//
//	1st same-kind failure  -> warning
//	2nd same-kind failure  -> error, device marked offline
//	further failures       -> debug only (already offline)
func (w *Watchdog) FailureProcessing(kind, message, context string) {
	w.failureCount++
	if len(w.recent) == FailureWindow {
		w.recent = w.recent[1:]
	}
	failure := Failure{Kind: kind, Message: message, Context: context, Time: w.now()}
	w.recent = append(w.recent, failure)

	matchCount := 0
	for _, f := range w.recent {
		if f.Kind == kind {
			matchCount++
		}
	}

	entry := w.logger.WithFields(logrus.Fields{
		"device": w.name,
		"kind":   kind,
	})
	entry.Debugf("%s %s | %s | %s", w.name, context, kind, message)

	switch matchCount {
	case 1:
		entry.Warnf("Device %s %s: %s", w.name, context, message)
	case offlineThreshold:
		entry.Errorf("Device %s %s multiple times and was marked as offline.", w.name, context)
		if w.online {
			w.online = false
			if w.OnOffline != nil {
				w.OnOffline(w.name, failure)
			}
		}
	}
}
