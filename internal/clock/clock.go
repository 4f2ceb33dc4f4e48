// Package clock implements the Clock & Timer Service:
// monotonic ticks and at-most-one-pending-timer-per-service, addressed by
// (service id, timer kind) rather than a raw pointer the callback would
// otherwise have to own across the service's lifetime.
package clock

import (
	"time"

	"github.com/kornnellio/gosv/internal/svc"
)

// Fire is delivered on C when a timer elapses. The receiving loop looks
// the service back up by ID and safely no-ops if it no longer exists
// without touching freed state.
type Fire struct {
	ServiceID int
	Kind      svc.TimerKind
}

// Service is a minimal timer wheel: one outstanding timer per service id.
// It is not safe for concurrent use; the supervisor's single event loop is
// its only caller.
type Service struct {
	C  chan Fire
	t  map[int]*time.Timer
	nw func(d time.Duration, f func()) *time.Timer // swappable for tests
}

// New returns a timer service whose fires are delivered on a buffered
// channel (buffer size chosen so a burst of simultaneous expirations from a
// runlevel-down sweep never blocks the timer goroutines).
func New() *Service {
	return NewWithScheduler(time.AfterFunc)
}

// NewWithScheduler is New with the underlying time.AfterFunc replaced by
// nw, so a test can drive Arm deterministically instead of sleeping on a
// real wall-clock timer.
func NewWithScheduler(nw func(d time.Duration, f func()) *time.Timer) *Service {
	return &Service{
		C:  make(chan Fire, 64),
		t:  make(map[int]*time.Timer),
		nw: nw,
	}
}

// Arm (re-)schedules the single pending timer for serviceID, cancelling any
// previous one first.
func (s *Service) Arm(serviceID int, kind svc.TimerKind, d time.Duration) {
	s.Cancel(serviceID)
	fire := Fire{ServiceID: serviceID, Kind: kind}
	s.t[serviceID] = s.nw(d, func() {
		select {
		case s.C <- fire:
		default:
			// Channel full under an extreme simultaneous-expiration
			// burst; drop rather than block the runtime timer
			// goroutine. The next step pass will still see the
			// service's state and re-arm if still needed.
		}
	})
}

// Cancel disarms serviceID's pending timer, if any. Safe to call when none
// is armed.
func (s *Service) Cancel(serviceID int) {
	if t, ok := s.t[serviceID]; ok {
		t.Stop()
		delete(s.t, serviceID)
	}
}

// Pending reports whether serviceID currently has an armed timer.
func (s *Service) Pending(serviceID int) bool {
	_, ok := s.t[serviceID]
	return ok
}

// StopAll cancels every outstanding timer, used during final shutdown.
func (s *Service) StopAll() {
	for id := range s.t {
		s.Cancel(id)
	}
}
