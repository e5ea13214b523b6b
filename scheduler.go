package gavel

import (
	"log/slog"
	"sync"
	"time"
)

type timerKey struct {
	instanceID int64
	stepID     int64
}

// Scheduler keeps one in-process timer per active step deadline. Timers
// are a latency optimization only: durability comes from the deadline
// column and the Sweeper, so losing every timer on restart is harmless.
//
// A timer carries the activation it was armed for. The fire callback
// re-checks it against the store, so a timer that outlives an escalation
// can never resolve the re-activated step.
type Scheduler struct {
	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	fire   func(instanceID, stepID int64, activation int)
	logger *slog.Logger
	closed bool
}

func NewScheduler(fire func(instanceID, stepID int64, activation int), logger *slog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[timerKey]*time.Timer),
		fire:   fire,
		logger: logger,
	}
}

// Arm schedules the timeout callback for the step's current activation.
// Re-arming the same step replaces the previous timer.
func (s *Scheduler) Arm(instanceID, stepID int64, activation int, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := timerKey{instanceID: instanceID, stepID: stepID}
	if prev, ok := s.timers[key]; ok {
		prev.Stop()
	}

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()

		s.fire(instanceID, stepID, activation)
	})
}

func (s *Scheduler) Cancel(instanceID, stepID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := timerKey{instanceID: instanceID, stepID: stepID}
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}
}

// CancelInstance drops every armed timer belonging to the instance.
func (s *Scheduler) CancelInstance(instanceID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, timer := range s.timers {
		if key.instanceID == instanceID {
			timer.Stop()
			delete(s.timers, key)
		}
	}
}

func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
	s.closed = true
}

func (s *Scheduler) armedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}
