// Package retry computes when a failed provider call may be attempted again.
package retry

import (
	"math/rand"
	"sync"
	"time"
)

// Policy holds backoff settings
type Policy struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	DefaultMaxAttempts int
	JitterFraction     float64
}

// DefaultPolicy returns 1s doubling, capped at 10s, 3 attempts and 20% jitter
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:          time.Second,
		MaxDelay:           10 * time.Second,
		DefaultMaxAttempts: 3,
		JitterFraction:     0.2,
	}
}

// Scheduler applies a Policy
type Scheduler struct {
	policy Policy

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewScheduler creates a scheduler. A zero field in policy falls back to the default.
func NewScheduler(policy Policy) *Scheduler {
	def := DefaultPolicy()
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.DefaultMaxAttempts <= 0 {
		policy.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
		policy.JitterFraction = def.JitterFraction
	}
	return &Scheduler{
		policy: policy,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Policy returns the effective policy
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Delay returns the backoff before retry number attemptsMade, without jitter
func (s *Scheduler) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := s.policy.BaseDelay
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if delay >= s.policy.MaxDelay {
			return s.policy.MaxDelay
		}
	}
	if delay > s.policy.MaxDelay {
		return s.policy.MaxDelay
	}
	return delay
}

// Schedule decides the next retry after attemptsMade calls have failed.
// maxAttempts <= 0 uses the policy default. giveUp is true once the bound is reached.
func (s *Scheduler) Schedule(attemptsMade, maxAttempts int, now time.Time) (next time.Time, giveUp bool) {
	if maxAttempts <= 0 {
		maxAttempts = s.policy.DefaultMaxAttempts
	}
	if attemptsMade >= maxAttempts {
		return time.Time{}, true
	}
	delay := s.Delay(attemptsMade)
	return now.Add(delay + s.jitter(delay)), false
}

func (s *Scheduler) jitter(delay time.Duration) time.Duration {
	bound := int64(float64(delay) * s.policy.JitterFraction)
	if bound <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rnd.Int63n(bound + 1))
}
