// Package backoff computes jittered exponential reconnect delays.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy defines the parameters for exponential backoff.
//
// The delay for attempt n (1-indexed) is
//
//	min(Max, Initial * Factor^(n-1) * (1 + Jitter*r))   r in [0, 1)
//
// With Jitter < Factor-1 the sequence is strictly increasing until it hits Max.
type Policy struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
	Jitter  float64       `yaml:"jitter"`
}

// DefaultPolicy starts at 1s, doubles, and caps at 60s with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Validate checks the policy can produce a strictly increasing sequence.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return errors.New("backoff initial must be > 0")
	}
	if p.Max < p.Initial {
		return errors.New("backoff max must be >= initial")
	}
	if p.Factor <= 1 {
		return errors.New("backoff factor must be > 1")
	}
	if p.Jitter < 0 || p.Jitter >= p.Factor-1 {
		return errors.New("backoff jitter must be in [0, factor-1)")
	}
	return nil
}

// Compute returns the delay for the given attempt using a random jitter.
func (p Policy) Compute(attempt int) time.Duration {
	return p.ComputeWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand returns the delay for attempt using randomValue in [0, 1).
func (p Policy) ComputeWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base * (1 + p.Jitter*randomValue)
	if limit := float64(p.Max); total > limit {
		total = limit
	}
	return time.Duration(math.Round(total))
}

// Schedule tracks consecutive failures against a policy.
type Schedule struct {
	mu      sync.Mutex
	policy  Policy
	attempt int
	random  func() float64
}

// NewSchedule creates a schedule starting at attempt zero.
func NewSchedule(policy Policy) *Schedule {
	return &Schedule{
		policy: policy,
		random: rand.Float64, // #nosec G404 -- jitter does not require cryptographic randomness
	}
}

// Next records a failure and returns the delay before the next attempt.
func (s *Schedule) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.policy.ComputeWithRand(s.attempt, s.random())
}

// Reset clears the failure count after a successful attempt.
func (s *Schedule) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Attempts returns the number of consecutive failures recorded.
func (s *Schedule) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// SleepWithContext sleeps for d, returning ctx.Err() if the context ends first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
