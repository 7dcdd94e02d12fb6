// Package retry decides what happens to a failed stage attempt.
package retry

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// Action is the outcome of a retry decision.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

// Decision tells the worker how to settle a failed attempt.
type Decision struct {
	Action Action
	// Delay before the next attempt; zero when dead-lettering.
	Delay  time.Duration
	Class  lrerrors.Class
	Code   lrerrors.ErrorCode
	Reason string
}

// Policy is an exponential backoff policy with a cap, jitter and a maximum
// attempt count.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	// Jitter adds up to Jitter*delay of random extra wait. 0 disables it.
	Jitter float64 `yaml:"jitter"`

	mu   sync.Mutex
	rand *rand.Rand
}

// DefaultPolicy returns the default stage retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// WithSeed makes jitter deterministic. Intended for tests.
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	p.rand = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

// Backoff returns the delay before retrying after the given attempt (1-based):
// BaseDelay * 2^(attempt-1) plus jitter, never above MaxDelay.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 && delay > 0 {
		delay += time.Duration(p.float() * p.Jitter * float64(delay))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Decide classifies err for a job that has made attempt attempts so far.
func (p *Policy) Decide(err error, attempt int) Decision {
	se := lrerrors.ClassifyError(err, "")
	d := Decision{Class: se.Class(), Code: se.Code}

	switch {
	case d.Class == lrerrors.ClassPermanent:
		d.Action = ActionDeadLetter
		d.Reason = "permanent error: " + string(se.Code)
	case p.MaxAttempts > 0 && attempt >= p.MaxAttempts:
		d.Action = ActionDeadLetter
		d.Reason = fmt.Sprintf("max attempts (%d) exhausted: %s", p.MaxAttempts, se.Code)
	default:
		d.Action = ActionRetry
		d.Delay = p.Backoff(attempt)
		d.Reason = "transient error: " + string(se.Code)
	}
	return d
}

func (p *Policy) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rand.Float64()
}
