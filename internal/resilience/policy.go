package resilience

import "time"

// Default policy values applied when a field is left at its zero value.
const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 10 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxJitter      = time.Second
)

// Policy controls how many times and how patiently a remote call is retried.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// MaxJitter bounds the random delay added on top of each backoff. A
	// negative value disables jitter.
	MaxJitter time.Duration
}

// DefaultPolicy returns the policy used for every call unless overridden.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
		MaxJitter:      DefaultMaxJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = DefaultMaxJitter
	}
	return p
}

// Backoff returns the capped exponential delay that follows a failed attempt
// n (1-based), without jitter: min(BaseDelay * 2^(n-1), MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Budget returns the longest a single Execute call can take under p: every
// attempt hitting its timeout plus every backoff at full jitter.
func (p Policy) Budget() time.Duration {
	p = p.normalized()
	total := time.Duration(p.MaxAttempts) * p.AttemptTimeout
	for n := 1; n < p.MaxAttempts; n++ {
		total += p.Backoff(n)
		if p.MaxJitter > 0 {
			total += p.MaxJitter
		}
	}
	return total
}

// CallOption overrides the executor policy for a single call.
type CallOption func(*Policy)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) CallOption {
	return func(p *Policy) {
		if n > 0 {
			p.MaxAttempts = n
		}
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) CallOption {
	return func(p *Policy) {
		if d > 0 {
			p.AttemptTimeout = d
		}
	}
}

// WithBaseDelay overrides the first backoff delay.
func WithBaseDelay(d time.Duration) CallOption {
	return func(p *Policy) {
		if d > 0 {
			p.BaseDelay = d
		}
	}
}

// WithMaxDelay overrides the backoff cap.
func WithMaxDelay(d time.Duration) CallOption {
	return func(p *Policy) {
		if d > 0 {
			p.MaxDelay = d
		}
	}
}
