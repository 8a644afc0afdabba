// Package retry implements the exponential-backoff retry executor used to
// absorb transient failures from unreliable peripherals: I2C devices that
// NAK, flaky sensors, network timeouts. A Registry holds one named Policy
// per tool or peripheral, bounded by LRU eviction, with accumulated stats
// per key.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/edgemcp/mcpd/internal/clock"
	"github.com/edgemcp/mcpd/internal/containers"
)

// JitterMode selects how delayForAttempt randomizes the computed backoff.
type JitterMode string

const (
	JitterNone         JitterMode = "none"
	JitterFull         JitterMode = "full"
	JitterEqual        JitterMode = "equal"
	JitterDecorrelated JitterMode = "decorrelated"
)

// Policy configures the backoff schedule and retry limits for one operation
// class.
type Policy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	TotalTimeout     time.Duration // zero means no overall deadline
	Jitter           JitterMode
}

// DefaultPolicy mirrors the firmware's default retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: 10 * time.Second, Jitter: JitterNone}
}

// delayForAttempt computes the backoff delay before attempt (0-based),
// given the delay used for the previous attempt (needed for decorrelated
// jitter). rng supplies randomness so tests can be deterministic.
func (p Policy) delayForAttempt(attempt int, lastDelay time.Duration, rng *rand.Rand) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	switch p.Jitter {
	case JitterFull:
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d)))
	case JitterEqual:
		half := d / 2
		if half <= 0 {
			return half
		}
		return half + time.Duration(rng.Int63n(int64(half)))
	case JitterDecorrelated:
		prev := lastDelay
		if prev <= 0 {
			prev = p.BaseDelay
		}
		upper := prev * 3
		if upper > p.MaxDelay {
			upper = p.MaxDelay
		}
		lower := p.BaseDelay
		if lower > upper {
			lower = upper
		}
		if upper <= lower {
			return lower
		}
		return lower + time.Duration(rng.Int63n(int64(upper-lower)))
	default:
		return d
	}
}

// Result is the three-valued outcome of one attempt at a retryable
// operation: succeeded, retryable failure, or fatal (non-retryable) failure.
type Result struct {
	Succeeded bool
	CanRetry  bool
	Err       error
	Value     any
}

// Success builds a successful Result.
func Success(value any) Result { return Result{Succeeded: true, Value: value} }

// Retryable builds a Result describing a transient failure worth retrying.
func Retryable(err error) Result { return Result{CanRetry: true, Err: err} }

// Fatal builds a Result describing a failure that should not be retried.
func Fatal(err error) Result { return Result{Err: err} }

// Operation is the unit of work a retry executor runs, re-invoked on each
// attempt.
type Operation func() Result

// RetryFunc is invoked before sleeping between attempts.
type RetryFunc func(attempt int, err error, delay time.Duration)

// GiveUpFunc is invoked once retries are exhausted.
type GiveUpFunc func(attempts int, lastErr error)

// Stats accumulates counters across however many Execute calls share it.
type Stats struct {
	TotalAttempts    uint64
	TotalSuccesses   uint64
	TotalRetries     uint64
	TotalFailures    uint64
	TotalFatalErrors uint64
	TotalTimeouts    uint64
	TotalDelay       time.Duration
}

func (s *Stats) accumulate(o Stats) {
	s.TotalAttempts += o.TotalAttempts
	s.TotalSuccesses += o.TotalSuccesses
	s.TotalRetries += o.TotalRetries
	s.TotalFailures += o.TotalFailures
	s.TotalFatalErrors += o.TotalFatalErrors
	s.TotalTimeouts += o.TotalTimeouts
	s.TotalDelay += o.TotalDelay
}

// Executor runs an Operation under a Policy, sleeping between attempts via
// a Clock so tests can run the full backoff schedule without wall-clock
// delay.
type Executor struct {
	policy Policy
	clk    clock.Clock
	rng    *rand.Rand
	stats  Stats
	onRetry  RetryFunc
	onGiveUp GiveUpFunc
}

// NewExecutor creates an Executor for policy. clk is used both to measure
// elapsed time against TotalTimeout and to perform the inter-attempt sleep.
func NewExecutor(policy Policy, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	return &Executor{policy: policy, clk: clk, rng: rand.New(rand.NewSource(1))}
}

// OnRetry installs a callback invoked before each retry sleep.
func (e *Executor) OnRetry(fn RetryFunc) { e.onRetry = fn }

// OnGiveUp installs a callback invoked once retries are exhausted.
func (e *Executor) OnGiveUp(fn GiveUpFunc) { e.onGiveUp = fn }

// Stats returns a copy of the executor's accumulated stats.
func (e *Executor) Stats() Stats { return e.stats }

// ResetStats zeroes the accumulated stats.
func (e *Executor) ResetStats() { e.stats = Stats{} }

// Execute runs op, retrying per the policy until it succeeds, fails fatally,
// exhausts MaxRetries, or exceeds TotalTimeout.
func (e *Executor) Execute(op Operation) Result {
	start := e.clk.Now()
	var lastDelay time.Duration

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		e.stats.TotalAttempts++

		if e.policy.TotalTimeout > 0 && attempt > 0 {
			if e.clk.Now().Sub(start) >= e.policy.TotalTimeout {
				e.stats.TotalTimeouts++
				return Fatal(errTotalTimeoutExceeded)
			}
		}

		result := op()

		if result.Succeeded {
			e.stats.TotalSuccesses++
			return result
		}
		if !result.CanRetry {
			e.stats.TotalFatalErrors++
			return result
		}
		if attempt >= e.policy.MaxRetries {
			e.stats.TotalFailures++
			if e.onGiveUp != nil {
				e.onGiveUp(attempt+1, result.Err)
			}
			return result
		}

		d := e.policy.delayForAttempt(attempt, lastDelay, e.rng)
		if e.policy.TotalTimeout > 0 {
			elapsed := e.clk.Now().Sub(start)
			remaining := e.policy.TotalTimeout - elapsed
			if remaining < 0 {
				remaining = 0
			}
			if d > remaining {
				d = remaining
			}
		}

		e.stats.TotalRetries++
		e.stats.TotalDelay += d
		lastDelay = d

		if e.onRetry != nil {
			e.onRetry(attempt, result.Err, d)
		}
		if d > 0 {
			e.clk.Sleep(d)
		}
	}

	e.stats.TotalFailures++
	return Fatal(errMaxRetriesExceeded)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errTotalTimeoutExceeded = sentinelError("retry: total timeout exceeded")
	errMaxRetriesExceeded   = sentinelError("retry: max retries exceeded")
)

// Registry holds one Policy (plus accumulated Stats) per key, bounded by LRU
// eviction.
type Registry struct {
	mu    sync.Mutex
	clk   clock.Clock
	lru   *containers.LRURegistry[string, *registryEntry]
}

type registryEntry struct {
	policy Policy
	stats  Stats
}

// NewRegistry creates a Registry bounded at maxPolicies entries.
func NewRegistry(maxPolicies int, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{clk: clk, lru: containers.NewLRURegistry[string, *registryEntry](maxPolicies, nil)}
}

// Set registers policy for key, resetting that key's accumulated stats.
func (r *Registry) Set(key string, policy Policy) {
	r.lru.Set(key, &registryEntry{policy: policy})
}

// Get returns the policy registered for key.
func (r *Registry) Get(key string) (Policy, bool) {
	e, ok := r.lru.Get(key)
	if !ok {
		return Policy{}, false
	}
	return e.policy, true
}

// Has reports whether key has a registered policy.
func (r *Registry) Has(key string) bool {
	_, ok := r.lru.Get(key)
	return ok
}

// Remove deletes the policy (and stats) for key.
func (r *Registry) Remove(key string) {
	r.lru.Remove(key)
}

// Execute runs op under the policy registered for key, falling back to
// defaultPolicy if key has no registered policy. When key has a registered
// entry, the run's stats are accumulated into it.
func (r *Registry) Execute(key string, defaultPolicy Policy, op Operation) Result {
	entry, ok := r.lru.Get(key)
	if !ok {
		// No registered policy for this key: run untracked, accumulating no
		// stats, exactly as the firmware registry falls back to a temporary
		// executor rather than creating an entry as a side effect of a read.
		executor := NewExecutor(defaultPolicy, r.clk)
		return executor.Execute(op)
	}

	executor := NewExecutor(entry.policy, r.clk)
	result := executor.Execute(op)

	r.lru.Do(key, func() *registryEntry { return entry }, func(e *registryEntry) {
		e.stats.accumulate(executor.Stats())
	})
	return result
}

// Stats returns the accumulated stats for key.
func (r *Registry) Stats(key string) (Stats, bool) {
	e, ok := r.lru.Get(key)
	if !ok {
		return Stats{}, false
	}
	return e.stats, true
}

// ResetAllStats zeroes accumulated stats for every registered key.
func (r *Registry) ResetAllStats() {
	for _, key := range r.lru.Keys() {
		if e, ok := r.lru.Get(key); ok {
			e.stats = Stats{}
		}
	}
}

// Count returns the number of registered policies.
func (r *Registry) Count() int { return r.lru.Len() }

// Keys returns every registered key.
func (r *Registry) Keys() []string { return r.lru.Keys() }
