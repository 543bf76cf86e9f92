package syncengine

import (
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy decides how long a failed attempt waits before the next one and
// when to give up. Delays use bounded jitter: attempt n waits somewhere in
// [exp(n)/2, exp(n)] with exp(n) = Base*2^(n-1) capped at Cap, so the delay for
// attempt n+1 is never shorter than the delay for attempt n.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	// Jitter returns a value in [0, 1). Nil uses a shared math/rand source.
	Jitter func() float64
}

func DefaultSyncRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, Base: 30 * time.Second, Cap: time.Hour}
}

func DefaultNotificationRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: time.Minute, Cap: 6 * time.Hour}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Cap <= 0 {
		p.Cap = time.Hour
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	return p
}

// Exhausted reports whether attempt (1-based, counting the attempt that just
// failed) reached the ceiling.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

func (p RetryPolicy) ceiling(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Delay returns the wait before the attempt following a failed attempt n.
// A provider supplied retryAfter raises the delay but never past Cap.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	p = p.normalized()
	ceiling := p.ceiling(attempt)
	half := ceiling / 2
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	fraction := jitter()
	if fraction < 0 {
		fraction = 0
	}
	if fraction >= 1 {
		fraction = 0.999999
	}
	delay := half + time.Duration(float64(ceiling-half)*fraction)
	if delay < half {
		delay = half
	}
	if attempt > 1 {
		// the floor of this attempt must not undercut the previous ceiling
		if previous := p.ceiling(attempt - 1); delay < previous {
			delay = previous
		}
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultJitter() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRnd.Float64()
}
