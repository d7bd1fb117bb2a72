package outbox

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * 2^(retries-1), capped at Max,
// plus uniform jitter in [0, Base) so many tenants retrying after a
// shared provider outage do not wake up in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a jitter fraction in [0, 1). Overridable in tests.
	rand func() float64
}

func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{
		Base: base,
		Max:  max,
		rand: rand.Float64,
	}
}

// Delay returns the wait before attempt number retries (1-based count of
// failed attempts so far). Monotone non-decreasing up to the cap.
func (b Backoff) Delay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}

	delay := b.Base
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if delay > b.Max {
		delay = b.Max
	}

	jitter := time.Duration(0)
	if b.rand != nil && b.Base > 0 {
		jitter = time.Duration(b.rand() * float64(b.Base))
	}
	return delay + jitter
}
