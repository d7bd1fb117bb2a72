package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noJitter(base, max time.Duration) Backoff {
	b := NewBackoff(base, max)
	b.rand = func() float64 { return 0 }
	return b
}

func TestBackoffExponentialGrowth(t *testing.T) {
	b := noJitter(30*time.Second, time.Hour)

	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, 60*time.Second, b.Delay(2))
	assert.Equal(t, 120*time.Second, b.Delay(3))
	assert.Equal(t, 240*time.Second, b.Delay(4))
}

func TestBackoffMonotoneUpToCap(t *testing.T) {
	b := noJitter(30*time.Second, time.Hour)

	prev := time.Duration(0)
	for retries := 1; retries <= 20; retries++ {
		delay := b.Delay(retries)
		assert.GreaterOrEqual(t, delay, prev, "backoff decreased at retries=%d", retries)
		assert.LessOrEqual(t, delay, time.Hour)
		prev = delay
	}
}

func TestBackoffCap(t *testing.T) {
	b := noJitter(30*time.Second, time.Hour)

	assert.Equal(t, time.Hour, b.Delay(10))
	assert.Equal(t, time.Hour, b.Delay(100))
}

func TestBackoffJitterBounded(t *testing.T) {
	b := NewBackoff(30*time.Second, time.Hour)

	for i := 0; i < 100; i++ {
		delay := b.Delay(1)
		assert.GreaterOrEqual(t, delay, 30*time.Second)
		assert.Less(t, delay, 60*time.Second)
	}
}

func TestBackoffZeroRetriesTreatedAsFirst(t *testing.T) {
	b := noJitter(30*time.Second, time.Hour)

	assert.Equal(t, b.Delay(1), b.Delay(0))
}

func TestTruncateError(t *testing.T) {
	short := "connection refused"
	assert.Equal(t, short, truncateError(short))

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, truncateError(string(long)), maxErrorLength)
}
