package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, b.TryAcquire())
		b.OnFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, StateOpen, b.State())

	// open: no calls go out before the cooldown
	assert.False(t, b.TryAcquire())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	require.True(t, b.TryAcquire())
	b.OnFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// first caller after the cooldown gets the single probe slot
	assert.True(t, b.TryAcquire())
	assert.Equal(t, StateHalfOpen, b.State())
	// second caller is refused while the probe is in flight
	assert.False(t, b.TryAcquire())

	b.OnSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.TryAcquire())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	require.True(t, b.TryAcquire())
	b.OnFailure()
	time.Sleep(20 * time.Millisecond)

	require.True(t, b.TryAcquire())
	require.Equal(t, StateHalfOpen, b.State())
	b.OnFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.TryAcquire())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)

	require.True(t, b.TryAcquire())
	b.OnFailure()
	require.True(t, b.TryAcquire())
	b.OnSuccess()

	// one more failure must not trip the breaker; the streak was broken
	require.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
