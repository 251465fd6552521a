package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigmapilot/lens/internal/domain"
)

func TestRetryPolicyBackoff(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   30 * time.Second,
	}

	// Jitter is ±25%, so each delay stays within [0.75, 1.25] of its
	// pre-jitter value.
	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for n, base := range expected {
		for i := 0; i < 50; i++ {
			delay := policy.Backoff(n)
			lo := time.Duration(float64(base) * 0.75)
			hi := time.Duration(float64(base) * 1.25)
			require.GreaterOrEqual(t, delay, lo, "retry %d", n)
			require.LessOrEqual(t, delay, hi, "retry %d", n)
		}
	}
}

func TestRetryPolicyBackoffGrows(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   time.Hour, // cap out of the way
	}

	// Below the cap, the expected delay doubles each retry, so even with
	// worst-case jitter the next delay exceeds half the previous one.
	for n := 0; n < 6; n++ {
		prev := policy.Backoff(n)
		next := policy.Backoff(n + 1)
		assert.Greater(t, next, prev/2, "retry %d", n)
	}
}

func TestReasonCodeFor(t *testing.T) {
	assert.Equal(t, "provider_error", reasonCodeFor(domain.NewError(domain.KindProvider, "boom")))
	assert.Equal(t, "queue_error", reasonCodeFor(domain.NewError(domain.KindQueue, "boom")))
	assert.Equal(t, "internal_error", reasonCodeFor(assertAnError()))
}

func assertAnError() error {
	return &simpleError{}
}

type simpleError struct{}

func (*simpleError) Error() string { return "plain error" }

func TestNonRetryableErrorUnwrap(t *testing.T) {
	cause := domain.NewError(domain.KindNotFound, "event not found")
	err := &NonRetryableError{Err: cause}
	assert.Equal(t, cause.Error(), err.Error())
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
