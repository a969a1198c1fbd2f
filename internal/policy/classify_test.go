package policy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardai/steward/pkg/schema"
)

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil))
}

func TestClassify_PassThrough(t *testing.T) {
	orig := schema.NewError(schema.ErrKindRateLimit, "slow down").WithStep(2)
	assert.Same(t, orig, Classify(orig))
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	err := Classify(context.DeadlineExceeded)
	assert.Equal(t, schema.ErrKindTimeout, err.Kind)
}

type fakeNetErr struct{ timeout bool }

func (e *fakeNetErr) Error() string   { return "dial tcp: refused" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return true }

var _ net.Error = (*fakeNetErr)(nil)

func TestClassify_NetError(t *testing.T) {
	assert.Equal(t, schema.ErrKindNetwork, Classify(&fakeNetErr{}).Kind)
	assert.Equal(t, schema.ErrKindTimeout, Classify(&fakeNetErr{timeout: true}).Kind)
}

func TestClassify_MessageHeuristics(t *testing.T) {
	cases := map[string]schema.ErrorKind{
		"429 Too Many Requests":          schema.ErrKindRateLimit,
		"provider quota exceeded":        schema.ErrKindRateLimit,
		"401 unauthorized":               schema.ErrKindAuth,
		"invalid api key provided":       schema.ErrKindAuth,
		"request validation failed":      schema.ErrKindValidation,
		"upstream 503 service unavailable": schema.ErrKindUnavailable,
		"502 bad gateway":                schema.ErrKindUnavailable,
		"504 gateway timeout":            schema.ErrKindUnavailable,
		"request timed out":              schema.ErrKindTimeout,
		"connection refused":             schema.ErrKindNetwork,
		"something inexplicable":         schema.ErrKindUnknown,
	}
	for msg, want := range cases {
		got := Classify(errors.New(msg))
		assert.Equal(t, want, got.Kind, "message %q", msg)
	}
}

func TestBackoff_BasesPerKind(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(schema.ErrKindRateLimit, 0))
	assert.Equal(t, 2*time.Second, Backoff(schema.ErrKindTimeout, 0))
	assert.Equal(t, 3*time.Second, Backoff(schema.ErrKindNetwork, 0))
	assert.Equal(t, 10*time.Second, Backoff(schema.ErrKindUnavailable, 0))
	assert.Equal(t, time.Second, Backoff(schema.ErrKindUnknown, 0))
	assert.Equal(t, time.Second, Backoff(schema.ErrKindExecution, 0))
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(schema.ErrKindRateLimit, 1))
	assert.Equal(t, 20*time.Second, Backoff(schema.ErrKindRateLimit, 2))
	assert.Equal(t, 40*time.Second, Backoff(schema.ErrKindRateLimit, 3))
	assert.Equal(t, MaxDelay, Backoff(schema.ErrKindRateLimit, 4))
	assert.Equal(t, MaxDelay, Backoff(schema.ErrKindRateLimit, 20))
}

func TestBackoff_NonDecreasing(t *testing.T) {
	kinds := []schema.ErrorKind{
		schema.ErrKindExecution, schema.ErrKindTimeout, schema.ErrKindRateLimit,
		schema.ErrKindNetwork, schema.ErrKindUnavailable, schema.ErrKindUnknown,
	}
	for _, kind := range kinds {
		prev := time.Duration(0)
		for attempt := 0; attempt < 12; attempt++ {
			d := Backoff(kind, attempt)
			require.GreaterOrEqual(t, d, prev, "kind %s attempt %d", kind, attempt)
			require.LessOrEqual(t, d, MaxDelay)
			prev = d
		}
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Wait(ctx, 5*time.Second)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_ZeroDelay(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), 0))
}
