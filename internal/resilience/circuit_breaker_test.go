//nolint:testpackage // tests read unexported settings
package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errUpstream = errors.New("media store unavailable")
	errMissing  = errors.New("object missing")
)

func failing() error { return errUpstream }
func passing() error { return nil }

func TestNewCircuitBreaker_AppliesDefaults(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "directory", MaxFailures: -2})

	assert.Equal(t, "directory", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int64(defaultMaxFailures), cb.settings.MaxFailures)
	assert.Equal(t, defaultResetTimeout, cb.settings.ResetTimeout)
	assert.Equal(t, int64(defaultHalfOpenSuccesses), cb.settings.HalfOpenMaxRequests)
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "media", MaxFailures: 3})

	for range 2 {
		require.ErrorIs(t, cb.Execute(failing), errUpstream)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Execute(passing))
	assert.Equal(t, int64(0), cb.Metrics().ConsecutiveFailures)
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "media", MaxFailures: 2, ResetTimeout: time.Hour})

	_ = cb.Execute(failing)
	_ = cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.Metrics().TotalRejected)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "media",
		MaxFailures:         1,
		ResetTimeout:        20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	})

	_ = cb.Execute(failing)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(passing))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(passing))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "media", MaxFailures: 1, ResetTimeout: 20 * time.Millisecond})

	_ = cb.Execute(failing)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(failing)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IsFailureFiltersTerminalErrors(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:        "media",
		MaxFailures: 2,
		IsFailure:   func(err error) bool { return !errors.Is(err, errMissing) },
	})

	for range 5 {
		err := cb.Execute(func() error { return errMissing })
		require.ErrorIs(t, err, errMissing)
	}

	assert.Equal(t, StateClosed, cb.State())
	metrics := cb.Metrics()
	assert.Equal(t, int64(5), metrics.TotalSuccesses)
	assert.Equal(t, int64(0), metrics.TotalFailures)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker(Settings{
		Name:         "directory",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(failing)
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(passing)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.Equal(t, "directory:closed->open", transitions[0])
	assert.Equal(t, "directory:open->half-open", transitions[1])
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "media", MaxFailures: 1000})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			for j := range 20 {
				if (i+j)%2 == 0 {
					_ = cb.Execute(failing)
				} else {
					_ = cb.Execute(passing)
				}
			}
		})
	}
	wg.Wait()

	metrics := cb.Metrics()
	assert.Equal(t, int64(1000), metrics.TotalRequests)
	assert.Equal(t, metrics.TotalRequests, metrics.TotalSuccesses+metrics.TotalFailures+metrics.TotalRejected)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
