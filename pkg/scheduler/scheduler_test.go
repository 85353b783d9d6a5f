package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRunsFunction(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var calls atomic.Int32
	it, err := s.Create("probe", 0, func() (Result, error) {
		calls.Add(1)
		return KeepScheduled, nil
	})
	require.NoError(t, err)

	s.Activate(it)
	require.NoError(t, s.Execute(it))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Deactivate(it)
}

func TestExecuteDroppedWhileBusy(t *testing.T) {
	s := New()
	defer s.Shutdown()

	release := make(chan struct{})
	var calls atomic.Int32
	it, err := s.Create("slow", 0, func() (Result, error) {
		calls.Add(1)
		<-release
		return KeepScheduled, nil
	})
	require.NoError(t, err)
	s.Activate(it)

	require.NoError(t, s.Execute(it))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// Second Execute while the first call is still blocked on release must
	// be dropped, not queued.
	require.NoError(t, s.Execute(it))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	s.Deactivate(it)
}

func TestExecuteBeforeActivateIsInactive(t *testing.T) {
	s := New()
	defer s.Shutdown()

	it, err := s.Create("idle", 0, func() (Result, error) { return KeepScheduled, nil })
	require.NoError(t, err)

	assert.ErrorIs(t, s.Execute(it), ErrInactive)
}

func TestPeriodicFiringAndSetPeriod(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var calls atomic.Int32
	it, err := s.Create("ticker", time.Hour, func() (Result, error) {
		calls.Add(1)
		return KeepScheduled, nil
	})
	require.NoError(t, err)

	// Only the shortened period can produce three firings within a second.
	s.SetPeriod(it, 10*time.Millisecond)
	s.Activate(it)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	s.Deactivate(it)

	seen := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, calls.Load(), "no further firings once deactivated")
}

func TestDoneStopsPeriodicTimer(t *testing.T) {
	s := New()
	defer s.Shutdown()

	var calls atomic.Int32
	it, err := s.Create("one-shot", 10*time.Millisecond, func() (Result, error) {
		calls.Add(1)
		return Done, nil
	})
	require.NoError(t, err)

	s.Activate(it)
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	seen := calls.Load()
	assert.Equal(t, int32(1), seen, "Done must stop recurring fires")
	s.Deactivate(it)
}

func TestDeactivateWaitsForInFlight(t *testing.T) {
	s := New()
	defer s.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	it, err := s.Create("long", 0, func() (Result, error) {
		close(started)
		<-release
		return KeepScheduled, nil
	})
	require.NoError(t, err)
	s.Activate(it)
	require.NoError(t, s.Execute(it))
	<-started

	deactivated := make(chan struct{})
	go func() {
		s.Deactivate(it)
		close(deactivated)
	}()

	select {
	case <-deactivated:
		t.Fatal("Deactivate returned while function still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-deactivated
}

func TestDeleteRequiresDeactivated(t *testing.T) {
	s := New()
	defer s.Shutdown()

	it, err := s.Create("item", 0, func() (Result, error) { return KeepScheduled, nil })
	require.NoError(t, err)
	s.Activate(it)

	assert.ErrorIs(t, s.Delete(it), ErrStillActive)

	s.Deactivate(it)
	assert.NoError(t, s.Delete(it))
}

func TestCreateDuplicateNameFails(t *testing.T) {
	s := New()
	defer s.Shutdown()

	_, err := s.Create("dup", 0, func() (Result, error) { return KeepScheduled, nil })
	require.NoError(t, err)
	_, err = s.Create("dup", 0, func() (Result, error) { return KeepScheduled, nil })
	assert.Error(t, err)
}
