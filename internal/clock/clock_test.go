package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kornnellio/gosv/internal/svc"
)

func TestArmFiresOnC(t *testing.T) {
	s := New()
	s.Arm(7, svc.TimerKill, time.Millisecond)

	select {
	case f := <-s.C:
		assert.Equal(t, 7, f.ServiceID)
		assert.Equal(t, svc.TimerKill, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

// TestArmCancelsPrior pins the re-arm rule — arming cancels the prior: only
// the second timer's kind should ever arrive.
func TestArmCancelsPrior(t *testing.T) {
	s := New()
	s.Arm(1, svc.TimerRetry, 5*time.Millisecond)
	s.Arm(1, svc.TimerKill, time.Millisecond)

	select {
	case f := <-s.C:
		assert.Equal(t, svc.TimerKill, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	select {
	case f := <-s.C:
		t.Fatalf("unexpected second fire: %+v", f)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	s.Arm(1, svc.TimerKill, 5*time.Millisecond)
	s.Cancel(1)

	select {
	case f := <-s.C:
		t.Fatalf("unexpected fire after cancel: %+v", f)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPendingReflectsArmState(t *testing.T) {
	s := New()
	assert.False(t, s.Pending(1))

	s.Arm(1, svc.TimerKill, time.Second)
	assert.True(t, s.Pending(1))

	s.Cancel(1)
	assert.False(t, s.Pending(1))
}

func TestStopAllCancelsEverything(t *testing.T) {
	s := New()
	s.Arm(1, svc.TimerKill, time.Second)
	s.Arm(2, svc.TimerRetry, time.Second)

	s.StopAll()

	assert.False(t, s.Pending(1))
	assert.False(t, s.Pending(2))
}

func TestCancelOnUnarmedServiceIsNoop(t *testing.T) {
	s := New()
	require.NotPanics(t, func() { s.Cancel(99) })
}

// TestNewWithSchedulerUsesInjectedFunc pins that Arm goes through the
// injected scheduler rather than always calling time.AfterFunc directly,
// so a test can fire timers deterministically instead of waiting on the
// wall clock.
func TestNewWithSchedulerUsesInjectedFunc(t *testing.T) {
	var gotDelay time.Duration
	calls := 0
	s := NewWithScheduler(func(d time.Duration, f func()) *time.Timer {
		calls++
		gotDelay = d
		f()
		return time.NewTimer(0)
	})

	s.Arm(3, svc.TimerRetry, 42*time.Second)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 42*time.Second, gotDelay)
	f := <-s.C
	assert.Equal(t, 3, f.ServiceID)
	assert.Equal(t, svc.TimerRetry, f.Kind)
}
