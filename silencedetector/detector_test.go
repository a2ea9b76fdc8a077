package silencedetector_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coriolis-audio/duplexproto/silencedetector"
)

func TestFiresAfterThresholdWithNoTouch(t *testing.T) {
	var fired atomic.Bool
	d := silencedetector.New(20*time.Millisecond, func() { fired.Store(true) })

	d.Touch()

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
}

func TestTouchResetsDeadline(t *testing.T) {
	var fired atomic.Bool
	d := silencedetector.New(40*time.Millisecond, func() { fired.Store(true) })

	d.Touch()
	time.Sleep(20 * time.Millisecond)
	d.Touch() // resets the deadline; without this the detector would fire ~20ms from now
	time.Sleep(20 * time.Millisecond)
	require.False(t, fired.Load())

	require.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
}

func TestStopPreventsFire(t *testing.T) {
	var fired atomic.Bool
	d := silencedetector.New(10*time.Millisecond, func() { fired.Store(true) })

	d.Touch()
	d.Stop()

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestStopIsSafeBeforeAnyTouch(t *testing.T) {
	d := silencedetector.New(10*time.Millisecond, func() { t.Fatal("must not fire") })
	d.Stop()
	time.Sleep(20 * time.Millisecond)
}
