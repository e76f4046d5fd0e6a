package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

func TestRegisterFiresOnReadable(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := false
	require.NoError(t, l.Register(fds[0], EventReadable, func(fd int, mask EventMask) {
		fired = true
		require.NotZero(t, mask&EventReadable)
	}))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.Wait())
	require.True(t, fired)
}

func TestTimerFiresAndReschedules(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	count := 0
	l.ScheduleTimer(time.Now(), func(now time.Time) time.Duration {
		count++
		if count < 3 {
			return time.Millisecond
		}
		return 0
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait())
	}
	require.Equal(t, 3, count)
}

func TestWakeUnblocksWait(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		l.Wake()
		close(done)
	}()

	require.NoError(t, l.Wait())
	<-done
}

func TestCancelTimerPreventsFire(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fired := 0
	canceled := l.ScheduleTimer(time.Now().Add(time.Millisecond), func(time.Time) time.Duration {
		fired++
		return 0
	})
	// A second timer keeps Wait from blocking indefinitely once the first
	// is gone.
	l.ScheduleTimer(time.Now().Add(2*time.Millisecond), func(time.Time) time.Duration { return 0 })

	require.True(t, canceled.Cancel())
	require.False(t, canceled.Cancel(), "second cancel reports not pending")

	require.NoError(t, l.Wait())
	require.Equal(t, 0, fired)
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	tm := l.ScheduleTimer(time.Now(), func(time.Time) time.Duration { return 0 })
	require.NoError(t, l.Wait())
	require.False(t, tm.Cancel())
}

func TestUnregisterStopsDelivery(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := 0
	require.NoError(t, l.Register(fds[0], EventReadable, func(fd int, mask EventMask) {
		calls++
	}))
	require.NoError(t, l.Unregister(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	l.ScheduleTimer(time.Now().Add(time.Millisecond), func(time.Time) time.Duration { return 0 })
	require.NoError(t, l.Wait())
	require.Equal(t, 0, calls)
}
