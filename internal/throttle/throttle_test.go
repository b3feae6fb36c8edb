package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 40 * time.Millisecond

type runLog struct {
	mu     sync.Mutex
	order  []int
	starts []time.Time
	ends   []time.Time
}

func (l *runLog) record(i int, start, end time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, i)
	l.starts = append(l.starts, start)
	l.ends = append(l.ends, end)
}

func TestSpacingAndOrder(t *testing.T) {
	th := New("test", testInterval)
	defer th.Close()

	const n = 6
	var log runLog
	tickets := make([]*Ticket, n)
	for i := 0; i < n; i++ {
		i := i
		tickets[i] = th.Submit(func() (any, error) {
			start := time.Now()
			// vary duration so ordering can't come from timing luck
			time.Sleep(time.Duration(n-i) * time.Millisecond)
			log.record(i, start, time.Now())
			return i, nil
		})
	}

	for i, ticket := range tickets {
		v, err := ticket.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, log.order)
	for i := 1; i < n; i++ {
		gap := log.starts[i].Sub(log.starts[i-1])
		assert.GreaterOrEqual(t, gap, testInterval, "gap between op %d and %d", i-1, i)
		assert.GreaterOrEqual(t, log.starts[i].Sub(log.ends[i-1]), testInterval)
	}
}

func TestConcurrentSubmittersNeverOverlap(t *testing.T) {
	th := New("test", 10*time.Millisecond)
	defer th.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		starts  []time.Time
		wg      sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), th, func() (struct{}, error) {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				starts = append(starts, time.Now())
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	require.Len(t, starts, 8)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 10*time.Millisecond)
	}
}

func TestFailureDoesNotBreakQueue(t *testing.T) {
	th := New("test", testInterval)
	defer th.Close()

	boom := errors.New("boom")
	var log runLog

	first := th.Submit(func() (any, error) {
		log.record(0, time.Now(), time.Now())
		return nil, boom
	})
	second := th.Submit(func() (any, error) {
		log.record(1, time.Now(), time.Now())
		panic("kaboom")
	})
	third := th.Submit(func() (any, error) {
		log.record(2, time.Now(), time.Now())
		return "ok", nil
	})

	_, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = second.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	v, err := third.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	assert.Equal(t, []int{0, 1, 2}, log.order)
	assert.GreaterOrEqual(t, log.starts[1].Sub(log.ends[0]), testInterval)
	assert.GreaterOrEqual(t, log.starts[2].Sub(log.ends[1]), testInterval)
}

func TestRateLimitedFailureStillSpacesNextCall(t *testing.T) {
	th := New("jikan", testInterval)
	defer th.Close()

	rateLimited := errors.New("429 too many requests")
	var failedAt time.Time

	_, err := Do(context.Background(), th, func() (int, error) {
		time.Sleep(5 * time.Millisecond)
		failedAt = time.Now()
		return 0, rateLimited
	})
	require.ErrorIs(t, err, rateLimited)

	var startedAt time.Time
	v, err := Do(context.Background(), th, func() (int, error) {
		startedAt = time.Now()
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.GreaterOrEqual(t, startedAt.Sub(failedAt), testInterval)
}

func TestAbandonedWaitStillConsumesSlot(t *testing.T) {
	th := New("test", testInterval)
	defer th.Close()

	// first call sets the watermark
	_, err := Do(context.Background(), th, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	ran := make(chan time.Time, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ticket := th.Submit(func() (any, error) {
		ran <- time.Now()
		return nil, nil
	})
	cancel()
	_, err = ticket.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	var abandonedStart time.Time
	select {
	case abandonedStart = <-ran:
	case <-time.After(time.Second):
		t.Fatal("abandoned ticket never ran")
	}

	var nextStart time.Time
	_, err = Do(context.Background(), th, func() (int, error) {
		nextStart = time.Now()
		return 2, nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, nextStart.Sub(abandonedStart), testInterval)
}

func TestCloseFailsQueuedTickets(t *testing.T) {
	th := New("test", time.Hour)

	_, err := Do(context.Background(), th, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	// stuck behind an hour-long interval
	queued := th.Submit(func() (any, error) { return "never", nil })
	th.Close()

	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	late := th.Submit(func() (any, error) { return "late", nil })
	_, err = late.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	// closing twice is harmless
	th.Close()
}

func TestPendingAndInterval(t *testing.T) {
	th := New("test", time.Hour)
	defer th.Close()

	assert.Equal(t, time.Hour, th.Interval())

	_, err := Do(context.Background(), th, func() (int, error) { return 1, nil })
	require.NoError(t, err)

	th.Submit(func() (any, error) { return nil, nil })
	th.Submit(func() (any, error) { return nil, nil })

	// the worker holds one ticket while it waits out the interval
	assert.Eventually(t, func() bool { return th.Pending() == 1 }, time.Second, 5*time.Millisecond)
}
