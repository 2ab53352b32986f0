package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilHandleIsComplete(t *testing.T) {
	var h *Handle
	require.NoError(t, h.Wait(context.Background()))
	select {
	case <-h.Done():
	default:
		t.Fatal("nil handle should be done")
	}
	assert.Nil(t, Combine(nil, nil))
}

func TestScheduleRespectsDependencies(t *testing.T) {
	e := NewExecutor(4)

	var mu sync.Mutex
	var order []string
	record := func(s string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
			return nil
		}
	}

	a := e.Schedule(func() error {
		time.Sleep(10 * time.Millisecond)
		return record("a")()
	})
	b := e.Schedule(record("b"), a)
	c := e.Schedule(record("c"), b)

	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.EqualValues(t, 3, e.Completed())
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	e := NewExecutor(2)
	boom := errors.New("boom")

	var ran atomic.Bool
	a := e.Schedule(func() error { return boom })
	b := e.Schedule(func() error { ran.Store(true); return nil }, a)

	err := b.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran.Load())
}

func TestPanicBecomesError(t *testing.T) {
	e := NewExecutor(1)
	h := e.Schedule(func() error { panic("bad modifier") })
	err := h.Wait(context.Background())
	require.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "bad modifier")
}

func TestGuard(t *testing.T) {
	err := Guard(func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	require.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "nil map")

	boom := errors.New("boom")
	assert.ErrorIs(t, Guard(func() error { return boom }), boom)
	assert.NoError(t, Guard(func() error { return nil }))
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	e := NewExecutor(2)

	var peak atomic.Int64
	var handles []*Handle
	for i := 0; i < 16; i++ {
		handles = append(handles, e.Schedule(func() error {
			cur := e.Running()
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			return nil
		}))
	}
	require.NoError(t, Combine(handles...).Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.EqualValues(t, 16, e.Completed())
}

func TestCombineReportsFirstError(t *testing.T) {
	first := errors.New("first")
	second := errors.New("second")
	h := Combine(Complete(nil), Complete(first), Complete(second))
	assert.ErrorIs(t, h.Wait(context.Background()), first)
}

func TestWaitHonorsContext(t *testing.T) {
	e := NewExecutor(1)
	release := make(chan struct{})
	h := e.Schedule(func() error { <-release; return nil })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}
