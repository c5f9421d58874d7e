package verbs

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRetiresUnsignaledPredecessors(t *testing.T) {
	r := newFakeRegion()
	regions := []Region{r}
	var tr Tracker

	tr.Push(1, false, regions)
	tr.Push(2, false, regions)
	tr.Push(3, true, regions)
	tr.Push(4, true, regions)
	assert.Equal(t, 4, tr.Len())
	assert.Equal(t, 2, tr.Signaled())
	assert.Equal(t, int64(4), r.Pinned())

	assert.Equal(t, 3, tr.Retire(3))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, int64(1), r.Pinned())
	assert.False(t, tr.Contains(1))
	assert.True(t, tr.Contains(4))

	assert.Equal(t, 1, tr.Retire(4))
	assert.Zero(t, tr.Len())
	assert.Zero(t, r.Pinned())
}

func TestTrackerRetireUnknown(t *testing.T) {
	r := newFakeRegion()
	var tr Tracker
	tr.Push(1, true, []Region{r})

	assert.Zero(t, tr.Retire(99))
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, int64(1), r.Pinned())
}

func TestTrackerDuplicateWrIDRetiresOldest(t *testing.T) {
	r1, r2 := newFakeRegion(), newFakeRegion()
	var tr Tracker
	tr.Push(7, true, []Region{r1})
	tr.Push(7, true, []Region{r2})

	assert.Equal(t, 1, tr.Retire(7))
	assert.Zero(t, r1.Pinned())
	assert.Equal(t, int64(1), r2.Pinned())
}

func TestTrackerSignaledWinsOverUnsignaledWithSameWrID(t *testing.T) {
	r1, r2 := newFakeRegion(), newFakeRegion()
	var tr Tracker
	require.NoError(t, tr.Push(0, false, []Region{r1}))
	require.NoError(t, tr.Push(0, true, []Region{r2}))

	assert.Equal(t, 2, tr.Retire(0))
	assert.Zero(t, tr.Len())
	assert.Zero(t, r1.Pinned())
	assert.Zero(t, r2.Pinned())
}

func TestTrackerRetireFallsBackToUnsignaled(t *testing.T) {
	r := newFakeRegion()
	var tr Tracker
	require.NoError(t, tr.Push(5, false, []Region{r}))
	require.NoError(t, tr.Push(6, false, []Region{r}))

	// Flushed unsignaled requests still report their wr_id.
	assert.Equal(t, 1, tr.Retire(5))
	assert.True(t, tr.Contains(6))
	assert.Equal(t, int64(1), r.Pinned())
}

func TestTrackerPushSealedRegion(t *testing.T) {
	live, gone := newFakeRegion(), newFakeRegion()
	require.True(t, gone.Seal())
	var tr Tracker

	err := tr.Push(1, true, []Region{live, gone})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, tr.Len())
	assert.Zero(t, live.Pinned())
}

func TestRetireFailedPrefersQueueHead(t *testing.T) {
	sr, rr := newFakeRegion(), newFakeRegion()
	var send, recv Tracker
	require.NoError(t, send.Push(1, true, []Region{sr}))
	require.NoError(t, send.Push(3, true, []Region{sr}))
	require.NoError(t, recv.Push(3, true, []Region{rr}))
	require.NoError(t, recv.Push(4, true, []Region{rr}))

	// wr_id 3 heads the receive queue, so the flushed receive leaves the
	// send queue alone.
	assert.Equal(t, 1, RetireFailed(3, &send, &recv))
	assert.Equal(t, 2, send.Len())
	assert.Equal(t, int64(2), sr.Pinned())
	assert.False(t, recv.Contains(3))
	assert.Equal(t, int64(1), rr.Pinned())

	// Not at any head: the first tracker holding it retires it.
	assert.Equal(t, 2, RetireFailed(3, &send, &recv))
	assert.Zero(t, send.Len())

	assert.Zero(t, RetireFailed(99, &send, nil, &recv))
	assert.Equal(t, 1, RetireFailed(4, nil, &send, &recv))
	assert.Zero(t, rr.Pinned())
}

func TestTrackerRollback(t *testing.T) {
	r := newFakeRegion()
	var tr Tracker
	for id := uint64(0); id < 5; id++ {
		tr.Push(id, true, []Region{r})
	}

	tr.Rollback(2)
	assert.Equal(t, 3, tr.Len())
	assert.Equal(t, int64(3), r.Pinned())
	assert.False(t, tr.Contains(3))
	assert.False(t, tr.Contains(4))

	tr.Rollback(10)
	assert.Zero(t, tr.Len())
	assert.Zero(t, r.Pinned())
}

func TestTrackerDrain(t *testing.T) {
	r := newFakeRegion()
	var tr Tracker
	tr.Push(1, false, []Region{r, r})
	tr.Push(2, true, nil)

	assert.Equal(t, 2, tr.Drain())
	assert.Zero(t, r.Pinned())
	assert.Zero(t, tr.Drain())
}

func TestTrackerConcurrentPushRetire(t *testing.T) {
	r := newFakeRegion()
	var tr Tracker
	const n = 1000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := uint64(0); id < n; id++ {
			tr.Push(id, true, []Region{r})
		}
	}()

	for id := uint64(0); id < n; id++ {
		for tr.Retire(id) == 0 {
			runtime.Gosched()
		}
	}
	wg.Wait()
	assert.Zero(t, tr.Len())
	assert.Zero(t, r.Pinned())
}
