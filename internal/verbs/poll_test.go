package verbs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPoller hands out completions according to a script: each step is
// either a batch of completions, an empty poll, or an error.
type scriptedPoller struct {
	steps []pollStep
	calls int
}

type pollStep struct {
	wcs []Completion
	err error
}

func (p *scriptedPoller) PollInto(buf []Completion) (int, error) {
	p.calls++
	if len(p.steps) == 0 {
		return 0, nil
	}
	step := &p.steps[0]
	if step.err != nil {
		err := step.err
		p.steps = p.steps[1:]
		return 0, err
	}
	n := copy(buf, step.wcs)
	step.wcs = step.wcs[n:]
	if len(step.wcs) == 0 {
		p.steps = p.steps[1:]
	}
	return n, nil
}

func okWC(id uint64) Completion {
	return Completion{WrID: id, Status: WCSuccess, Opcode: WCRDMAWrite}
}

func TestPollBlockingGathersInOrder(t *testing.T) {
	p := &scriptedPoller{steps: []pollStep{
		{},
		{wcs: []Completion{okWC(1), okWC(2)}},
		{},
		{},
		{wcs: []Completion{okWC(3), okWC(4)}},
	}}

	wcs, err := PollBlocking(context.Background(), p, 3, SpinPolicy{})
	require.NoError(t, err)
	require.Len(t, wcs, 3)
	for i, wc := range wcs {
		assert.Equal(t, uint64(i+1), wc.WrID)
	}
}

func TestPollBlockingReturnsFailedCompletions(t *testing.T) {
	bad := Completion{WrID: 2, Status: WCRemAccessErr}
	p := &scriptedPoller{steps: []pollStep{{wcs: []Completion{okWC(1), bad}}}}

	wcs, err := PollBlocking(context.Background(), p, 2, DefaultSpinPolicy)
	require.NoError(t, err)
	require.Len(t, wcs, 2)
	assert.False(t, wcs[1].OK())
	assert.Equal(t, WCRemAccessErr, wcs[1].Status)
}

func TestPollBlockingPollError(t *testing.T) {
	boom := errors.New("poll failed")
	p := &scriptedPoller{steps: []pollStep{
		{wcs: []Completion{okWC(1)}},
		{err: boom},
	}}

	wcs, err := PollBlocking(context.Background(), p, 2, SpinPolicy{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, wcs, 1)
}

func TestPollBlockingZeroCount(t *testing.T) {
	p := &scriptedPoller{}
	wcs, err := PollBlocking(context.Background(), p, 0, SpinPolicy{})
	assert.NoError(t, err)
	assert.Empty(t, wcs)
	assert.Zero(t, p.calls)
}

func TestPollBlockingContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PollBlocking(ctx, &scriptedPoller{}, 1, SpinPolicy{YieldEvery: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollBlockingSleepPolicy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	policy := SpinPolicy{SleepAfter: 1, Sleep: time.Millisecond}
	start := time.Now()
	_, err := PollBlocking(ctx, &scriptedPoller{}, 1, policy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPollNoCQEBlocking(t *testing.T) {
	p := &scriptedPoller{steps: []pollStep{
		{},
		{wcs: []Completion{okWC(1)}},
		{},
		{wcs: []Completion{okWC(2), okWC(3)}},
	}}

	err := PollNoCQEBlocking(context.Background(), p, 3, SpinPolicy{})
	assert.NoError(t, err)
	assert.Equal(t, 4, p.calls)
}

func TestPollNoCQEBlockingFailedCompletion(t *testing.T) {
	p := &scriptedPoller{steps: []pollStep{
		{wcs: []Completion{okWC(1), {WrID: 2, Status: WCRetryExcErr, VendorErr: 0x81}}},
	}}

	err := PollNoCQEBlocking(context.Background(), p, 5, SpinPolicy{})
	var cerr *CompletionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(2), cerr.WrID)
	assert.Equal(t, WCRetryExcErr, cerr.Status)
	assert.Equal(t, uint32(0x81), cerr.VendorErr)
}

func TestPollNoCQEBlockingLargeCount(t *testing.T) {
	wcs := make([]Completion, 40)
	for i := range wcs {
		wcs[i] = okWC(uint64(i))
	}
	p := &scriptedPoller{steps: []pollStep{{wcs: wcs}}}

	assert.NoError(t, PollNoCQEBlocking(context.Background(), p, 40, SpinPolicy{}))
	assert.Empty(t, p.steps)
}

func TestPollNoCQEBlockingDoesNotOverconsume(t *testing.T) {
	p := &scriptedPoller{steps: []pollStep{{wcs: []Completion{okWC(1), okWC(2), okWC(3)}}}}

	require.NoError(t, PollNoCQEBlocking(context.Background(), p, 2, SpinPolicy{}))
	require.Len(t, p.steps, 1)
	assert.Len(t, p.steps[0].wcs, 1)
}
