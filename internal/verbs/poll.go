package verbs

import (
	"context"
	"runtime"
	"time"
)

// Poller drains ready completions into buf without blocking and returns how
// many entries it filled.
type Poller interface {
	PollInto(buf []Completion) (int, error)
}

// SpinPolicy shapes the busy-wait of the blocking pollers. Zero values turn
// the corresponding behaviour off, so the zero policy spins flat out.
type SpinPolicy struct {
	// YieldEvery calls runtime.Gosched after this many consecutive empty polls.
	YieldEvery int
	// SleepAfter switches to sleeping once this many consecutive polls came
	// back empty.
	SleepAfter int
	Sleep      time.Duration
}

// DefaultSpinPolicy yields regularly but never sleeps, which keeps latency
// at the cost of a core.
var DefaultSpinPolicy = SpinPolicy{YieldEvery: 128}

// ctxCheckMask bounds how often the spin loop looks at the context.
const ctxCheckMask = 63

// pollBatch is the largest number of completions drained per call when the
// caller does not want them back.
const pollBatch = 16

type spinner struct {
	policy SpinPolicy
	empty  int
}

func (s *spinner) reset() {
	s.empty = 0
}

func (s *spinner) wait(ctx context.Context) error {
	s.empty++
	if s.empty&ctxCheckMask == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	p := s.policy
	switch {
	case p.SleepAfter > 0 && p.Sleep > 0 && s.empty >= p.SleepAfter:
		time.Sleep(p.Sleep)
	case p.YieldEvery > 0 && s.empty%p.YieldEvery == 0:
		runtime.Gosched()
	}
	return nil
}

// PollBlocking spins until count completions have been gathered and returns
// them in hardware order, failed ones included. It fails only when polling
// itself fails or ctx is done.
func PollBlocking(ctx context.Context, p Poller, count int, policy SpinPolicy) ([]Completion, error) {
	if count <= 0 {
		return nil, nil
	}
	wcs := make([]Completion, count)
	s := spinner{policy: policy}
	got := 0
	for got < count {
		n, err := p.PollInto(wcs[got:])
		if err != nil {
			return wcs[:got], err
		}
		if n == 0 {
			if err := s.wait(ctx); err != nil {
				return wcs[:got], err
			}
			continue
		}
		got += n
		s.reset()
	}
	return wcs, nil
}

// PollNoCQEBlocking spins until count completions have been consumed without
// handing them back. An empty poll is retried silently; the first failed
// completion ends the wait with a *CompletionError.
func PollNoCQEBlocking(ctx context.Context, p Poller, count int, policy SpinPolicy) error {
	var buf [pollBatch]Completion
	s := spinner{policy: policy}
	for count > 0 {
		want := min(count, pollBatch)
		n, err := p.PollInto(buf[:want])
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}
		for i := range n {
			if err := buf[i].Err(); err != nil {
				return err
			}
		}
		count -= n
		s.reset()
	}
	return nil
}
