package rdma

// #cgo LDFLAGS: -libverbs
// #include "shim.h"
import "C"
import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/verbs"
)

// Observer sees every completion a queue drains, after it has been routed.
type Observer interface {
	ObserveCompletion(wc *verbs.Completion)
}

// route ties a queue pair number to the trackers whose requests complete on
// this queue. send is nil when the queue is only the pair's receive queue and
// the other way round.
type route struct {
	send *verbs.Tracker
	recv *verbs.Tracker
}

// CompletionQueue collects completions of the queue pairs attached to it.
// It is polled by one goroutine at a time; attaching and detaching queue
// pairs may happen concurrently with polling.
type CompletionQueue struct {
	ctx      *Context
	cq       *C.struct_ibv_cq
	capacity int

	policy   verbs.SpinPolicy
	observer Observer

	mu     sync.RWMutex
	routes map[uint32]route
	closed bool
}

// CreateCQ creates a completion queue with room for at least capacity
// entries. It holds a reference on the context until closed.
func (c *Context) CreateCQ(capacity int) (*CompletionQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("completion queue capacity must be positive, got %d", capacity)
	}
	if c.devAttr.MaxCQE > 0 && capacity > c.devAttr.MaxCQE {
		return nil, fmt.Errorf("completion queue capacity %d exceeds device limit %d", capacity, c.devAttr.MaxCQE)
	}
	cq, errno := C.ibv_create_cq(c.ctx, C.int(capacity), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("failed to create CQ on %s: %w", c.name, nilError("ibv_create_cq", errno))
	}
	c.acquire()
	log.Debug().Str("device", c.name).Int("requested", capacity).Int("cqe", int(cq.cqe)).Msg("Created completion queue")
	return &CompletionQueue{
		ctx:      c,
		cq:       cq,
		capacity: int(cq.cqe),
		policy:   verbs.DefaultSpinPolicy,
		routes:   make(map[uint32]route),
	}, nil
}

// Capacity is the number of entries the device actually allocated.
func (q *CompletionQueue) Capacity() int { return q.capacity }

// SetSpinPolicy changes how the blocking pollers wait. Call it before
// polling starts.
func (q *CompletionQueue) SetSpinPolicy(p verbs.SpinPolicy) { q.policy = p }

// SetObserver installs o for every subsequently drained completion. Call it
// before polling starts.
func (q *CompletionQueue) SetObserver(o Observer) { q.observer = o }

func (q *CompletionQueue) attach(qpn uint32, send, recv *verbs.Tracker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.routes[qpn]
	if send != nil {
		r.send = send
	}
	if recv != nil {
		r.recv = recv
	}
	q.routes[qpn] = r
}

func (q *CompletionQueue) detach(qpn uint32) {
	q.mu.Lock()
	delete(q.routes, qpn)
	q.mu.Unlock()
}

// PollInto drains up to len(buf) ready completions without blocking. Each
// completion retires its request, and every earlier unsignaled request, in
// the owning queue pair.
func (q *CompletionQueue) PollInto(buf []verbs.Completion) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if q.cq == nil {
		return 0, fmt.Errorf("poll CQ: %w", verbs.ErrClosed)
	}
	n := int(C.rv_poll_cq(q.cq, C.int(len(buf)), (*C.struct_rv_wc)(unsafe.Pointer(&buf[0]))))
	if n < 0 {
		return 0, fmt.Errorf("failed to poll CQ on %s: %w", q.ctx.name, verbs.NewDeviceError("ibv_poll_cq", n, -1))
	}
	if n == 0 {
		return 0, nil
	}
	q.mu.RLock()
	for i := range buf[:n] {
		q.retire(&buf[i])
	}
	q.mu.RUnlock()
	if q.observer != nil {
		for i := range buf[:n] {
			q.observer.ObserveCompletion(&buf[i])
		}
	}
	return n, nil
}

// retire must be called with q.mu held for reading. The opcode of a failed
// completion is undefined, so verbs.RetireFailed picks the queue.
func (q *CompletionQueue) retire(wc *verbs.Completion) {
	r, ok := q.routes[wc.QPNum]
	if !ok {
		log.Warn().Uint32("qpn", wc.QPNum).Uint64("wr_id", wc.WrID).Msg("Completion for unknown queue pair")
		return
	}
	if wc.OK() {
		t := r.send
		if wc.IsRecv() {
			t = r.recv
		}
		if t != nil && t.Retire(wc.WrID) > 0 {
			return
		}
	} else {
		log.Debug().
			Uint32("qpn", wc.QPNum).
			Uint64("wr_id", wc.WrID).
			Str("status", wc.Status.String()).
			Uint32("vendor_err", wc.VendorErr).
			Msg("Work request completed with error")
		if verbs.RetireFailed(wc.WrID, r.send, r.recv) > 0 {
			return
		}
	}
	log.Warn().Uint32("qpn", wc.QPNum).Uint64("wr_id", wc.WrID).Msg("Completion for untracked work request")
}

// Poll returns up to max ready completions; the slice is empty when none
// are ready.
func (q *CompletionQueue) Poll(max int) ([]verbs.Completion, error) {
	if max <= 0 {
		return nil, nil
	}
	buf := make([]verbs.Completion, max)
	n, err := q.PollInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// PollBlocking spins until count completions arrived and returns them in
// hardware order, failed completions included.
func (q *CompletionQueue) PollBlocking(count int) ([]verbs.Completion, error) {
	return verbs.PollBlocking(context.Background(), q, count, q.policy)
}

// PollBlockingContext is PollBlocking that gives up once ctx is done. The
// completions gathered so far are returned with the context error.
func (q *CompletionQueue) PollBlockingContext(ctx context.Context, count int) ([]verbs.Completion, error) {
	return verbs.PollBlocking(ctx, q, count, q.policy)
}

// PollNoCQEBlocking spins until count completions arrived and discards them.
// The first failed completion is returned as a *verbs.CompletionError.
func (q *CompletionQueue) PollNoCQEBlocking(count int) error {
	return verbs.PollNoCQEBlocking(context.Background(), q, count, q.policy)
}

// PollNoCQEBlockingContext is PollNoCQEBlocking that gives up once ctx is done.
func (q *CompletionQueue) PollNoCQEBlockingContext(ctx context.Context, count int) error {
	return verbs.PollNoCQEBlocking(ctx, q, count, q.policy)
}

// Close destroys the queue. The device refuses while queue pairs are still
// attached.
func (q *CompletionQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	if ret, errno := C.ibv_destroy_cq(q.cq); ret != 0 {
		return fmt.Errorf("failed to destroy CQ on %s: %w", q.ctx.name, callError("ibv_destroy_cq", int(ret), errno))
	}
	q.closed = true
	q.cq = nil
	log.Debug().Str("device", q.ctx.name).Msg("Destroyed completion queue")
	q.ctx.release()
	return nil
}
