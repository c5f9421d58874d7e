package probe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/verbs"
)

// pendingAck is an acknowledgement waiting for its send completion.
type pendingAck struct {
	peer verbs.Peer
	seq  uint64
	t3   uint64
	kind Kind
}

// Responder answers probes on a datagram queue pair. Run it on a single
// goroutine.
type Responder struct {
	udQueue

	free    []int
	pending map[int]pendingAck

	answered atomic.Uint64
	dropped  atomic.Uint64
}

// NewResponder sets up a responder that can hold depth probes in flight.
func NewResponder(pd *rdma.ProtectionDomain, depth int) (*Responder, error) {
	// Every probe needs two acknowledgements.
	u, err := newUDQueue(pd, depth, 2*depth)
	if err != nil {
		return nil, err
	}
	r := &Responder{udQueue: *u, pending: make(map[int]pendingAck)}
	for slot := range r.sendSlots {
		r.free = append(r.free, slot)
	}
	return r, nil
}

// SetObserver reports every completion the responder reaps.
func (r *Responder) SetObserver(o rdma.Observer) { r.cq.SetObserver(o) }

func (r *Responder) Answered() uint64 { return r.answered.Load() }
func (r *Responder) Dropped() uint64  { return r.dropped.Load() }

// Run answers probes until ctx is done. It returns nil on cancellation and
// an error when the queue pair stops working.
func (r *Responder) Run(ctx context.Context) error {
	log.Info().Str("endpoint", r.Endpoint().String()).Msg("Responder started")
	defer func() {
		log.Info().Uint64("answered", r.Answered()).Uint64("dropped", r.Dropped()).Msg("Responder stopped")
	}()

	for {
		wcs, err := r.cq.PollBlockingContext(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		now := time.Now()
		wc := &wcs[0]
		if isSend(wc.WrID) {
			err = r.sent(wc, now)
		} else {
			err = r.probed(wc, now)
		}
		if err != nil {
			return err
		}
	}
}

func (r *Responder) probed(wc *verbs.Completion, now time.Time) error {
	if !wc.OK() {
		return fmt.Errorf("responder receive failed: %w", wc.Err())
	}
	p, src, perr := r.received(wc)
	if err := r.postRecv(int(wc.WrID)); err != nil {
		return fmt.Errorf("failed to repost receive: %w", err)
	}
	if perr != nil {
		r.dropped.Add(1)
		log.Debug().Err(perr).Uint32("src_qpn", wc.SrcQP).Msg("Dropped malformed probe")
		return nil
	}
	if p.Kind != KindProbe {
		r.dropped.Add(1)
		log.Debug().Str("kind", p.Kind.String()).Uint64("seq", p.Seq).Msg("Responder ignored non-probe packet")
		return nil
	}

	ah, err := r.addressHandle(src)
	if err != nil {
		r.dropped.Add(1)
		log.Warn().Err(err).Str("source", src.String()).Msg("Cannot reach prober")
		return nil
	}
	ack := pendingAck{
		peer: ah.Peer(wc.SrcQP, r.Endpoint().QKey),
		seq:  p.Seq,
		t3:   uint64(now.UnixNano()),
		kind: KindAck,
	}
	return r.reply(ack, &Packet{Seq: p.Seq, T1: p.T1, T3: ack.t3, Kind: KindAck})
}

// sent handles the completion of an acknowledgement. Once the first ACK has
// left, its completion time is T4 and the second ACK reports it.
func (r *Responder) sent(wc *verbs.Completion, now time.Time) error {
	slot := int(wc.WrID &^ sendFlag)
	ack, ok := r.pending[slot]
	if !ok {
		log.Warn().Uint64("wr_id", wc.WrID).Msg("Completion for unknown acknowledgement")
		return nil
	}
	delete(r.pending, slot)
	r.free = append(r.free, slot)

	if !wc.OK() {
		return fmt.Errorf("acknowledgement for probe %d failed: %w", ack.seq, wc.Err())
	}
	if ack.kind == KindAckDelay {
		r.answered.Add(1)
		return nil
	}
	t4 := uint64(now.UnixNano())
	ack.kind = KindAckDelay
	return r.reply(ack, &Packet{Seq: ack.seq, T3: ack.t3, T4: t4, Kind: KindAckDelay})
}

func (r *Responder) reply(ack pendingAck, p *Packet) error {
	if len(r.free) == 0 {
		r.dropped.Add(1)
		log.Warn().Uint64("seq", ack.seq).Msg("No free send slot for acknowledgement")
		return nil
	}
	slot := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	if err := r.send(slot, sendWrID(uint64(slot)), p, ack.peer); err != nil {
		return fmt.Errorf("failed to send %s for probe %d: %w", p.Kind, ack.seq, err)
	}
	r.pending[slot] = ack
	return nil
}

func (r *Responder) Close() error { return r.close() }
