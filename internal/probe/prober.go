package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/verbs"
)

// Result holds the timestamps of one probe transaction:
//
//	T1  prober posts the probe
//	T2  prober reaps the probe's send completion
//	T3  responder reaps the probe
//	T4  responder reaps the first ACK's send completion
//	T5  prober reaps the first ACK
//	T6  prober reaps the second ACK
//
// T3 and T4 are on the responder's clock and only their difference is used.
type Result struct {
	Seq    uint64
	Target verbs.Endpoint

	T1, T2, T3, T4, T5, T6 time.Time

	NetworkRTT     time.Duration
	ResponderDelay time.Duration
	ProberDelay    time.Duration
}

func (r *Result) compute() {
	r.ResponderDelay = r.T4.Sub(r.T3)
	r.NetworkRTT = r.T5.Sub(r.T2) - r.ResponderDelay
	r.ProberDelay = r.T6.Sub(r.T1) - r.T5.Sub(r.T2)
}

// Prober sends probes from its own datagram queue pair. It is not safe
// for concurrent use.
type Prober struct {
	udQueue
	seq uint64
}

// NewProber sets up a prober with depth receive buffers for
// acknowledgements.
func NewProber(pd *rdma.ProtectionDomain, depth int) (*Prober, error) {
	u, err := newUDQueue(pd, depth, 1)
	if err != nil {
		return nil, err
	}
	return &Prober{udQueue: *u}, nil
}

// SetObserver reports every completion the prober reaps.
func (p *Prober) SetObserver(o rdma.Observer) { p.cq.SetObserver(o) }

// Probe sends one probe to target and waits for both acknowledgements.
// Acknowledgements of earlier, abandoned probes are discarded. A probe
// abandoned through ctx may leave its send outstanding; the send slot is
// reused by the next probe regardless.
func (p *Prober) Probe(ctx context.Context, target verbs.Endpoint) (*Result, error) {
	ah, err := p.addressHandle(target)
	if err != nil {
		return nil, err
	}
	p.seq++
	seq := p.seq
	res := &Result{Seq: seq, Target: target}

	res.T1 = time.Now()
	probe := &Packet{Seq: seq, T1: uint64(res.T1.UnixNano()), Kind: KindProbe}
	if err := p.send(0, sendWrID(seq), probe, ah.Peer(target.QPN, target.QKey)); err != nil {
		return nil, fmt.Errorf("failed to send probe %d to %s: %w", seq, target, err)
	}

	var sent, acked, delayed bool
	for !sent || !acked || !delayed {
		wcs, err := p.cq.PollBlockingContext(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("probe %d to %s: %w", seq, target, err)
		}
		now := time.Now()
		wc := &wcs[0]
		if err := wc.Err(); err != nil {
			return nil, fmt.Errorf("probe %d to %s: %w", seq, target, err)
		}

		if isSend(wc.WrID) {
			if wc.WrID == sendWrID(seq) {
				sent = true
				res.T2 = now
			}
			continue
		}

		ack, _, perr := p.received(wc)
		if err := p.postRecv(int(wc.WrID)); err != nil {
			return nil, fmt.Errorf("failed to repost receive: %w", err)
		}
		if perr != nil {
			log.Debug().Err(perr).Uint64("seq", seq).Msg("Prober dropped malformed packet")
			continue
		}
		if ack.Seq != seq {
			log.Trace().Uint64("seq", ack.Seq).Uint64("want", seq).Msg("Discarded stale acknowledgement")
			continue
		}
		switch ack.Kind {
		case KindAck:
			acked = true
			res.T5 = now
		case KindAckDelay:
			delayed = true
			res.T6 = now
			res.T3 = time.Unix(0, int64(ack.T3))
			res.T4 = time.Unix(0, int64(ack.T4))
		}
	}

	res.compute()
	log.Trace().
		Uint64("seq", seq).
		Str("target", target.String()).
		Dur("network_rtt", res.NetworkRTT).
		Dur("responder_delay", res.ResponderDelay).
		Dur("prober_delay", res.ProberDelay).
		Msg("Probe completed")
	return res, nil
}

func (p *Prober) Close() error { return p.close() }
