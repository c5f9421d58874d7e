package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rverbs/internal/ctrl"
	"github.com/yuuki/rverbs/internal/probe"
	"github.com/yuuki/rverbs/internal/verbs"
)

// runPing has node 0 probe a responder on every other node over datagram
// queue pairs.
func runPing(ctx context.Context, s *session) error {
	if s.cluster.Myself() == 0 {
		return probeAll(ctx, s)
	}

	responder, err := probe.NewResponder(s.pd, queueDepth)
	if err != nil {
		return err
	}
	defer closeLogged("responder", responder)
	if o := s.observer(); o != nil {
		responder.SetObserver(o)
	}
	if err := ctrl.NewConnecter(s.cluster, 0).SendEndpoint(s.setupCtx, responder.Endpoint()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopResponder := context.WithCancel(gctx)
	g.Go(func() error { return responder.Run(runCtx) })
	g.Go(func() error {
		defer stopResponder()
		return ctrl.Barrier(gctx, s.cluster, "done")
	})
	return g.Wait()
}

func probeAll(ctx context.Context, s *session) error {
	cfg, cluster := s.cfg, s.cluster

	prober, err := probe.NewProber(s.pd, queueDepth)
	if err != nil {
		return err
	}
	defer closeLogged("prober", prober)
	if o := s.observer(); o != nil {
		prober.SetObserver(o)
	}
	limiter := s.limiter()

	targets := make(map[int]verbs.Endpoint, cluster.Len()-1)
	for _, peer := range cluster.Peers() {
		if targets[peer], err = ctrl.NewConnecter(cluster, peer).RecvEndpoint(s.setupCtx); err != nil {
			return err
		}
	}

	for _, peer := range cluster.Peers() {
		name, target := cluster.Node(peer).Name, targets[peer]

		rtts := make([]time.Duration, 0, cfg.Iterations)
		var responderDelay, proberDelay time.Duration
		failed := 0
		for range cfg.Iterations {
			limiter.Take()
			probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			res, err := prober.Probe(probeCtx, target)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				log.Warn().Err(err).Str("peer", name).Msg("Probe failed")
				if s.metrics != nil {
					s.metrics.RecordProbeFailure(ctx, name)
				}
				continue
			}
			rtts = append(rtts, res.NetworkRTT)
			responderDelay += res.ResponderDelay
			proberDelay += res.ProberDelay
			if s.metrics != nil {
				s.metrics.RecordProbe(ctx, name, res.NetworkRTT, res.ResponderDelay, res.ProberDelay)
			}
		}

		e := latencyEvent(rtts).Str("peer", name).Int("failed", failed)
		if n := len(rtts); n > 0 {
			e = e.
				Dur("avg_responder_delay", responderDelay/time.Duration(n)).
				Dur("avg_prober_delay", proberDelay/time.Duration(n))
		}
		e.Msg("Network RTT")
	}

	return ctrl.Barrier(ctx, cluster, "done")
}
