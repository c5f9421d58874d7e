package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rverbs/internal/ctrl"
	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/verbs"
)

// runWrite connects a full mesh of queue pairs. Every node exposes a
// region to node 0, which times signaled RDMA writes into each of them.
func runWrite(ctx context.Context, s *session) error {
	cfg, cluster := s.cfg, s.cluster

	// Closed last, after the queue pairs released it.
	mr, err := s.pd.Alloc(cfg.MessageSize, verbs.AccessAll)
	if err != nil {
		return err
	}
	defer closeLogged("memory region", mr)

	cq, err := s.pd.Context().CreateCQ(queueDepth * cluster.Len())
	if err != nil {
		return err
	}
	defer closeLogged("completion queue", cq)
	cq.SetObserver(s.observer())

	qps, err := ctrl.ConnectAll(s.setupCtx, cluster, s.pd, cq, cfg.QPType, queueDepth)
	if err != nil {
		return err
	}
	for peer, qp := range qps {
		defer closeLogged(fmt.Sprintf("queue pair to %s", cluster.Node(peer).Name), qp)
	}

	if err := ctrl.Barrier(s.setupCtx, cluster, "connected"); err != nil {
		return err
	}

	if cluster.Myself() == 0 {
		err = writeAll(ctx, s, qps, cq, mr)
	} else {
		err = ctrl.NewConnecter(cluster, 0).SendMr(s.setupCtx, mr)
	}
	if err != nil {
		return err
	}

	if err := ctrl.Barrier(ctx, cluster, "done"); err != nil {
		return err
	}
	if cluster.Myself() != 0 {
		log.Info().Hex("data", mr.Bytes()[:min(mr.Len(), 16)]).Msg("Last write received")
	}
	return nil
}

func writeAll(ctx context.Context, s *session, qps map[int]*rdma.QueuePair, cq *rdma.CompletionQueue, mr *rdma.MemoryRegion) error {
	cfg, cluster := s.cfg, s.cluster
	limiter := s.limiter()
	local := mr.Whole()
	buf := mr.Bytes()

	// Collect every target first; setupCtx may expire while writing.
	remotes := make(map[int]verbs.RemoteSlice, len(qps))
	for _, peer := range cluster.Peers() {
		name := cluster.Node(peer).Name
		remoteMr, err := ctrl.NewConnecter(cluster, peer).RecvMr(s.setupCtx)
		if err != nil {
			return fmt.Errorf("failed to receive memory region from %s: %w", name, err)
		}
		if remotes[peer], err = remoteMr.Slice(0, uint64(cfg.MessageSize)); err != nil {
			return fmt.Errorf("memory region of %s is too small: %w", name, err)
		}
	}

	for _, peer := range cluster.Peers() {
		name := cluster.Node(peer).Name
		qp, remote := qps[peer], remotes[peer]
		latencies := make([]time.Duration, 0, cfg.Iterations)
		for i := range cfg.Iterations {
			limiter.Take()
			for j := range buf {
				buf[j] = byte(i + j)
			}

			start := time.Now()
			if err := qp.Write([]verbs.MrSlice{local}, remote, uint64(i), verbs.Imm{}, true); err != nil {
				return fmt.Errorf("write %d to %s: %w", i, name, err)
			}
			if err := cq.PollNoCQEBlockingContext(ctx, 1); err != nil {
				return fmt.Errorf("write %d to %s: %w", i, name, err)
			}
			elapsed := time.Since(start)

			latencies = append(latencies, elapsed)
			if s.metrics != nil {
				s.metrics.RecordLatency(ctx, verbs.WRRDMAWrite, elapsed)
			}
		}
		latencyEvent(latencies).
			Str("peer", name).
			Str("transport", cfg.QPType.String()).
			Int("bytes", cfg.MessageSize).
			Msg("Write latency")
	}
	return nil
}
