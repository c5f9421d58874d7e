package ctrl

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/verbs"
)

// ConnectAll creates one queue pair per peer on pd, using cq for both send
// and receive completions, exchanges endpoints through the board and
// connects every pair. capacity sizes both work queues. The result is keyed
// by peer index. On error every queue pair created so far is closed.
func ConnectAll(ctx context.Context, c *Cluster, pd *rdma.ProtectionDomain, cq *rdma.CompletionQueue, qpType verbs.QPType, capacity int) (map[int]*rdma.QueuePair, error) {
	cfg := rdma.QPConfig{
		Type:   qpType,
		SendCQ: cq,
		RecvCQ: cq,
		Caps:   rdma.QPCaps{MaxSendWR: capacity, MaxRecvWR: capacity},
	}
	return connectAll(ctx, c, func(peer int) (*rdma.QueuePair, error) {
		return pd.CreateQP(cfg)
	})
}

// connectable is the part of a queue pair the exchange needs.
type connectable interface {
	Endpoint() verbs.Endpoint
	Connect(remote verbs.Endpoint) error
	Close() error
}

func connectAll[Q connectable](ctx context.Context, c *Cluster, create func(peer int) (Q, error)) (map[int]Q, error) {
	peers := c.Peers()
	qps := make(map[int]Q, len(peers))
	closeAll := func() {
		for peer, qp := range qps {
			if err := qp.Close(); err != nil {
				log.Warn().Err(err).Int("peer", peer).Msg("Failed to close queue pair after connect failure")
			}
		}
	}

	for _, peer := range peers {
		qp, err := create(peer)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to create queue pair for %s: %w", c.Node(peer).Name, err)
		}
		qps[peer] = qp
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		qp := qps[peer]
		g.Go(func() error {
			conn := NewConnecter(c, peer)
			if err := conn.SendEndpoint(gctx, qp.Endpoint()); err != nil {
				return err
			}
			remote, err := conn.RecvEndpoint(gctx)
			if err != nil {
				return err
			}
			if err := qp.Connect(remote); err != nil {
				return fmt.Errorf("failed to connect to %s: %w", c.Node(peer).Name, err)
			}
			log.Debug().Str("peer", c.Node(peer).Name).Str("remote", remote.String()).Msg("Connected to peer")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, err
	}
	log.Info().Int("peers", len(peers)).Msg("Connected to all peers")
	return qps, nil
}
