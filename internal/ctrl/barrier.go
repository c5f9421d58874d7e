package ctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func arriveKey(name string, gen, node int) string {
	return fmt.Sprintf("barrier/%s/%d/arrive/%d", name, gen, node)
}

func releaseKey(name string, gen int) string {
	return fmt.Sprintf("barrier/%s/%d/release", name, gen)
}

// Barrier returns once every node of the cluster has entered the barrier
// called name. Node 0 collects the arrivals and releases everyone. Barriers
// with the same name may be reused; every node must pass them in the same
// order.
func Barrier(ctx context.Context, c *Cluster, name string) error {
	board, err := c.exchange()
	if err != nil {
		return err
	}
	gen := c.nextBarrier(name)
	start := time.Now()

	if err := board.Put(ctx, arriveKey(name, gen, c.Myself()), wrapperspb.Bool(true)); err != nil {
		return fmt.Errorf("barrier %s: %w", name, err)
	}
	if c.Myself() == 0 {
		for _, peer := range c.Peers() {
			if err := board.Get(ctx, arriveKey(name, gen, peer), &wrapperspb.BoolValue{}); err != nil {
				return fmt.Errorf("barrier %s waiting for %s: %w", name, c.Node(peer).Name, err)
			}
		}
		if err := board.Put(ctx, releaseKey(name, gen), wrapperspb.Bool(true)); err != nil {
			return fmt.Errorf("barrier %s: %w", name, err)
		}
	} else {
		if err := board.Get(ctx, releaseKey(name, gen), &wrapperspb.BoolValue{}); err != nil {
			return fmt.Errorf("barrier %s: %w", name, err)
		}
	}

	log.Debug().Str("barrier", name).Int("generation", gen).Dur("waited", time.Since(start)).Msg("Passed barrier")
	return nil
}
