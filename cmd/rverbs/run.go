package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rverbs/internal/config"
	"github.com/yuuki/rverbs/internal/ctrl"
	"github.com/yuuki/rverbs/internal/rdma"
	"github.com/yuuki/rverbs/internal/telemetry"
)

// queueDepth sizes every work queue.
const queueDepth = 16

// session is what both benchmarks share once the node joined the cluster
// and opened its device.
type session struct {
	cfg      *config.Config
	cluster  *ctrl.Cluster
	pd       *rdma.ProtectionDomain
	metrics  *telemetry.Metrics
	setupCtx context.Context
}

func (s *session) limiter() ratelimit.Limiter {
	if s.cfg.Rate > 0 {
		return ratelimit.New(s.cfg.Rate)
	}
	return ratelimit.NewUnlimited()
}

// observer is nil when metrics are off.
func (s *session) observer() rdma.Observer {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

type closer interface{ Close() error }

func closeLogged(what string, c closer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("resource", what).Msg("Failed to close")
	}
}

// run joins the cluster, opens the device and runs the configured
// benchmark. Node 0 drives it; every other node serves as a target.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cluster, err := ctrl.LoadCluster(cfg.ClusterFile)
	if err != nil {
		return err
	}
	if cfg.Myself >= 0 {
		if cluster, err = ctrl.NewCluster(cluster.Nodes(), cfg.Myself); err != nil {
			return err
		}
	}
	if cluster.Len() < 2 {
		return fmt.Errorf("cluster %s needs at least two nodes", cfg.ClusterFile)
	}

	setupCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := cluster.Join(setupCtx); err != nil {
		return err
	}
	defer closeLogged("cluster", cluster)

	dev, err := rdma.Open(cfg.Device, cfg.Port, cfg.GIDIndex)
	if err != nil {
		return err
	}
	defer closeLogged("device", dev)
	log.Info().
		Str("device", dev.Name()).
		Uint8("port", dev.PortNum()).
		Str("gid", dev.GID().String()).
		Int("mtu", dev.MTU()).
		Str("link_layer", dev.LinkLayer().String()).
		Msg("Opened device")

	pd, err := dev.AllocPD()
	if err != nil {
		return err
	}
	defer closeLogged("protection domain", pd)

	s := &session{cfg: cfg, cluster: cluster, pd: pd, setupCtx: setupCtx}
	if cfg.OtelCollectorAddr != "" {
		s.metrics, err = telemetry.NewMetrics(ctx, cfg.InstanceID, cfg.OtelCollectorAddr)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush metrics")
			}
		}()
	}

	switch cfg.Mode {
	case config.ModePing:
		return runPing(ctx, s)
	default:
		return runWrite(ctx, s)
	}
}

// latencyEvent summarises a set of samples. It sorts latencies in place.
func latencyEvent(latencies []time.Duration) *zerolog.Event {
	e := log.Info().Int("samples", len(latencies))
	if len(latencies) == 0 {
		return e
	}
	slices.Sort(latencies)
	var total time.Duration
	for _, d := range latencies {
		total += d
	}
	n := len(latencies)
	return e.
		Dur("min", latencies[0]).
		Dur("p50", latencies[n/2]).
		Dur("p99", latencies[n*99/100]).
		Dur("max", latencies[n-1]).
		Dur("avg", total/time.Duration(n))
}
