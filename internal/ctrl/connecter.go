package ctrl

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/yuuki/rverbs/internal/verbs"
)

// RemoteExporter is anything that can describe itself to a peer for
// one-sided access, such as a registered memory region.
type RemoteExporter interface {
	Remote() verbs.RemoteMr
}

// Connecter exchanges connection data between the local node and one peer
// through the exchange board. Values are directional: what this node sends
// to the peer is only seen by a Connecter on the peer pointing back here.
type Connecter struct {
	cluster *Cluster
	peer    int
}

func NewConnecter(c *Cluster, peer int) *Connecter {
	return &Connecter{cluster: c, peer: peer}
}

func (c *Connecter) Peer() int { return c.peer }

func mrKey(from, to int) string { return fmt.Sprintf("mr/%d/%d", from, to) }

func endpointKey(from, to int) string { return fmt.Sprintf("ep/%d/%d", from, to) }

func (c *Connecter) check() (*Board, error) {
	if c.peer < 0 || c.peer >= c.cluster.Len() {
		return nil, fmt.Errorf("peer %d out of range for %d nodes", c.peer, c.cluster.Len())
	}
	if c.peer == c.cluster.Myself() {
		return nil, fmt.Errorf("node %d cannot exchange with itself", c.peer)
	}
	return c.cluster.exchange()
}

// SendMr publishes a memory region for the peer.
func (c *Connecter) SendMr(ctx context.Context, mr RemoteExporter) error {
	board, err := c.check()
	if err != nil {
		return err
	}
	data, err := mr.Remote().MarshalBinary()
	if err != nil {
		return err
	}
	return board.Put(ctx, mrKey(c.cluster.Myself(), c.peer), wrapperspb.Bytes(data))
}

// RecvMr waits for the memory region the peer published for this node.
func (c *Connecter) RecvMr(ctx context.Context) (verbs.RemoteMr, error) {
	board, err := c.check()
	if err != nil {
		return verbs.RemoteMr{}, err
	}
	var data wrapperspb.BytesValue
	if err := board.Get(ctx, mrKey(c.peer, c.cluster.Myself()), &data); err != nil {
		return verbs.RemoteMr{}, err
	}
	var mr verbs.RemoteMr
	if err := mr.UnmarshalBinary(data.GetValue()); err != nil {
		return verbs.RemoteMr{}, fmt.Errorf("memory region from %s: %w", c.cluster.Node(c.peer).Name, err)
	}
	return mr, nil
}

// SendEndpoint publishes a queue pair endpoint for the peer.
func (c *Connecter) SendEndpoint(ctx context.Context, ep verbs.Endpoint) error {
	board, err := c.check()
	if err != nil {
		return err
	}
	data, err := ep.MarshalBinary()
	if err != nil {
		return err
	}
	return board.Put(ctx, endpointKey(c.cluster.Myself(), c.peer), wrapperspb.Bytes(data))
}

// RecvEndpoint waits for the endpoint the peer published for this node.
func (c *Connecter) RecvEndpoint(ctx context.Context) (verbs.Endpoint, error) {
	board, err := c.check()
	if err != nil {
		return verbs.Endpoint{}, err
	}
	var data wrapperspb.BytesValue
	if err := board.Get(ctx, endpointKey(c.peer, c.cluster.Myself()), &data); err != nil {
		return verbs.Endpoint{}, err
	}
	var ep verbs.Endpoint
	if err := ep.UnmarshalBinary(data.GetValue()); err != nil {
		return verbs.Endpoint{}, fmt.Errorf("endpoint from %s: %w", c.cluster.Node(c.peer).Name, err)
	}
	return ep, nil
}
