package ctrl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/yuuki/rverbs/internal/verbs"
)

func startBoard(t *testing.T) (*BoardServer, *Board) {
	t.Helper()
	srv := NewBoardServer()
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	board, err := DialBoard(ctx, srv.Addr())
	require.NoError(t, err)
	require.NoError(t, board.Ready(ctx))
	t.Cleanup(func() { board.Close() })
	return srv, board
}

func TestBoardPutGet(t *testing.T) {
	_, board := startBoard(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, board.Put(ctx, "greeting", wrapperspb.String("hello")))
	var got wrapperspb.StringValue
	require.NoError(t, board.Get(ctx, "greeting", &got))
	assert.Equal(t, "hello", got.GetValue())

	require.NoError(t, board.Put(ctx, "greeting", wrapperspb.String("again")))
	require.NoError(t, board.Get(ctx, "greeting", &got))
	assert.Equal(t, "again", got.GetValue())

	err := board.Get(ctx, "greeting", &wrapperspb.BoolValue{})
	assert.Error(t, err)
}

func TestBoardGetWaitsForPut(t *testing.T) {
	_, board := startBoard(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var v wrapperspb.StringValue
			assert.NoError(t, board.Get(ctx, "late", &v))
			results[i] = v.GetValue()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, board.Put(ctx, "late", wrapperspb.String("value")))
	wg.Wait()
	assert.Equal(t, []string{"value", "value", "value"}, results)
}

func TestBoardGetTimeout(t *testing.T) {
	_, board := startBoard(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := board.Get(ctx, "never", &wrapperspb.StringValue{})
	assert.Error(t, err)
}

func TestBoardServerKeys(t *testing.T) {
	srv := NewBoardServer()
	value, err := anypb.New(wrapperspb.Bool(true))
	require.NoError(t, err)

	_, err = srv.Put(context.Background(), value)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = srv.Get(context.Background(), &wrapperspb.StringValue{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(keyHeader, "k"))
	_, err = srv.Put(ctx, value)
	require.NoError(t, err)
	got, err := srv.Get(context.Background(), wrapperspb.String("k"))
	require.NoError(t, err)
	assert.Equal(t, value.GetTypeUrl(), got.GetTypeUrl())
}

// newTestClusters joins n in-process nodes to a board on a loopback port.
func newTestClusters(t *testing.T, n int) []*Cluster {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{Name: fmt.Sprintf("node%d", i), Addr: "127.0.0.1:0"}
	}
	c0, err := NewCluster(nodes, 0)
	require.NoError(t, err)
	require.NoError(t, c0.Join(ctx))
	nodes[0].Addr = c0.server.Addr()

	clusters := []*Cluster{c0}
	for i := 1; i < n; i++ {
		c, err := NewCluster(nodes, i)
		require.NoError(t, err)
		require.NoError(t, c.Join(ctx))
		clusters = append(clusters, c)
	}
	t.Cleanup(func() {
		for i := len(clusters) - 1; i >= 0; i-- {
			clusters[i].Close()
		}
	})
	return clusters
}

func TestBarrier(t *testing.T) {
	clusters := newTestClusters(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var entered atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clusters {
		g.Go(func() error {
			for round := int32(1); round <= 2; round++ {
				entered.Add(1)
				if err := Barrier(gctx, c, "sync"); err != nil {
					return err
				}
				assert.GreaterOrEqual(t, entered.Load(), 3*round)
				if err := Barrier(gctx, c, "after"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(6), entered.Load())
}

func TestConnecterExchange(t *testing.T) {
	clusters := newTestClusters(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mr := verbs.RemoteMr{Addr: 0x1000, Len: 64, RKey: 0x42}
	gid, err := verbs.ParseGid("fe80::1")
	require.NoError(t, err)
	ep := verbs.Endpoint{LID: 3, GID: gid, QPN: 77, PSN: 0x123456, MTU: verbs.MTU1024}

	go func() {
		conn := NewConnecter(clusters[1], 0)
		assert.NoError(t, conn.SendMr(ctx, remoteOf(mr)))
		assert.NoError(t, conn.SendEndpoint(ctx, ep))
	}()

	conn := NewConnecter(clusters[0], 1)
	gotMr, err := conn.RecvMr(ctx)
	require.NoError(t, err)
	assert.Equal(t, mr, gotMr)
	gotEp, err := conn.RecvEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, ep, gotEp)

	_, err = NewConnecter(clusters[0], 0).RecvMr(ctx)
	assert.Error(t, err)
	_, err = NewConnecter(clusters[0], 5).RecvMr(ctx)
	assert.Error(t, err)

	board, err := clusters[1].exchange()
	require.NoError(t, err)
	require.NoError(t, board.Put(ctx, endpointKey(1, 0), wrapperspb.Bytes([]byte{1, 2, 3})))
	_, err = conn.RecvEndpoint(ctx)
	assert.Error(t, err)
}

type remoteOf verbs.RemoteMr

func (r remoteOf) Remote() verbs.RemoteMr { return verbs.RemoteMr(r) }

type fakeQP struct {
	ep     verbs.Endpoint
	remote verbs.Endpoint
	closed bool
}

func (q *fakeQP) Endpoint() verbs.Endpoint { return q.ep }
func (q *fakeQP) Close() error             { q.closed = true; return nil }

func (q *fakeQP) Connect(remote verbs.Endpoint) error {
	q.remote = remote
	return nil
}

func TestConnectAll(t *testing.T) {
	clusters := newTestClusters(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]map[int]*fakeQP, len(clusters))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clusters {
		g.Go(func() error {
			qps, err := connectAll(gctx, c, func(peer int) (*fakeQP, error) {
				return &fakeQP{ep: verbs.Endpoint{QPN: uint32(100*i + peer)}}, nil
			})
			results[i] = qps
			return err
		})
	}
	require.NoError(t, g.Wait())

	for me, qps := range results {
		assert.Len(t, qps, 2)
		for peer, qp := range qps {
			assert.NotEqual(t, me, peer)
			assert.Equal(t, uint32(100*peer+me), qp.remote.QPN)
		}
	}
}

func TestConnectAllClosesOnCreateFailure(t *testing.T) {
	nodes := []Node{{Name: "a", Addr: "127.0.0.1:0"}, {Name: "b"}, {Name: "c"}}
	c, err := NewCluster(nodes, 0)
	require.NoError(t, err)

	var created []*fakeQP
	_, err = connectAll(context.Background(), c, func(peer int) (*fakeQP, error) {
		if peer == 2 {
			return nil, fmt.Errorf("out of queue pairs")
		}
		qp := &fakeQP{}
		created = append(created, qp)
		return qp, nil
	})
	require.Error(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].closed)
}

func TestNewClusterValidation(t *testing.T) {
	_, err := NewCluster(nil, 0)
	assert.Error(t, err)
	_, err = NewCluster([]Node{{Name: "a"}}, 0)
	assert.Error(t, err, "node 0 needs an address")
	_, err = NewCluster([]Node{{Name: "a", Addr: "x:1"}, {Name: "a"}}, 0)
	assert.Error(t, err, "duplicate names")
	_, err = NewCluster([]Node{{Name: "a", Addr: "x:1"}}, 1)
	assert.Error(t, err, "myself out of range")

	c, err := NewCluster([]Node{{Name: "a", Addr: "x:1"}, {Name: "b"}, {Name: "c"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, c.Peers())
	assert.Equal(t, "b", c.Me().Name)
	assert.Equal(t, "x:1", c.BoardAddr())
	assert.Error(t, Barrier(context.Background(), c, "unjoined"))
}

func TestLoadCluster(t *testing.T) {
	dir := t.TempDir()

	toml := filepath.Join(dir, "lab.toml")
	require.NoError(t, os.WriteFile(toml, []byte(`myself = 1

[[nodes]]
name = "node0"
addr = "10.0.0.1:7471"

[[nodes]]
name = "node1"
addr = "10.0.0.2:7471"
`), 0o644))

	c, err := LoadCluster(toml)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.Myself())
	assert.Equal(t, "10.0.0.1:7471", c.BoardAddr())

	yaml := filepath.Join(dir, "lab.yaml")
	require.NoError(t, os.WriteFile(yaml, []byte(`nodes:
  - name: node0
    addr: 10.0.0.1:7471
  - name: node1
  - name: node2
`), 0o644))

	t.Setenv("RVERBS_MYSELF", "2")
	c, err = LoadCluster(yaml)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 2, c.Myself())
	assert.Equal(t, "node2", c.Me().Name)

	_, err = LoadCluster(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
