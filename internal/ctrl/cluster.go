// Package ctrl is the out-of-band control plane used to bring queue pairs
// up: a cluster description, a key/value exchange board served by node 0,
// barriers, and the exchange of endpoints and memory regions between nodes.
package ctrl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Node is one member of the cluster.
type Node struct {
	Name string `mapstructure:"name"`
	Addr string `mapstructure:"addr"`
}

// Cluster is an ordered set of nodes and the index of the local one. Node 0
// hosts the exchange board; its address is where every node rendezvouses.
type Cluster struct {
	nodes  []Node
	myself int

	mu       sync.Mutex
	server   *BoardServer
	board    *Board
	barriers map[string]int
}

// NewCluster builds a cluster from an explicit node list.
func NewCluster(nodes []Node, myself int) (*Cluster, error) {
	if len(nodes) == 0 {
		return nil, errors.New("cluster has no nodes")
	}
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
	}
	if nodes[0].Addr == "" {
		return nil, fmt.Errorf("node 0 (%s) needs an address to serve the exchange board", nodes[0].Name)
	}
	if myself < 0 || myself >= len(nodes) {
		return nil, fmt.Errorf("myself index %d out of range for %d nodes", myself, len(nodes))
	}
	return &Cluster{
		nodes:    append([]Node(nil), nodes...),
		myself:   myself,
		barriers: make(map[string]int),
	}, nil
}

// LoadCluster reads a cluster description from a TOML or YAML file:
//
//	myself = 0
//	[[nodes]]
//	name = "node0"
//	addr = "10.0.0.1:7471"
//
// The RVERBS_MYSELF environment variable overrides myself. A negative myself
// in the file selects the node whose name matches the local hostname.
func LoadCluster(path string) (*Cluster, error) {
	v := viper.New()
	v.SetDefault("myself", -1)
	v.SetEnvPrefix("RVERBS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	if err := v.BindEnv("myself"); err != nil {
		return nil, fmt.Errorf("failed to bind myself: %w", err)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read cluster file %s: %w", path, err)
	}

	var nodes []Node
	if err := v.UnmarshalKey("nodes", &nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes in %s: %w", path, err)
	}
	myself := v.GetInt("myself")
	if myself < 0 {
		myself = indexByName(nodes, hostname())
		if myself < 0 {
			return nil, fmt.Errorf("cluster file %s does not set myself and no node is named %q", path, hostname())
		}
	}

	c, err := NewCluster(nodes, myself)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster file %s: %w", path, err)
	}
	log.Debug().Str("file", path).Int("nodes", len(nodes)).Int("myself", myself).Msg("Loaded cluster description")
	return c, nil
}

func indexByName(nodes []Node, name string) int {
	for i, n := range nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

func (c *Cluster) Len() int        { return len(c.nodes) }
func (c *Cluster) Myself() int     { return c.myself }
func (c *Cluster) Me() Node        { return c.nodes[c.myself] }
func (c *Cluster) Node(i int) Node { return c.nodes[i] }

// Nodes returns a copy of the node list.
func (c *Cluster) Nodes() []Node { return append([]Node(nil), c.nodes...) }

// BoardAddr is the address of the exchange board.
func (c *Cluster) BoardAddr() string { return c.nodes[0].Addr }

// Peers lists every node index except the local one, in order.
func (c *Cluster) Peers() []int {
	peers := make([]int, 0, len(c.nodes)-1)
	for i := range c.nodes {
		if i != c.myself {
			peers = append(peers, i)
		}
	}
	return peers
}

// Join connects to the exchange board. Node 0 starts serving it first. The
// call does not wait for node 0 to come up; the first exchange does.
func (c *Cluster) Join(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board != nil {
		return nil
	}
	if c.myself == 0 {
		srv := NewBoardServer()
		if err := srv.Start(c.nodes[0].Addr); err != nil {
			return err
		}
		c.server = srv
	}
	board, err := DialBoard(ctx, c.dialAddr())
	if err != nil {
		if c.server != nil {
			c.server.Stop()
			c.server = nil
		}
		return err
	}
	c.board = board
	log.Info().Str("node", c.Me().Name).Int("myself", c.myself).Str("board", c.BoardAddr()).Msg("Joined cluster")
	return nil
}

// dialAddr is the board address, or the bound address when this node serves
// the board on an ephemeral port.
func (c *Cluster) dialAddr() string {
	if c.server != nil {
		return c.server.Addr()
	}
	return c.nodes[0].Addr
}

func (c *Cluster) exchange() (*Board, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.board == nil {
		return nil, errors.New("cluster not joined")
	}
	return c.board, nil
}

// nextBarrier returns the generation of the next barrier called name.
// Every node calls barriers in the same order, so generations line up.
func (c *Cluster) nextBarrier(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.barriers[name]
	c.barriers[name] = gen + 1
	return gen
}

// leaveTimeout bounds how long node 0 keeps serving the board for peers
// that have not left yet.
const leaveTimeout = 10 * time.Second

func leaveKey(node int) string { return fmt.Sprintf("leave/%d", node) }

// Close leaves the cluster. Peers announce that they are leaving; node 0
// keeps serving the board until every peer has left or leaveTimeout passed.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.board != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if c.myself != 0 {
			if perr := c.board.Put(ctx, leaveKey(c.myself), wrapperspb.Bool(true)); perr != nil {
				log.Warn().Err(perr).Msg("Failed to announce leaving the cluster")
			}
		} else {
			for _, peer := range c.Peers() {
				if gerr := c.board.Get(ctx, leaveKey(peer), &wrapperspb.BoolValue{}); gerr != nil {
					log.Warn().Err(gerr).Str("peer", c.nodes[peer].Name).Msg("Peer did not leave the cluster in time")
					break
				}
			}
		}
		cancel()
		err = c.board.Close()
		c.board = nil
	}
	if c.server != nil {
		c.server.Stop()
		c.server = nil
	}
	return err
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}
