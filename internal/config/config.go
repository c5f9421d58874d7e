package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/rverbs/internal/verbs"
)

// Benchmark modes
const (
	ModeWrite = "write"
	ModePing  = "ping"
)

// Config holds configuration for the rverbs demo
type Config struct {
	Mode              string
	ClusterFile       string
	Myself            int
	Device            string
	Port              uint8
	GIDIndex          uint8
	QPType            verbs.QPType
	Iterations        int
	MessageSize       int
	Rate              int
	Timeout           time.Duration
	OtelCollectorAddr string
	InstanceID        string
	LogLevel          string
}

// SetupFlags sets up the command line flags for the demo
func SetupFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "rverbs.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("mode", ModeWrite, "Benchmark to run: write (RDMA write latency) or ping (datagram probes)")
	flagSet.String("cluster", "cluster.toml", "Path to the cluster description")
	flagSet.Int("myself", -1, "Index of this node in the cluster (-1 to take it from the cluster file)")
	flagSet.String("device", "", "RDMA device name (empty for any device with an active port)")
	flagSet.Uint8("port", 1, "Physical port number")
	flagSet.Uint8("gid-index", 0, "GID table index")
	flagSet.String("qp-type", "rc", "Queue pair transport for write mode (rc, uc)")
	flagSet.Int("iterations", 1000, "Number of writes or probes per peer")
	flagSet.Int("message-size", 8, "Size of each write in bytes")
	flagSet.Int("rate", 0, "Writes or probes per second (0 for unlimited)")
	flagSet.Duration("timeout", 30*time.Second, "Timeout for the rendezvous with other nodes and for each probe")
	flagSet.String("otel-collector-addr", "", "OTLP collector address for metrics (e.g. grpc://localhost:4317, empty to disable)")
	flagSet.String("instance-id", hostname(), "Instance identifier reported with metrics")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
}

// Load loads the configuration from flags, RVERBS_* environment variables
// and an optional configuration file, in that order of precedence.
func Load(flagSet *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RVERBS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	qpType, err := verbs.ParseQPType(v.GetString("qp-type"))
	if err != nil {
		return nil, err
	}
	port, err := getUint8(v, "port")
	if err != nil {
		return nil, err
	}
	gidIndex, err := getUint8(v, "gid-index")
	if err != nil {
		return nil, err
	}

	config := &Config{
		Mode:              v.GetString("mode"),
		ClusterFile:       v.GetString("cluster"),
		Myself:            v.GetInt("myself"),
		Device:            v.GetString("device"),
		Port:              port,
		GIDIndex:          gidIndex,
		QPType:            qpType,
		Iterations:        v.GetInt("iterations"),
		MessageSize:       v.GetInt("message-size"),
		Rate:              v.GetInt("rate"),
		Timeout:           v.GetDuration("timeout"),
		OtelCollectorAddr: v.GetString("otel-collector-addr"),
		InstanceID:        v.GetString("instance-id"),
		LogLevel:          v.GetString("log-level"),
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func getUint8(v *viper.Viper, key string) (uint8, error) {
	n := v.GetUint(key)
	if n > 255 {
		return 0, fmt.Errorf("%s must be at most 255, got %d", key, n)
	}
	return uint8(n), nil
}

func (c *Config) validate() error {
	if c.Mode != ModeWrite && c.Mode != ModePing {
		return fmt.Errorf("unknown mode %q: use %s or %s", c.Mode, ModeWrite, ModePing)
	}
	if c.ClusterFile == "" {
		return errors.New("cluster file is required")
	}
	if c.Port == 0 {
		return errors.New("port numbers start at 1")
	}
	if c.Mode == ModeWrite && c.QPType == verbs.QPTypeUD {
		return errors.New("the write benchmark needs a connected transport (rc or uc)")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.MessageSize <= 0 {
		return fmt.Errorf("message size must be positive, got %d", c.MessageSize)
	}
	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative, got %d", c.Rate)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// CreateDefault creates a default configuration file
func CreateDefault(path string) error {
	configContent := `# rverbs configuration
mode: "write" # write, ping
cluster: "cluster.toml" # node list; see ctrl.LoadCluster
myself: -1 # -1 takes it from the cluster file or the hostname
device: "" # empty picks the first device with an active port
port: 1
gid-index: 0
qp-type: "rc" # rc, uc; write mode only
iterations: 1000 # per peer
message-size: 8 # bytes
rate: 0 # per second, 0 for unlimited
timeout: "30s"
otel-collector-addr: "" # e.g. grpc://localhost:4317
instance-id: "" # leave empty to use a random identifier
log-level: "info" # trace, debug, info, warn, error
`

	return writeConfigFile(path, configContent)
}

func writeConfigFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("rverbs-%d", os.Getpid())
	}
	return name
}
