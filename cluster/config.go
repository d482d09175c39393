// Package cluster holds the static configuration of a replica group:
// membership, fault threshold, watermark offsets, and timeouts.
package cluster

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"bft2f/message"
)

// Duration wraps time.Duration so YAML configs can use forms like
// "250ms" or "2s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Node is one replica's identity and address.
type Node struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// Config describes a cluster of N = 3f+1 replicas and the protocol
// parameters every replica must agree on.
type Config struct {
	Nodes []Node `yaml:"nodes"`

	// Clients lists known client endpoints, so replica replies can be
	// routed on address-based transports.
	Clients []Node `yaml:"clients"`

	// F is the tolerated Byzantine fault count. N must be >= 3F+1.
	F int `yaml:"f"`

	// CheckpointInterval is K: a checkpoint is taken every K executed
	// sequence numbers.
	CheckpointInterval uint64 `yaml:"checkpoint_interval"`

	// WatermarkWindow is the width of the accepted sequence window
	// above the low watermark.
	WatermarkWindow uint64 `yaml:"watermark_window"`

	RequestTimeout    Duration `yaml:"request_timeout"`
	ViewChangeTimeout Duration `yaml:"view_change_timeout"`

	// Secret seeds pairwise MAC keys and the derived node identities.
	Secret string `yaml:"secret"`
}

// Defaults fills unset tuning parameters.
func (c *Config) Defaults() {
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 16
	}
	if c.WatermarkWindow == 0 {
		c.WatermarkWindow = 2 * c.CheckpointInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(2 * time.Second)
	}
	if c.ViewChangeTimeout == 0 {
		c.ViewChangeTimeout = Duration(500 * time.Millisecond)
	}
}

// Validate checks the quorum arithmetic.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("cluster has no nodes")
	}
	if c.F < 0 {
		return errors.New("negative fault threshold")
	}
	if len(c.Nodes) < 3*c.F+1 {
		return errors.Errorf("N=%d is below 3f+1 for f=%d", len(c.Nodes), c.F)
	}
	seen := make(map[uint64]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.ID] {
			return errors.Errorf("duplicate node id %d", n.ID)
		}
		if message.ClientID(n.ID) >= message.ClientIDFloor {
			return errors.Errorf("node id %d collides with the client id range", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

// N is the cluster size.
func (c *Config) N() int {
	return len(c.Nodes)
}

// Quorum is 2f+1, the size of a committed certificate and a reply
// quorum.
func (c *Config) Quorum() int {
	return 2*c.F + 1
}

// Primary returns the primary replica of a view: v mod N.
func (c *Config) Primary(v message.View) message.ReplicaID {
	return message.ReplicaID(uint64(v) % uint64(len(c.Nodes)))
}

// ReplicaIDs returns all replica ids in declaration order.
func (c *Config) ReplicaIDs() []uint64 {
	ids := make([]uint64, len(c.Nodes))
	for i, n := range c.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// AddressOf returns the address of a replica or known client, or ""
// if unknown.
func (c *Config) AddressOf(id uint64) string {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n.Address
		}
	}
	for _, n := range c.Clients {
		if n.ID == id {
			return n.Address
		}
	}
	return ""
}

// Load reads and validates a YAML cluster file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read cluster config")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse cluster config")
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Local builds an in-memory config for an N-replica local cluster,
// used by tests and the sim command.
func Local(n, f int, secret string) *Config {
	cfg := &Config{F: f, Secret: secret}
	for i := 0; i < n; i++ {
		cfg.Nodes = append(cfg.Nodes, Node{ID: uint64(i)})
	}
	cfg.Defaults()
	return cfg
}
