// Package config holds node configuration: compiled-in defaults, an
// optional TOML file, and validation. Command-line flags (bound in
// cmd/kvnode) override file values, which override the defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Defaults mirroring the cluster's compiled-in constants.
const (
	DefaultPort              = 7000
	DefaultReplicationFactor = 3
	DefaultReadQuorum        = 2
	DefaultWriteQuorum       = 2
	DefaultVirtualNodes      = 150
	DefaultWorkers           = 8
	DefaultDataDir           = "/tmp/kvring"
)

// Config is the full node configuration.
type Config struct {
	NodeID   string   `toml:"node-id"`
	Host     string   `toml:"host"`
	Port     uint16   `toml:"port"`
	DataDir  string   `toml:"data-dir"`
	Seeds    []string `toml:"seeds"` // host:port, repeatable
	N        int      `toml:"replication-factor"`
	R        int      `toml:"read-quorum"`
	W        int      `toml:"write-quorum"`
	Virtuals int      `toml:"virtual-nodes"`
	Workers  int      `toml:"workers"`

	MetricsAddr string `toml:"metrics-addr"` // empty disables the metrics listener
	LogLevel    string `toml:"log-level"`
}

// NewDefault returns a config populated with the defaults.
func NewDefault() *Config {
	return &Config{
		NodeID:   "node1",
		Host:     "0.0.0.0",
		Port:     DefaultPort,
		DataDir:  DefaultDataDir,
		N:        DefaultReplicationFactor,
		R:        DefaultReadQuorum,
		W:        DefaultWriteQuorum,
		Virtuals: DefaultVirtualNodes,
		Workers:  DefaultWorkers,
		LogLevel: "info",
	}
}

// LoadFile overlays values from a TOML file onto c.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return errors.Wrapf(err, "config: load %s", path)
	}
	return nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node-id must not be empty")
	}
	if c.N < 1 {
		return errors.Errorf("config: replication factor %d out of range", c.N)
	}
	if c.R < 1 || c.R > c.N {
		return errors.Errorf("config: read quorum %d out of range for N=%d", c.R, c.N)
	}
	if c.W < 1 || c.W > c.N {
		return errors.Errorf("config: write quorum %d out of range for N=%d", c.W, c.N)
	}
	for _, s := range c.Seeds {
		if _, _, err := ParseSeed(s); err != nil {
			return err
		}
	}
	return nil
}

// StrongConsistency reports whether the quorum settings guarantee
// read-write overlap (R + W > N).
func (c *Config) StrongConsistency() bool {
	return c.R+c.W > c.N
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseSeed splits a host:port seed address.
func ParseSeed(s string) (host string, port uint16, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, errors.Errorf("config: invalid seed %q (expected host:port)", s)
	}
	host = s[:idx]
	p, err := strconv.ParseUint(s[idx+1:], 10, 16)
	if err != nil || host == "" {
		return "", 0, errors.Errorf("config: invalid seed %q (expected host:port)", s)
	}
	return host, uint16(p), nil
}
