// Package main implements the kvring node: a single symmetric process that
// stores data, routes client requests through quorum replication, and
// gossips membership with its peers.
//
// Usage:
//
//	kvnode --node-id node1 --port 7000 --data-dir /var/lib/kvring \
//	       --seed host1:7000 --seed host2:7000 \
//	       --replication-factor 3 --read-quorum 2 --write-quorum 2 \
//	       --log-level info
//
// The WAL lives at <data-dir>/<node-id>/wal.log and is replayed on start.
// A TOML config file may be given with --config; flags override its values.
package main

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/dreamware/kvring/internal/cluster"
	"github.com/dreamware/kvring/internal/config"
	"github.com/dreamware/kvring/internal/coordinator"
	"github.com/dreamware/kvring/internal/ring"
	"github.com/dreamware/kvring/internal/server"
	"github.com/dreamware/kvring/internal/storage"
)

// logFatal is a variable so tests can intercept fatal exits.
var logFatal = log.Fatalf

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logFatal("configuration error: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("node", cfg.NodeID)

	logger.WithFields(log.Fields{
		"addr":     cfg.ListenAddr(),
		"data_dir": cfg.DataDir,
		"N":        cfg.N,
		"R":        cfg.R,
		"W":        cfg.W,
		"seeds":    len(cfg.Seeds),
	}).Info("kvring node starting")
	if !cfg.StrongConsistency() {
		logger.Warn("R+W <= N: eventual consistency mode (strong consistency requires R+W > N)")
	}

	// Storage engine, recovered from the WAL of a previous run.
	engine, err := storage.NewEngine(filepath.Join(cfg.DataDir, cfg.NodeID))
	if err != nil {
		logFatal("storage init failed: %v", err)
	}
	if err := engine.Recover(); err != nil {
		logFatal("WAL recovery failed: %v", err)
	}

	// Hash ring, seeded with ourselves.
	hashRing := ring.New(cfg.Virtuals)
	hashRing.AddNode(cfg.NodeID)

	// Membership: joins and leaves mutate the ring.
	self := cluster.NodeInfo{ID: cfg.NodeID, Host: cfg.Host, Port: cfg.Port}
	membership := cluster.NewManager(self)
	membership.SetOnJoin(func(node cluster.NodeInfo) {
		hashRing.AddNode(node.ID)
	})
	membership.SetOnLeave(func(nodeID string) {
		hashRing.RemoveNode(nodeID)
	})
	for _, s := range cfg.Seeds {
		host, port, err := config.ParseSeed(s)
		if err != nil {
			logFatal("invalid seed %q: %v", s, err)
		}
		membership.AddSeed(host, port)
	}

	coord := coordinator.New(cfg.NodeID, engine, hashRing, membership, cfg.N, cfg.R, cfg.W)
	srv := server.New(cfg.ListenAddr(), cfg.Workers, coord.Handle)
	if err := srv.Start(); err != nil {
		logFatal("server start failed: %v", err)
	}
	membership.Start()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.WithField("addr", cfg.MetricsAddr).Info("metrics listener up")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.WithError(err).Warn("metrics listener failed")
			}
		}()
	}

	// Block until SIGINT/SIGTERM, then unwind in dependency order.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	membership.Stop()
	srv.Stop()
	if err := engine.Close(); err != nil {
		logger.WithError(err).Warn("storage close failed")
	}
	logger.Info("shutdown complete")
}

// loadConfig builds the effective configuration: defaults, then the
// optional TOML file, then flags.
func loadConfig(args []string) (*config.Config, error) {
	cfg := config.NewDefault()

	fs := flag.NewFlagSet("kvnode", flag.ContinueOnError)
	configFile := fs.String("config", "", "TOML configuration file")
	nodeID := fs.String("node-id", cfg.NodeID, "unique node identifier")
	host := fs.String("host", cfg.Host, "listen host")
	port := fs.Uint16("port", cfg.Port, "listen port")
	dataDir := fs.String("data-dir", cfg.DataDir, "data directory")
	seeds := fs.StringArray("seed", nil, "seed node address host:port (repeatable)")
	n := fs.Int("replication-factor", cfg.N, "replication factor N")
	r := fs.Int("read-quorum", cfg.R, "read quorum R")
	w := fs.Int("write-quorum", cfg.W, "write quorum W")
	virtuals := fs.Int("virtual-nodes", cfg.Virtuals, "virtual nodes per physical node")
	workers := fs.Int("workers", cfg.Workers, "connection worker pool size")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			return nil, err
		}
	}

	// Explicit flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = *nodeID
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "data-dir":
			cfg.DataDir = *dataDir
		case "seed":
			cfg.Seeds = *seeds
		case "replication-factor":
			cfg.N = *n
		case "read-quorum":
			cfg.R = *r
		case "write-quorum":
			cfg.W = *w
		case "virtual-nodes":
			cfg.Virtuals = *virtuals
		case "workers":
			cfg.Workers = *workers
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
