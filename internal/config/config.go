// Package config provides the unified configuration loader for a HyperMesh
// node. It is versioned so that callers can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	herrors "github.com/hypermesh/core/internal/errors"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a HyperMesh node. It mirrors the
// section layout of the original Rust ConsensusConfig (raft / byzantine /
// transaction / storage / sharding / performance) translated to Go.
type Config struct {
	Node struct {
		DataDir        string   `mapstructure:"data_dir"`
		ListenAddr     string   `mapstructure:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers"`
		DiscoveryTag   string   `mapstructure:"discovery_tag"`
	} `mapstructure:"node"`

	Raft struct {
		ElectionTimeoutMinMS int  `mapstructure:"election_timeout_min_ms"`
		ElectionTimeoutMaxMS int  `mapstructure:"election_timeout_max_ms"`
		HeartbeatIntervalMS  int  `mapstructure:"heartbeat_interval_ms"`
		SnapshotThreshold    int  `mapstructure:"snapshot_threshold"`
		EnablePreVote        bool `mapstructure:"enable_pre_vote"`
		VoteTimeoutMS        int  `mapstructure:"vote_timeout_ms"`
		AppendTimeoutMS      int  `mapstructure:"append_timeout_ms"`
	} `mapstructure:"raft"`

	Byzantine struct {
		Enabled                     bool    `mapstructure:"enabled"`
		DetectionThreshold          float64 `mapstructure:"detection_threshold"`
		EvidenceRetentionHours      int     `mapstructure:"evidence_retention_hours"`
		ReputationDecayFactor       float64 `mapstructure:"reputation_decay_factor"`
		MaxByzantineRatio           float64 `mapstructure:"max_byzantine_ratio"`
		EnableQuarantine            bool    `mapstructure:"enable_quarantine"`
		QuarantineEvidenceThreshold int     `mapstructure:"quarantine_evidence_threshold"`
		StallWindowMS               int     `mapstructure:"stall_window_ms"`
	} `mapstructure:"byzantine"`

	Transaction struct {
		DefaultIsolation               string `mapstructure:"default_isolation_level"`
		TimeoutSeconds                 int    `mapstructure:"timeout_seconds"`
		MaxRetryAttempts                int    `mapstructure:"max_retry_attempts"`
		DeadlockDetectionIntervalMS     int    `mapstructure:"deadlock_detection_interval_ms"`
		TwoPhaseCommitTimeoutSeconds    int    `mapstructure:"two_phase_commit_timeout_seconds"`
		CoordinatorLeaseSeconds         int    `mapstructure:"coordinator_lease_seconds"`
		ParticipantHeartbeatIntervalMS  int    `mapstructure:"participant_heartbeat_interval_ms"`
		MaxParticipantsPerTransaction   int    `mapstructure:"max_participants_per_transaction"`
	} `mapstructure:"transaction"`

	Storage struct {
		DataDir              string `mapstructure:"data_dir"`
		MaxVersionsPerKey    int    `mapstructure:"max_versions_per_key"`
		GCIntervalSeconds    int    `mapstructure:"gc_interval_seconds"`
		GCWatermarkLagSeconds int   `mapstructure:"gc_watermark_lag_seconds"`
	} `mapstructure:"storage"`

	Sharding struct {
		InitialShardCount            int     `mapstructure:"initial_shard_count"`
		MaxShardCount                 int     `mapstructure:"max_shard_count"`
		ReplicationFactor              int     `mapstructure:"replication_factor"`
		SplitThresholdMB               int     `mapstructure:"split_threshold_mb"`
		MergeThresholdMB               int     `mapstructure:"merge_threshold_mb"`
		VirtualNodesPerPhysicalNode     int     `mapstructure:"virtual_nodes_per_physical_node"`
		HashFunction                   string  `mapstructure:"hash_function"`
		RebalanceThreshold              float64 `mapstructure:"rebalance_threshold"`
		HotShardRequestRateThreshold    uint64  `mapstructure:"hot_shard_request_rate_threshold"`
	} `mapstructure:"sharding"`

	Proof struct {
		IssueMinConfidence     float64 `mapstructure:"issue_min_confidence"`
		ValidationMinConfidence float64 `mapstructure:"validation_min_confidence"`
		MaxClockDrift           string  `mapstructure:"max_clock_drift"`
	} `mapstructure:"proof"`

	Certificate struct {
		RotationLeadTime string `mapstructure:"rotation_lead_time"`
		OverlapWindow    string `mapstructure:"overlap_window"`
		Algorithm        string `mapstructure:"algorithm"`
	} `mapstructure:"certificate"`

	Tuner struct {
		WindowSize       int `mapstructure:"window_size"`
		PromoteStreak    int `mapstructure:"promote_streak"`
		DemoteStreak     int `mapstructure:"demote_streak"`
	} `mapstructure:"tuner"`

	Logging struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

// Default returns a Config populated with the same defaults as the original
// Rust ConsensusConfig::default(), translated field-for-field.
func Default() *Config {
	var c Config
	c.Node.DataDir = "./hypermesh-data"
	c.Node.ListenAddr = "/ip6/::/udp/0/quic-v1"
	c.Node.DiscoveryTag = "hypermesh"

	c.Raft.ElectionTimeoutMinMS = 1000
	c.Raft.ElectionTimeoutMaxMS = 2000
	c.Raft.HeartbeatIntervalMS = 100
	c.Raft.SnapshotThreshold = 100_000
	c.Raft.EnablePreVote = true
	c.Raft.VoteTimeoutMS = 5000
	c.Raft.AppendTimeoutMS = 1000

	c.Byzantine.Enabled = true
	c.Byzantine.DetectionThreshold = 0.7
	c.Byzantine.EvidenceRetentionHours = 168
	c.Byzantine.ReputationDecayFactor = 0.99
	c.Byzantine.MaxByzantineRatio = 0.33
	c.Byzantine.EnableQuarantine = true
	c.Byzantine.QuarantineEvidenceThreshold = 3
	c.Byzantine.StallWindowMS = 5000

	c.Transaction.DefaultIsolation = "serializable"
	c.Transaction.TimeoutSeconds = 30
	c.Transaction.MaxRetryAttempts = 3
	c.Transaction.DeadlockDetectionIntervalMS = 100
	c.Transaction.TwoPhaseCommitTimeoutSeconds = 60
	c.Transaction.CoordinatorLeaseSeconds = 300
	c.Transaction.ParticipantHeartbeatIntervalMS = 1000
	c.Transaction.MaxParticipantsPerTransaction = 1000

	c.Storage.DataDir = "./hypermesh-data/mvcc"
	c.Storage.MaxVersionsPerKey = 100
	c.Storage.GCIntervalSeconds = 300
	c.Storage.GCWatermarkLagSeconds = 3600

	c.Sharding.InitialShardCount = 16
	c.Sharding.MaxShardCount = 100_000
	c.Sharding.ReplicationFactor = 3
	c.Sharding.SplitThresholdMB = 100
	c.Sharding.MergeThresholdMB = 10
	c.Sharding.VirtualNodesPerPhysicalNode = 150
	c.Sharding.HashFunction = "sha256"
	c.Sharding.RebalanceThreshold = 0.1
	c.Sharding.HotShardRequestRateThreshold = 10_000

	c.Proof.IssueMinConfidence = 0.8
	c.Proof.ValidationMinConfidence = 0.75
	c.Proof.MaxClockDrift = "2m"

	c.Certificate.RotationLeadTime = "24h"
	c.Certificate.OverlapWindow = "1h"
	c.Certificate.Algorithm = "ed25519"

	c.Tuner.WindowSize = 32
	c.Tuner.PromoteStreak = 3
	c.Tuner.DemoteStreak = 3

	c.Logging.Level = "info"

	c.Metrics.Enabled = true
	c.Metrics.Addr = "127.0.0.1:9464"
	return &c
}

// Load reads configuration from file(s) named "hypermesh.<ext>" under the
// given search paths, merges a ".env" overlay, and returns the result
// layered onto Default(). env selects an optional environment-specific
// overlay file (e.g. "production" → "hypermesh.production.yaml").
func Load(searchPaths []string, env string) (*Config, error) {
	_ = godotenv.Load() // optional .env overlay; absence is not an error

	v := viper.New()
	v.SetConfigName("hypermesh")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("HYPERMESH")
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, herrors.Wrap(herrors.KindUnknown, err, "load config")
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, herrors.Wrap(herrors.KindUnknown, err, "unmarshal config")
	}

	if env != "" {
		v.SetConfigName(fmt.Sprintf("hypermesh.%s", env))
		if err := v.MergeInConfig(); err == nil {
			if err := v.Unmarshal(cfg); err != nil {
				return nil, herrors.Wrap(herrors.KindUnknown, err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, herrors.New(herrors.KindUnknown, err.Error())
	}
	return cfg, nil
}

// Validate checks the configuration for the same consistency constraints as
// the original Rust ConsensusConfig::validate(), and rejects any sharding
// hash_function other than sha256, the only hash the shard ring supports.
func (c *Config) Validate() error {
	if c.Raft.ElectionTimeoutMinMS >= c.Raft.ElectionTimeoutMaxMS {
		return fmt.Errorf("election timeout minimum must be less than maximum")
	}
	if c.Raft.HeartbeatIntervalMS >= c.Raft.ElectionTimeoutMinMS {
		return fmt.Errorf("heartbeat interval must be less than election timeout minimum")
	}
	if c.Byzantine.MaxByzantineRatio >= 0.5 {
		return fmt.Errorf("byzantine ratio must be less than 0.5 for safety")
	}
	if c.Sharding.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1")
	}
	if c.Sharding.SplitThresholdMB <= c.Sharding.MergeThresholdMB {
		return fmt.Errorf("split threshold must be greater than merge threshold")
	}
	if h := c.Sharding.HashFunction; h != "" && h != "sha256" {
		return fmt.Errorf("unsupported hash function %q", h)
	}
	return nil
}

// ElectionTimeoutRange returns the randomized-election-timeout bounds as
// time.Durations.
func (c *Config) ElectionTimeoutRange() (time.Duration, time.Duration) {
	return time.Duration(c.Raft.ElectionTimeoutMinMS) * time.Millisecond,
		time.Duration(c.Raft.ElectionTimeoutMaxMS) * time.Millisecond
}

// HeartbeatInterval returns the Raft heartbeat interval as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Raft.HeartbeatIntervalMS) * time.Millisecond
}
