// Command hypermeshd runs a HyperMesh node and exposes the operational
// commands of spec §6 over the local admin surface (join-cluster,
// leave-cluster, status, rotate-cert, quarantine/unquarantine) plus a
// long-running `run` command. Adapted from the teacher's cmd/synnergy, which
// wires its subcommands the same flat way onto a single cobra root.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hypermesh/core/internal/config"
	"github.com/hypermesh/core/internal/health"
	"github.com/hypermesh/core/internal/runtime"
)

// Exit codes from the core runner (spec §6).
const (
	exitClean                  = 0
	exitConfigRejected          = 1
	exitInitializationFailure   = 2
	exitMembershipDenied         = 3
	exitFatalConsensusHalt        = 4
	exitUnrecoverableStorage       = 5
)

func main() {
	root := &cobra.Command{Use: "hypermeshd"}

	var configPath string
	var env string
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory to search for hypermesh.yaml")
	root.PersistentFlags().StringVar(&env, "env", "", "environment overlay name (e.g. production)")

	root.AddCommand(runCmd(&configPath, &env))
	root.AddCommand(joinClusterCmd(&configPath, &env))
	root.AddCommand(leaveClusterCmd(&configPath, &env))
	root.AddCommand(statusCmd(&configPath, &env))
	root.AddCommand(rotateCertCmd(&configPath, &env))
	root.AddCommand(quarantineCmd(&configPath, &env))
	root.AddCommand(unquarantineCmd(&configPath, &env))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigRejected)
	}
}

func loadConfig(configPath, env string) (*config.Config, int) {
	cfg, err := config.Load([]string{configPath}, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hypermeshd: configuration rejected: %v\n", err)
		return nil, exitConfigRejected
	}
	return cfg, exitClean
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// bootNode loads config and constructs a runtime.Node, exiting with
// exitInitializationFailure on any bring-up error (spec §6/§7: the keystore,
// disk, transport and consensus subsystems must all come up before this
// binary will call any of them).
func bootNode(configPath, env *string) (*config.Config, *runtime.Node, *logrus.Logger) {
	cfg, code := loadConfig(*configPath, *env)
	if cfg == nil {
		os.Exit(code)
	}
	logger := newLogger(cfg)
	node, err := runtime.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hypermeshd: node initialization failed: %v\n", err)
		os.Exit(exitInitializationFailure)
	}
	return cfg, node, logger
}

func runCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start a HyperMesh node and block until shutdown",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, node, logger := bootNode(configPath, env)
			defer node.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.WithFields(logrus.Fields{
				"listen_addr": cfg.Node.ListenAddr,
				"data_dir":    cfg.Node.DataDir,
			}).Info("hypermeshd: starting")

			reg := prometheus.NewRegistry()
			detector := health.NewDetector(health.DefaultConfig(), reg)
			detector.OnAlert(func(a health.Alert) {
				logger.WithFields(logrus.Fields{
					"component": a.Component,
					"severity":  a.Severity.String(),
					"metric":    a.Metric,
					"deviation": a.DeviationPercent,
				}).Warn("hypermeshd: health degradation alert")
			})

			if cfg.Metrics.Enabled {
				shutdownMetrics := startMetricsServer(cfg.Metrics.Addr, reg, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdownMetrics(shutdownCtx)
				}()
				logger.WithField("addr", cfg.Metrics.Addr).Info("hypermeshd: metrics endpoint listening")
			}

			runErrCh := make(chan error, 1)
			go func() { runErrCh <- node.Run(ctx) }()

			select {
			case <-ctx.Done():
				logger.Info("hypermeshd: shutdown signal received, draining")
				os.Exit(exitClean)
			case err := <-runErrCh:
				if err != nil {
					logger.WithError(err).Error("hypermeshd: consensus loop halted")
					os.Exit(exitFatalConsensusHalt)
				}
				os.Exit(exitClean)
			}
		},
	}
}

func joinClusterCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join-cluster [bootstrap-nodes...]",
		Short: "begin a membership change to include this node",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				fmt.Fprintln(os.Stderr, "hypermeshd: join-cluster requires at least one bootstrap address")
				os.Exit(exitMembershipDenied)
			}
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			index, ok, err := node.JoinCluster(args)
			if err != nil {
				fmt.Fprintf(os.Stderr, "hypermeshd: join-cluster failed: %v\n", err)
				os.Exit(exitMembershipDenied)
			}
			if !ok {
				fmt.Fprintln(os.Stderr, "hypermeshd: join-cluster rejected (not leader or configuration change already in flight)")
				os.Exit(exitMembershipDenied)
			}
			fmt.Printf("membership change proposed at log index %d to add: %v\n", index, args)
		},
	}
}

func leaveClusterCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "leave-cluster",
		Short: "begin a membership change to exclude this node",
		Run: func(cmd *cobra.Command, args []string) {
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			index, ok := node.LeaveCluster()
			if !ok {
				fmt.Fprintln(os.Stderr, "hypermeshd: leave-cluster rejected (not leader or configuration change already in flight)")
				os.Exit(exitMembershipDenied)
			}
			fmt.Printf("membership change proposed at log index %d to remove this node\n", index)
		},
	}
}

func statusCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "emit a structured report of peer id, role, term, commit index, shard count, quarantined-peer count and certificate fingerprint (no per-shard ownership, reputations or health alerts)",
		Run: func(cmd *cobra.Command, args []string) {
			// Status is read-only and must complete even without quorum
			// (spec §7): it is served from local state, never routed
			// through a Raft proposal.
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			s := node.Status()
			fmt.Printf("peer_id: %s\n", s.PeerID)
			fmt.Printf("role: %s\n", s.Role)
			fmt.Printf("term: %d\n", s.Term)
			fmt.Printf("commit_index: %d\n", s.CommitIndex)
			fmt.Printf("shard_count: %d\n", s.ShardCount)
			fmt.Printf("quarantined_peers: %d\n", s.QuarantinedPeers)
			fmt.Printf("active_cert_fingerprint: %s\n", s.ActiveCertFpr)
		},
	}
}

func rotateCertCmd(configPath, env *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate-cert",
		Short: "initiate certificate rotation ahead of schedule",
		Run: func(cmd *cobra.Command, args []string) {
			lead, _ := cmd.Flags().GetDuration("lead")
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			cert, reason := node.RotateCert(lead)
			if cert == nil {
				fmt.Fprintf(os.Stderr, "hypermeshd: certificate rotation rejected: %v\n", reason)
				os.Exit(exitInitializationFailure)
			}
			fmt.Printf("successor certificate published, valid from %d to %d\n", cert.NotBeforeUnix, cert.NotAfterUnix)
		},
	}
	cmd.Flags().Duration("lead", 24*time.Hour, "lead time before the current certificate's expiry")
	return cmd
}

func quarantineCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine <fingerprint-hex>",
		Short: "manually quarantine a peer by certificate fingerprint",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			node.Quarantine(args[0])
			fmt.Printf("peer %s quarantined\n", args[0])
		},
	}
}

func unquarantineCmd(configPath, env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unquarantine <fingerprint-hex>",
		Short: "reinstate a previously quarantined peer (operator action only, spec §4.8)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, node, _ := bootNode(configPath, env)
			defer node.Close()

			node.Unquarantine(args[0])
			fmt.Printf("peer %s reinstated\n", args[0])
		},
	}
}
