package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/node"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

const envPrefix = "EVENTLOG"

var nodeFlags = []string{
	"config",
	"data-dir", "grpc-addr", "monitoring-addr", "replicas",
	"log-env", "log-source",
	"prepare-timeout", "commit-timeout", "durability-timeout", "tick-interval", "shutdown-timeout",
	"mailbox-size", "explicit-transactions",
	"fsync-batch", "fsync-timeout",
}

func submain(ctx context.Context) int {
	root := newRootCommand(viper.New())
	root.SetArgs(os.Args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "eventlogd:", err)
		return 1
	}
	return 0
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "eventlogd",
		Short:         "Event log node serving stream writes over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfigFile(v); err != nil {
				return err
			}
			cfg, err := nodeConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	def := node.DefaultConfig()
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("data-dir", def.DataDir, "directory of the event log WAL")
	flags.String("grpc-addr", ":7400", "gRPC listen address")
	flags.String("monitoring-addr", ":7401", "HTTP listen address for /status and /metrics, empty to disable")
	flags.Int("replicas", def.Replicas, "number of log replicas the write quorum is computed over")
	flags.String("log-env", "prod", "logging environment: prod, staging or dev")
	flags.Bool("log-source", false, "add source locations to log records")
	flags.Duration("prepare-timeout", def.Coordinator.Timings.PrepareTimeout, "bound on waiting for prepare acknowledgements")
	flags.Duration("commit-timeout", def.Coordinator.Timings.CommitTimeout, "bound on waiting for the local commit")
	flags.Duration("durability-timeout", def.Coordinator.Timings.DurabilityTimeout, "bound on waiting for replication and indexing, 0 disables it")
	flags.Duration("tick-interval", def.Coordinator.Timings.TickInterval, "interval of timeout checks")
	flags.Duration("shutdown-timeout", def.Coordinator.Timings.ShutdownTimeout, "bound on draining writes at shutdown")
	flags.Int("mailbox-size", def.Coordinator.MailboxSize, "capacity of the coordinator queue")
	flags.Bool("explicit-transactions", def.Coordinator.ExplicitTransactions, "accept explicit multi-step transactions")
	flags.Int("fsync-batch", def.Fsync.BatchSize, "appends per fsync batch")
	flags.Duration("fsync-timeout", def.Fsync.Timeout, "maximum wait before a partial batch is flushed")

	for _, name := range nodeFlags {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(newAppendCommand())
	return cmd
}

func loadConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString("config"))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// nodeConfig resolves flags, environment and config file into a node config.
func nodeConfig(v *viper.Viper) (*api.NodeConfig, error) {
	cfg := node.DefaultConfig()
	cfg.DataDir = v.GetString("data-dir")
	cfg.GRPCAddr = v.GetString("grpc-addr")
	cfg.MonitoringAddr = v.GetString("monitoring-addr")
	cfg.Replicas = v.GetInt("replicas")

	cc := &cfg.Coordinator
	cc.Log.Env = logger.ParseEnviroment(v.GetString("log-env"))
	cc.Log.AddSource = v.GetBool("log-source")
	cc.Timings.PrepareTimeout = v.GetDuration("prepare-timeout")
	cc.Timings.CommitTimeout = v.GetDuration("commit-timeout")
	cc.Timings.DurabilityTimeout = v.GetDuration("durability-timeout")
	cc.Timings.TickInterval = v.GetDuration("tick-interval")
	cc.Timings.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cc.MailboxSize = v.GetInt("mailbox-size")
	cc.ExplicitTransactions = v.GetBool("explicit-transactions")

	cfg.Fsync.BatchSize = v.GetInt("fsync-batch")
	cfg.Fsync.Timeout = v.GetDuration("fsync-timeout")

	var errs []error
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data-dir is required"))
	}
	if cfg.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc-addr is required"))
	}
	if cfg.Replicas < 1 {
		errs = append(errs, fmt.Errorf("replicas must be at least 1, got %d", cfg.Replicas))
	}
	if cc.Timings.PrepareTimeout <= 0 || cc.Timings.CommitTimeout <= 0 {
		errs = append(errs, errors.New("prepare-timeout and commit-timeout must be positive"))
	}
	if cc.Timings.DurabilityTimeout < 0 {
		errs = append(errs, errors.New("durability-timeout must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// run serves until ctx is done, then resigns and stops the node.
func run(ctx context.Context, cfg *api.NodeConfig) error {
	log := logger.NewLogger(cfg.Coordinator.Log.Env, cfg.Coordinator.Log.AddSource)
	n, err := node.NewNodeBuilder().WithConfig(cfg).WithLogger(log).Build()
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return errors.Join(err, n.Stop())
	}

	<-ctx.Done()
	log.Info("shutting down")

	rctx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.Timings.ShutdownTimeout)
	defer cancel()
	if err := n.Resign(rctx); err != nil {
		log.Warn("resign before shutdown failed", logger.ErrAttr(err))
	}
	return n.Stop()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cliLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
}
