// hived is the silo daemon: it joins the cluster, hosts actor activations,
// and serves the inter-silo transport.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roasbeef/hive/internal/build"
	"github.com/roasbeef/hive/internal/config"
	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/dlq"
	"github.com/roasbeef/hive/internal/membership"
	"github.com/roasbeef/hive/internal/runtime"
	"github.com/roasbeef/hive/internal/silo"
	"github.com/roasbeef/hive/internal/telemetry"
)

// Version is the daemon release string.
const Version = "0.1.0"

var (
	// cfgPath is the YAML config file; empty runs on defaults.
	cfgPath string

	// siloID and listenAddr override their config file values.
	siloID     string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "hived",
	Short: "Hive virtual actor silo daemon",
	Long: `hived hosts virtual actor activations: it joins the cluster via the
shared membership store, owns its segment of the placement ring, and serves
actor invocations over the inter-silo transport.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the cluster and serve actors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDaemon(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("hived %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgPath, "config", "",
		"Path to YAML config file (default: built-in defaults)",
	)
	serveCmd.Flags().StringVar(
		&siloID, "silo-id", "",
		"Silo id override (default: hostname)",
	)
	serveCmd.Flags().StringVar(
		&listenAddr, "listen", "",
		"Transport listen address override",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if siloID != "" {
		cfg.SiloID = siloID
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
		if cfg.AdvertiseAddr == "" {
			cfg.AdvertiseAddr = listenAddr
		}
	}

	logMgr, err := build.NewLogManager(&build.LogConfig{
		LogDir: cfg.LogDir,
		Level:  cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logMgr.Close() }()
	build.SetupLoggers(logMgr)

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	deadLetters, err := dlq.NewBoltStore(cfg.DLQPath, 0)
	if err != nil {
		return fmt.Errorf("open dead letter store: %w", err)
	}

	members := membership.NewHeartbeatProvider(
		store, membership.HeartbeatConfig{
			HeartbeatInterval: cfg.Membership.HeartbeatInterval,
			SuspectAfter:      cfg.Membership.SuspectAfter,
			DeadAfter:         cfg.Membership.DeadAfter,
		},
	)

	registry := runtime.NewRegistry()
	if err := registerBuiltins(registry, cfg); err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	hooks := telemetry.NewProm(promReg)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, promReg)
	}

	node, err := silo.New(silo.Config{
		ID:           cfg.SiloID,
		Endpoint:     cfg.AdvertiseAddr,
		ListenAddr:   cfg.ListenAddr,
		Registry:     registry,
		DB:           store,
		DLQ:          deadLetters,
		Membership:   members,
		Hooks:        hooks,
		RetryBudget:  cfg.Gateway.RetryBudget,
		RetryBackoff: cfg.Gateway.RetryBackoff,
		ReminderTick: cfg.Reminder.TickInterval,
	})
	if err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	return node.Stop(context.Background())
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		reg, promhttp.HandlerOpts{},
	))

	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil &&
		err != http.ErrServerClosed {

		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
