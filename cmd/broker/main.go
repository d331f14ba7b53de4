// Command broker is the phoebe.server session broker entrypoint: it wires
// the port pool, session store, worker supervisor, session registry, idle
// reaper, and HTTP facade together and serves the broker's external surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/log"
	"github.com/spf13/cobra"

	"github.com/aprsa/phoebe.server/internal/config"
	"github.com/aprsa/phoebe.server/internal/httpapi"
	"github.com/aprsa/phoebe.server/internal/metrics"
	"github.com/aprsa/phoebe.server/internal/portpool"
	"github.com/aprsa/phoebe.server/internal/reaper"
	"github.com/aprsa/phoebe.server/internal/registry"
	"github.com/aprsa/phoebe.server/internal/store"
	"github.com/aprsa/phoebe.server/internal/supervisor"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "phoebe.server session broker",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "./config.yaml", "path to the broker's YAML config file")
	rootCmd.Flags().String("listen", "", "override broker.listen_addr")
	rootCmd.Flags().String("api-key", "", "override broker.api_key")
	rootCmd.Flags().String("worker-binary", "", "override worker.binary_path")
	rootCmd.Flags().Int("port-start", 0, "override port_pool.start")
	rootCmd.Flags().Int("port-end", 0, "override port_pool.end")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Broker.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("api-key"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v, _ := cmd.Flags().GetString("worker-binary"); v != "" {
		cfg.Worker.BinaryPath = v
	}
	if v, _ := cmd.Flags().GetInt("port-start"); v != 0 {
		cfg.PortPool.Start = v
	}
	if v, _ := cmd.Flags().GetInt("port-end"); v != 0 {
		cfg.PortPool.End = v
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	liblog := log.Init(log.Resource{Name: "phoebe-broker", Version: "dev"})
	defer liblog.Sync()

	rootLog := log.Scoped("broker", "session broker entrypoint")

	sup := supervisor.New(cfg.Worker.BinaryPath)
	if n := sup.SweepOrphans(); n > 0 {
		rootLog.Info("swept orphaned workers from a previous run", log.Int("count", n))
	}

	pool, err := portpool.New(cfg.PortPool.Start, cfg.PortPool.End)
	if err != nil {
		return fmt.Errorf("init port pool: %w", err)
	}

	filter := store.NewCommandFilter(cfg.Database.LogIncludeCommands, cfg.Database.LogExcludeCommands)
	st, err := store.Open(cfg.Database.Path, filter)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	reg := registry.New(pool, sup, st, m)

	idleTimeout := cfg.Session.IdleTimeoutSeconds
	r := reaper.New(reg, 60*time.Second, idleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if cfg.Broker.PrometheusAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Broker.PrometheusAddr, mux); err != nil {
				rootLog.Warn("prometheus listener exited", log.Error(err))
			}
		}()
	}

	facade := httpapi.New(reg, st, m, cfg.Broker.APIKey, idleTimeout)
	server := &http.Server{Addr: cfg.Broker.ListenAddr, Handler: facade.Routes()}

	serverErr := make(chan error, 1)
	go func() {
		rootLog.Info("listening", log.String("addr", cfg.Broker.ListenAddr))
		serverErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server exited: %w", err)
		}
	case sig := <-sigCh:
		rootLog.Info("shutdown signal received", log.String("signal", sig.String()))
	}

	cancel() // stop the reaper before tearing down sessions

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rootLog.Warn("http server shutdown did not complete cleanly", log.Error(err))
	}

	evicted := reg.ShutdownAll()
	rootLog.Info("broker shutdown complete", log.Int("sessions_terminated", evicted))

	return nil
}
