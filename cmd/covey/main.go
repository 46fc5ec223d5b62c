package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/covey-io/covey/pkg/cache"
	"github.com/covey-io/covey/pkg/config"
	"github.com/covey-io/covey/pkg/events"
	"github.com/covey-io/covey/pkg/log"
	"github.com/covey-io/covey/pkg/metrics"
	"github.com/covey-io/covey/pkg/scheduler"
	"github.com/covey-io/covey/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "covey",
	Short: "Covey - Distributed job scheduler",
	Long: `Covey schedules jobs across a fleet of remote workers with
dependency-aware ordering, priority bands, retry backoff and
dead-letter quarantine, delivered as a single binary over an
embedded store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Covey version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler control plane",
	Long: `Run the scheduler: the dispatch loop, the periodic sweeps and
the observability endpoints (/metrics, /health, /ready, /live).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		httpAddr, _ := cmd.Flags().GetString("http-addr")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		metrics.SetVersion(Version)

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()
		metrics.RegisterProbe("storage", store.Ping)

		c, err := cache.NewBadgerCache(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open cache: %v", err)
		}
		defer c.Close()
		metrics.RegisterProbe("cache", c.Ping)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go auditSink(broker)

		sched := scheduler.New(cfg, store, c, broker)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %v", err)
		}
		defer sched.Stop()
		metrics.RegisterProbe("scheduler", sched.Ping)

		collector := metrics.NewCollector(store, sched.Queue(), sched.Registry())
		collector.Start()
		defer collector.Stop()

		httpServer := observabilityServer(httpAddr, sched)
		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %v", err)
			}
		}()
		defer httpServer.Close()

		log.WithComponent("main").Info().
			Str("http_addr", httpAddr).Str("data_dir", cfg.DataDir).
			Msg("covey is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.WithComponent("main").Info().Msg("shutting down")
		case err := <-errCh:
			return err
		}
		return nil
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a configuration file without starting",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Configuration valid (data_dir=%s, algorithm=%s)\n",
			cfg.DataDir, cfg.LoadBalancing.Algorithm)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address for metrics and health endpoints")
	checkConfigCmd.Flags().String("config", "", "Path to YAML configuration file")
}

// observabilityServer mounts the metrics, health and statistics endpoints
func observabilityServer(addr string, sched *scheduler.Scheduler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.Statistics()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// auditSink drains the event stream into the structured log, giving
// operators a flat audit trail of job and worker lifecycle events.
func auditSink(broker *events.Broker) {
	sub := broker.Subscribe()
	for event := range sub {
		log.WithComponent("audit").Info().
			Str("event", string(event.Type)).
			Fields(map[string]interface{}{"metadata": event.Metadata}).
			Msg(event.Message)
	}
}
