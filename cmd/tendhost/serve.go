package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mozart409/tendhost/pkg/api"
	"github.com/Mozart409/tendhost/pkg/config"
	"github.com/Mozart409/tendhost/pkg/factory"
	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/orchestrator"
	"github.com/Mozart409/tendhost/pkg/store"
)

// registerTimeout bounds host registration during startup; a slow host
// must not stall the daemon
const registerTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tendhost daemon",
	Long: `Start the orchestrator, register the configured hosts, and serve the
HTTP API with the WebSocket event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		bind, _ := cmd.Flags().GetString("bind")

		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return err
		}
		if bind != "" {
			cfg.Daemon.Bind = bind
		}

		// Flags win, then the config file
		level, _ := cmd.Flags().GetString("log-level")
		if !cmd.Flags().Changed("log-level") && cfg.Daemon.LogLevel != "" {
			level = cfg.Daemon.LogLevel
		}
		logJSON, _ := cmd.Flags().GetBool("log-json")
		if !cmd.Flags().Changed("log-json") {
			logJSON = cfg.Daemon.LogJSON
		}
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: logJSON,
		})

		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to tendhost.toml (default: search standard locations)")
	serveCmd.Flags().String("bind", "", "API bind address (overrides config)")
}

func runServe(cfg *config.Config) error {
	logger := log.WithComponent("daemon")

	orch := orchestrator.New(factory.New())
	defer orch.Stop()

	var st store.Store
	if bolt, err := store.NewBoltStore(cfg.Daemon.DataDir); err != nil {
		logger.Warn().Err(err).Msg("persistence disabled, continuing without store")
	} else {
		st = bolt
		defer bolt.Close()
	}

	registerHosts(orch, cfg, st)

	server := api.NewServer(orch, st, cfg.Daemon.Bind)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API server shutdown failed")
	}

	return nil
}

// registerHosts registers the file-configured hosts, then any hosts that
// were registered through the API in a previous run
func registerHosts(orch *orchestrator.Orchestrator, cfg *config.Config, st store.Store) {
	logger := log.WithComponent("daemon")

	for _, hc := range cfg.Hosts {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		if err := orch.RegisterHost(ctx, hc); err != nil {
			logger.Error().Str("host", hc.Name).Err(err).Msg("failed to register configured host")
		}
		cancel()
	}

	if st == nil {
		return
	}
	stored, err := st.ListHosts()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list persisted hosts")
		return
	}
	for _, hc := range stored {
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		err := orch.RegisterHost(ctx, *hc)
		cancel()
		if err != nil {
			var exists *orchestrator.HostAlreadyExistsError
			if errors.As(err, &exists) {
				// Also present in the config file; the file wins
				continue
			}
			logger.Error().Str("host", hc.Name).Err(err).Msg("failed to register persisted host")
		}
	}
}
