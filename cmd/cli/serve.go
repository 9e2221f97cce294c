package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portscan/internal/api"
	apihandlers "github.com/anstrom/portscan/internal/api/handlers"
	"github.com/anstrom/portscan/internal/config"
	"github.com/anstrom/portscan/internal/db"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
	"github.com/anstrom/portscan/internal/schedule"
)

const (
	databaseTimeout      = 30 * time.Second
	schedulerStopTimeout = 30 * time.Second
)

func (a *app) newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled scans",
		Long: `Run the portscan HTTP API together with the periodic scans listed under
"schedules" in the configuration file.

When a database is configured, every scan is stored and the report
endpoints are available. The server runs until interrupted.`,
		Example: `  portscan serve
  portscan serve --config /etc/portscan/portscan.yaml --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.API.ListenAddr = host
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			return a.serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen address (overrides api.listen_addr)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides api.port)")
	return cmd
}

func (a *app) serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var database *db.DB
	engineOpts := append(cfg.EngineOptions(), scanning.WithEngineLogger(logger))

	if cfg.Database.Enabled() {
		dbCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
		var err error
		database, err = db.ConnectAndMigrate(dbCtx, &cfg.Database)
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		logger.InfoDatabase("Connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)
		engineOpts = append(engineOpts, scanning.WithStore(db.NewReportRepository(database)))
	}
	engineOpts = append(engineOpts, a.engineOptions...)
	engine := scanning.NewEngine(engineOpts...)

	scheduler, err := schedule.FromConfig(cfg, engine, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), schedulerStopTimeout)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Error("Scheduler shutdown error", "error", err)
		}
	}()

	server, err := api.New(cfg, database,
		api.WithScanner(engine),
		api.WithLogger(logger),
		api.WithBuildInfo(apihandlers.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}),
	)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}
