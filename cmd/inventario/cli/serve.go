package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/database"
	"github.com/labinventario/inventario/pkg/inventario/observability"
	"github.com/labinventario/inventario/pkg/inventario/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the inventory API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version)
		},
	}
}

func runServe(ctx context.Context, version string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if cfg.Server.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close(db)
	logger.Info("database ready", "dialect", cfg.Database.Dialect)

	admin, created, err := auth.EnsureAdmin(db, cfg.Admin.Email, cfg.Admin.Password)
	if err != nil {
		return err
	}
	if created {
		logger.Warn("created default admin user, change its password", "email", admin.Email)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	publisher, err := openEvents(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer publisher.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting inventario", "version", version, "port", cfg.Server.Port)
	srv := server.New(db, cfg, logger, reg, server.WithMetrics(metrics), server.WithEvents(publisher))
	return srv.ListenAndServe(ctx)
}
