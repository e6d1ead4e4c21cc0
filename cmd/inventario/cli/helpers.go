package cli

import (
	"fmt"
	"log/slog"

	"github.com/labinventario/inventario/pkg/inventario/auth"
	"github.com/labinventario/inventario/pkg/inventario/config"
	"github.com/labinventario/inventario/pkg/inventario/database"
	"github.com/labinventario/inventario/pkg/inventario/events"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/labinventario/inventario/pkg/inventario/observability"
	"gorm.io/gorm"
)

// loadConfig reads configuration and applies process-wide settings from it
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	auth.SetJWTSecret(cfg.Auth.JWTSecret)
	return cfg, nil
}

// openDatabase connects and brings the schema up to date
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if err := database.Connect(cfg.Database); err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db := database.GetDB()
	if err := models.AutoMigrate(db); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// openEvents dials the broker when events.amqp_url is set
func openEvents(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (events.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return events.Nop{}, nil
	}
	publisher, err := events.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, events.DefaultBreakerConfig, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("connect event broker: %w", err)
	}
	logger.Info("publishing events", "exchange", cfg.Events.Exchange)
	return publisher, nil
}
