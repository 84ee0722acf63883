package repository

import (
	"fmt"

	"github.com/Monthlyaway/short-link-relay/config"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

// OpenDB connects to the configured database and applies pool settings
func OpenDB(cfg config.DatabaseConfig, log logger.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.MySQL.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLogger(log, cfg.LogLevel, cfg.SlowThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite has a single writer, and each :memory: connection is its own database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	}

	return db, nil
}

// Instrument publishes connection pool stats, and for MySQL a few server
// status variables, on the default Prometheus registry.
func Instrument(db *gorm.DB, cfg config.DatabaseConfig) error {
	pc := gormprom.Config{
		DBName:          cfg.Driver,
		RefreshInterval: 15,
		StartServer:     false,
	}
	if cfg.Driver == "mysql" {
		pc.DBName = cfg.MySQL.Database
		pc.MetricsCollector = []gormprom.MetricsCollector{
			&gormprom.MySQL{VariableNames: []string{"Threads_running", "Threads_connected"}},
		}
	}
	if err := db.Use(gormprom.New(pc)); err != nil {
		return fmt.Errorf("failed to register database metrics: %w", err)
	}
	return nil
}

// CloseDB closes the database connection pool
func CloseDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
