package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/actors"
	"github.com/MarcoPoloResearchLab/tether/internal/config"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options selects the store driver and its location.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// OptionsFromConfig maps application configuration onto store options.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{Driver: cfg.DatabaseDriver, Path: cfg.DatabasePath, DSN: cfg.DatabaseDSN}
}

// Open establishes a connection without touching the schema.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	switch driver {
	case "", config.DatabaseDriverSQLite:
		if strings.TrimSpace(options.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		driver = config.DatabaseDriverSQLite
		dialector = sqlite.Open(options.Path)
	case config.DatabaseDriverPostgres:
		if strings.TrimSpace(options.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(options.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == config.DatabaseDriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers; one connection keeps SAVEPOINTs on the same handle.
		sqlDB.SetMaxOpenConns(1)
	}

	if logger != nil {
		logger.Info("database connected", zap.String("driver", driver))
	}
	return db, nil
}

// OpenAndMigrate opens the store and brings the schema up to date.
func OpenAndMigrate(options Options, logger *zap.Logger) (*gorm.DB, error) {
	db, err := Open(options, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	return db, nil
}

// Models lists every table the service owns.
func Models() []interface{} {
	models := []interface{}{&migrationRecord{}}
	models = append(models, reconcile.Models()...)
	models = append(models, workorders.Models()...)
	models = append(models, actors.Models()...)
	return models
}

// Migrate runs schema auto-migration followed by the named data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("database schema ready")
	}
	return nil
}
