package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/harbor/internal/auth"
	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"github.com/MarcoPoloResearchLab/harbor/internal/mural"
	"github.com/MarcoPoloResearchLab/harbor/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table managed by the service.
func Models() []any {
	return []any{
		&calendar.ReminderBlob{},
		&events.Event{},
		&mural.Message{},
		&users.Identity{},
		&users.Profile{},
		&auth.PhoneVerification{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path))
	return db, nil
}
