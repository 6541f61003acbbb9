package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kasuganosora/lootsync/config"
	dbmysql "github.com/kasuganosora/lootsync/db/mysql"
	dbsqlite "github.com/kasuganosora/lootsync/db/sqlite"
	"gorm.io/gorm"
)

const (
	ModeSQLite       = "sqlite"
	ModeSQLiteMemory = "sqlite_memory"
	ModeMySQL        = "mysql"
)

// Open returns a *gorm.DB for the configured database mode. The directory of
// a SQLite file is created on demand, and the connection is pinged before it
// is handed out.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var (
		g   *gorm.DB
		err error
	)
	switch cfg.Mode {
	case ModeSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("db: create %s: %w", dir, err)
			}
		}
		g, err = dbsqlite.Open(cfg.SQLitePath)
	case ModeSQLiteMemory:
		g, err = dbsqlite.OpenMemory(cfg.SQLitePath)
	case ModeMySQL:
		g, err = dbmysql.Open(cfg.MySQLDSN, cfg.MySQLMaxOpen, cfg.MySQLMaxIdle, cfg.MySQLMaxLife)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", cfg.Mode, err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("db: %s handle: %w", cfg.Mode, err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", cfg.Mode, err)
	}
	return g, nil
}

// Close releases the pool behind g.
func Close(g *gorm.DB) error {
	sqlDB, err := g.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
