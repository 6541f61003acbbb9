package sqlite

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// driverName is the database/sql name registered by modernc.org/sqlite.
const driverName = "sqlite"

// Open creates a GORM *DB backed by a SQLite file (modernc.org/sqlite, no CGO).
func Open(path string) (*gorm.DB, error) {
	return open(path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

// OpenMemory opens a named shared-cache in-memory database. Connections in the
// pool share the same schema as long as they use the same name.
func OpenMemory(name string) (*gorm.DB, error) {
	if name == "" {
		name = "lootsync"
	}
	return open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}

func open(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.New(sqlite.Config{
		DriverName: driverName,
		DSN:        dsn,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}
