package documents

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenDatabaseFromEnv creates the metadata store connection from
// DATABASE_DSN and DATABASE_DRIVER. The driver is inferred from the DSN
// scheme when unset.
func OpenDatabaseFromEnv() (*gorm.DB, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))
	if dsn == "" {
		return nil, errors.New("documents: DATABASE_DSN environment variable is required")
	}

	driver := strings.TrimSpace(os.Getenv("DATABASE_DRIVER"))
	if driver == "" {
		driver = inferDriverFromDSN(dsn)
		if driver == "" {
			return nil, errors.New("documents: DATABASE_DRIVER environment variable is required when DSN does not contain a scheme")
		}
	}

	return OpenDatabase(driver, dsn)
}

// OpenDatabase initialises a Gorm handle for the given driver.
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	config := &gorm.Config{NowFunc: func() time.Time { return time.Now().UTC() }}
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pg":
		return gorm.Open(postgres.Open(dsn), config)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), config)
	case "sqlite", "sqlite3":
		return gorm.Open(sqlite.Open(dsn), config)
	default:
		return nil, fmt.Errorf("documents: unsupported database driver %q", driver)
	}
}

func inferDriverFromDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "://mysql"):
		return "mysql"
	case strings.HasPrefix(lower, "sqlite://"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.Contains(lower, ":memory:"):
		return "sqlite"
	default:
		return ""
	}
}

// AutoMigrate creates or updates the metadata tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return errors.New("documents: database connection is not configured")
	}
	return db.AutoMigrate(&Document{}, &Chunk{}, &QueryLog{})
}
