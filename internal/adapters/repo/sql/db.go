package sql

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverKey       = "audit.driver"
	dsnKey          = "audit.dsn"
	dataDirKey      = "data.dir"
	defaultDataDir  = ".isched"
	defaultAuditDB  = "audit.db"
	DriverSQLite    = "sqlite"
	DriverMySQL     = "mysql"
	mysqlMaxIdle    = 5
	mysqlMaxOpen    = 20
	sqliteMaxOpen   = 1
	sqliteDirectory = 0o700
)

// Open connects the audit database named by audit.driver and migrates its schema.
// SQLite defaults to audit.db under data.dir; MySQL requires audit.dsn.
func Open(cfg *viper.Viper) (*gorm.DB, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.GetString(driverKey)))
	dsn := strings.TrimSpace(cfg.GetString(dsnKey))

	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		if dsn == "" {
			path, err := defaultSQLitePath(cfg)
			if err != nil {
				return nil, err
			}
			dsn = path
		}
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		if dsn == "" {
			return nil, fmt.Errorf("audit.dsn is required for the mysql driver")
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported audit driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if driver == DriverMySQL {
		sqlDB.SetMaxIdleConns(mysqlMaxIdle)
		sqlDB.SetMaxOpenConns(mysqlMaxOpen)
	} else {
		// One connection keeps ":memory:" databases alive and serializes sqlite writers.
		sqlDB.SetMaxOpenConns(sqliteMaxOpen)
	}

	if err := db.AutoMigrate(&assignmentLogRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	return db, nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func defaultSQLitePath(cfg *viper.Viper) (string, error) {
	dir := cfg.GetString(dataDirKey)
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(homeDir, defaultDataDir)
	}
	if err := os.MkdirAll(dir, sqliteDirectory); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return filepath.Join(dir, defaultAuditDB), nil
}
