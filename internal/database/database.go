package database

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/spotify/comet-core/internal/config"
)

// NewDatabase opens the event store database. A postgres:// data source
// selects the networked database, anything else is treated as an embedded
// sqlite path or URI (":memory:" works for tests and staging).
func NewDatabase(cfg *config.DBConfig) (*gorm.DB, error) {
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zapcore.WarnLevel
	}

	gormCfg := &gorm.Config{
		Logger:      NewLogger(time.Second, true, lvl),
		PrepareStmt: cfg.PrepareStmt,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	operation := func() error {
		var openErr error
		db, openErr = gorm.Open(dialector(cfg.DataSource), gormCfg)
		return openErr
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	if cfg.Pool.Enable {
		rawDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		rawDB.SetMaxOpenConns(cfg.Pool.MaxOpenConnections)
		rawDB.SetMaxIdleConns(cfg.Pool.MaxIdleConnections)
		rawDB.SetConnMaxLifetime(cfg.Pool.MaxLifetime)
	}

	return db, nil
}

func dialector(dataSource string) gorm.Dialector {
	if strings.HasPrefix(dataSource, "postgres://") || strings.HasPrefix(dataSource, "postgresql://") {
		return postgres.New(postgres.Config{DSN: dataSource})
	}
	return sqlite.Open(dataSource)
}
