package audit

import (
	"context"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/c360/edgegate/errors"
)

// DatabaseConfig configures the MySQL audit table
type DatabaseConfig struct {
	DSN             string        `json:"dsn"`
	Table           string        `json:"table"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// DefaultDatabaseConfig writes to audit_events
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Table:           "audit_events",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// eventRow is the persisted shape of an Event
type eventRow struct {
	ID          string         `gorm:"primaryKey;size:36"`
	Kind        string         `gorm:"size:32;index"`
	Timestamp   time.Time      `gorm:"index;precision:3"`
	RequestID   string         `gorm:"size:128;index"`
	Method      string         `gorm:"size:16"`
	Path        string         `gorm:"size:2048"`
	PrincipalID *string        `gorm:"size:256;index"`
	Status      int
	LatencyMs   int64
	Detail      map[string]any `gorm:"type:text;serializer:json"`
}

func rowFromEvent(e Event) eventRow {
	return eventRow{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Timestamp:   e.Timestamp.UTC(),
		RequestID:   e.RequestID,
		Method:      e.Method,
		Path:        e.Path,
		PrincipalID: e.PrincipalID,
		Status:      e.Status,
		LatencyMs:   e.LatencyMs,
		Detail:      e.Detail,
	}
}

// DatabaseSink inserts events into a MySQL table, one row per event
type DatabaseSink struct {
	db    *gorm.DB
	table string
}

// NewDatabaseSink connects to MySQL and migrates the audit table
func NewDatabaseSink(ctx context.Context, cfg DatabaseConfig) (*DatabaseSink, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "audit", "NewDatabaseSink", "database dsn")
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "audit", "NewDatabaseSink", "open database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapFatal(err, "audit", "NewDatabaseSink", "access connection pool")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := newDatabaseSink(db, cfg.Table)
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&eventRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.WrapTransient(err, "audit", "NewDatabaseSink", "migrate table")
	}
	return s, nil
}

func newDatabaseSink(db *gorm.DB, table string) *DatabaseSink {
	if table == "" {
		table = DefaultDatabaseConfig().Table
	}
	return &DatabaseSink{db: db, table: table}
}

// Name implements Sink
func (s *DatabaseSink) Name() string { return "database" }

// Write implements Sink
func (s *DatabaseSink) Write(ctx context.Context, e Event) error {
	if err := s.insert(ctx, e).Error; err != nil {
		return errors.WrapTransient(err, "audit", "Write", "insert event")
	}
	return nil
}

func (s *DatabaseSink) insert(ctx context.Context, e Event) *gorm.DB {
	row := rowFromEvent(e)
	return s.db.WithContext(ctx).Table(s.table).Create(&row)
}

// Ping checks the connection pool
func (s *DatabaseSink) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "audit", "Ping", "ping database")
	}
	return nil
}

// Close releases the connection pool
func (s *DatabaseSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
