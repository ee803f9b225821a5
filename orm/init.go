package orm

import (
	"context"
	"fmt"
	"time"

	"category-engine/config"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultStoreTimeout = 5 * time.Second

// DB is the postgres-backed store. Every call is bounded by the configured
// store timeout.
type DB struct {
	dbGorm  *gorm.DB
	timeout time.Duration
}

// InitDB connects to postgres and migrates the schema.
func InitDB(cfg *config.AppConfig) (*DB, error) {
	log.Debug().
		Msgf("Connecting to postgres using the following information: %s", cfg.Database.RedactedDSN())

	dbGorm, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	log.Debug().Msg("Successfully connected to the database")

	db := New(dbGorm, cfg.Categories.StoreTimeout)
	if err := db.Migrate(); err != nil {
		return nil, err
	}

	return db, nil
}

// New wraps an open gorm handle.
func New(dbGorm *gorm.DB, timeout time.Duration) *DB {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	return &DB{dbGorm: dbGorm, timeout: timeout}
}

func (db *DB) Migrate() error {
	err := db.dbGorm.AutoMigrate(&Tag{}, &Taggable{}, &Video{}, &Creator{}, &Category{})
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	return nil
}

// UseTransaction returns a DB that runs its queries inside tx.
func (db *DB) UseTransaction(tx *gorm.DB) *DB {
	return &DB{dbGorm: tx, timeout: db.timeout}
}

func (db *DB) Close() error {
	sqlDB, err := db.dbGorm.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// Ping checks connectivity within the store timeout.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.scope(ctx)
	defer cancel()

	sqlDB, err := db.dbGorm.DB()
	if err != nil {
		return wrapErrorWithDetails(err, "ping", "sql handle")
	}

	return wrapErrorWithDetails(sqlDB.PingContext(ctx), "ping", "postgres")
}

func (db *DB) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.timeout)
}
