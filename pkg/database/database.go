package database

import (
	"context"
	"fmt"
	"log"

	"github.com/plumeblog/backend/pkg/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Client holds the database client
type Client struct {
	DB *gorm.DB
}

// NewClient opens a MySQL connection and runs schema migrations for the
// billing core's tables.
func NewClient(dsn string) (*Client, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		// The dedup ledger depends on duplicate-key errors being
		// distinguishable from other storage failures.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to mysql: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Subscriber{},
		&models.SubscriptionPlan{},
		&models.WebhookEventRecord{},
		&models.Payment{},
		&models.PinnedPost{},
		&models.SubscriptionHistory{},
		&models.DeadLetterEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed migrating schema: %w", err)
	}

	log.Println("✅ Database connected and migrations applied")

	return &Client{DB: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the database is reachable
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
