// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Case operations
	CreateCase(ctx context.Context, tenantID string, c *Case) error
	GetCase(ctx context.Context, tenantID string, caseID string) (*Case, error)
	ListCases(ctx context.Context, tenantID string, limit int) ([]*Case, error)
	UpdateCase(ctx context.Context, tenantID string, c *Case) error

	// Imported transaction rows, one per uploaded CSV row
	SaveCaseTransactions(ctx context.Context, tenantID string, caseID string, rows []TransactionRow) error
	ListCaseTransactions(ctx context.Context, tenantID string, caseID string) ([]TransactionRow, error)

	// Audit trail
	SaveAuditEntry(ctx context.Context, tenantID string, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string, caseID string) ([]*AuditEntry, error)

	// Screening rule configuration
	SaveScreeningRule(ctx context.Context, tenantID string, rule *ScreeningRule) error
	ListScreeningRules(ctx context.Context, tenantID string) ([]*ScreeningRule, error)
	DeleteScreeningRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDB"`
	PostgresSSLMode  string `yaml:"postgresSSLMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
