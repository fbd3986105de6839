package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	AuditSink

	// Approval outcomes
	SaveApproval(ctx context.Context, approval *AdvanceApproval) error
	GetApproval(ctx context.Context, id string) (*AdvanceApproval, error)
	ListApprovalsByUser(ctx context.Context, userID string, limit int) ([]*AdvanceApproval, error)

	// Advance history, used to build the prior-advance summary
	SaveAdvance(ctx context.Context, advance *Advance) error
	CountAdvancesTaken(ctx context.Context, userID string) (int, error)
	GetOutstandingAdvance(ctx context.Context, userID string) (*Advance, error)

	// Recurring income and backing transactions
	SaveRecurringIncome(ctx context.Context, income *RecurringIncome) error
	ListActiveIncomes(ctx context.Context, userID, bankAccountID string) ([]*RecurringIncome, error)
	SaveBankTransaction(ctx context.Context, tx *BankTransaction) error
	ListTransactionsByIncome(ctx context.Context, incomeID string, since time.Time) ([]*BankTransaction, error)
	HasPendingAdvancePayment(ctx context.Context, userID, bankAccountID string) (bool, error)

	// Score-limit tables, editable at runtime and hot-reloaded into the graph
	SaveScoreLimitConfig(ctx context.Context, cfg *ScoreLimitConfig) error
	GetScoreLimitConfig(ctx context.Context, name string) (*ScoreLimitConfig, error)
	ListScoreLimitConfigs(ctx context.Context) ([]*ScoreLimitConfig, error)

	// Experiment assignments for offline analysis
	ListExperimentLogs(ctx context.Context, experimentID string, limit int) ([]*ExperimentLog, error)
	UpdateExperimentOutcome(ctx context.Context, auditID, experimentID string, successful bool) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ScoreLimitConfig is a persisted score-limit table for one ML node.
type ScoreLimitConfig struct {
	// Name matches the decision node the table feeds.
	Name string `json:"name"`

	// Static is used when Dynamic is empty.
	Static ScoreLimits `json:"static,omitempty"`

	// Dynamic keys tables by prior-advance taken count.
	Dynamic DynamicScoreLimits `json:"dynamic,omitempty"`

	ModelType ModelType `json:"modelType"`
	Enabled   bool      `json:"enabled"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
