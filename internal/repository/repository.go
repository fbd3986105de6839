// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveApproval stores the outcome of one candidate evaluation.
func (r *SQLRepository) SaveApproval(ctx context.Context, approval *domain.AdvanceApproval) error {
	if approval.ID == "" {
		return fmt.Errorf("%w: approval ID is required", ErrInvalidInput)
	}

	amounts, _ := json.Marshal(approval.ApprovedAmounts)
	reasons, _ := json.Marshal(approval.RejectionReasons)
	resolutions, _ := json.Marshal(approval.CaseResolutions)

	var primary sql.NullString
	if approval.PrimaryReason != nil {
		raw, _ := json.Marshal(approval.PrimaryReason)
		primary = sql.NullString{String: string(raw), Valid: true}
	}

	createdAt := approval.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO approvals (
			id, user_id, bank_account_id, income_id, approved,
			approved_amounts, primary_reason, rejection_reasons,
			default_payback_date, is_experimental, is_dave_banking,
			is_main_paycheck, case_resolutions, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		approval.ID, approval.UserID, approval.BankAccountID, approval.IncomeID,
		boolToInt(approval.Approved),
		string(amounts), primary, string(reasons),
		approval.DefaultPaybackDate,
		boolToInt(approval.IsExperimental), boolToInt(approval.IsDaveBanking),
		boolToInt(approval.IsMainPaycheck),
		string(resolutions), createdAt,
	)
	return err
}

// GetApproval retrieves an approval by ID.
func (r *SQLRepository) GetApproval(ctx context.Context, id string) (*domain.AdvanceApproval, error) {
	query := `
		SELECT id, user_id, bank_account_id, income_id, approved,
			   approved_amounts, primary_reason, rejection_reasons,
			   default_payback_date, is_experimental, is_dave_banking,
			   is_main_paycheck, case_resolutions, created_at
		FROM approvals
		WHERE id = ?
	`

	approval, err := scanApproval(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return approval, err
}

// ListApprovalsByUser retrieves the most recent approvals for a user.
func (r *SQLRepository) ListApprovalsByUser(ctx context.Context, userID string, limit int) ([]*domain.AdvanceApproval, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, bank_account_id, income_id, approved,
			   approved_amounts, primary_reason, rejection_reasons,
			   default_payback_date, is_experimental, is_dave_banking,
			   is_main_paycheck, case_resolutions, created_at
		FROM approvals
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*domain.AdvanceApproval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}

	return approvals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*domain.AdvanceApproval, error) {
	var a domain.AdvanceApproval
	var approved, experimental, daveBanking, mainPaycheck int
	var amounts, reasons string
	var primary, resolutions sql.NullString

	err := row.Scan(
		&a.ID, &a.UserID, &a.BankAccountID, &a.IncomeID, &approved,
		&amounts, &primary, &reasons,
		&a.DefaultPaybackDate, &experimental, &daveBanking,
		&mainPaycheck, &resolutions, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Approved = approved == 1
	a.IsExperimental = experimental == 1
	a.IsDaveBanking = daveBanking == 1
	a.IsMainPaycheck = mainPaycheck == 1

	json.Unmarshal([]byte(amounts), &a.ApprovedAmounts)
	json.Unmarshal([]byte(reasons), &a.RejectionReasons)
	if primary.Valid && primary.String != "" {
		a.PrimaryReason = &domain.RejectionReason{}
		json.Unmarshal([]byte(primary.String), a.PrimaryReason)
	}
	if resolutions.Valid && resolutions.String != "" {
		json.Unmarshal([]byte(resolutions.String), &a.CaseResolutions)
	}

	return &a, nil
}

// SaveAdvance stores a disbursed advance.
func (r *SQLRepository) SaveAdvance(ctx context.Context, advance *domain.Advance) error {
	if advance.ID == "" {
		return fmt.Errorf("%w: advance ID is required", ErrInvalidInput)
	}

	createdAt := advance.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var disbursedAt sql.NullTime
	if !advance.DisbursedAt.IsZero() {
		disbursedAt = sql.NullTime{Time: advance.DisbursedAt, Valid: true}
	}

	query := `
		INSERT INTO advances (
			id, user_id, bank_account_id, amount, payback_date,
			outstanding, created_at, disbursed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outstanding = excluded.outstanding,
			disbursed_at = excluded.disbursed_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		advance.ID, advance.UserID, advance.BankAccountID,
		advance.Amount, advance.PaybackDate,
		advance.Outstanding, createdAt, disbursedAt,
	)
	return err
}

// CountAdvancesTaken counts disbursed advances for a user. The count keys
// the dynamic score-limit tables, so it only includes advances that were
// actually funded.
func (r *SQLRepository) CountAdvancesTaken(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM advances
		WHERE user_id = ? AND disbursed_at IS NOT NULL
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&count)
	return count, err
}

// GetOutstandingAdvance returns the user's unpaid advance, or nil when the
// user owes nothing.
func (r *SQLRepository) GetOutstandingAdvance(ctx context.Context, userID string) (*domain.Advance, error) {
	query := `
		SELECT id, user_id, bank_account_id, amount, payback_date,
			   outstanding, created_at, disbursed_at
		FROM advances
		WHERE user_id = ? AND outstanding > 0
		ORDER BY created_at DESC
		LIMIT 1
	`

	var a domain.Advance
	var disbursedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&a.ID, &a.UserID, &a.BankAccountID, &a.Amount, &a.PaybackDate,
		&a.Outstanding, &a.CreatedAt, &disbursedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if disbursedAt.Valid {
		a.DisbursedAt = disbursedAt.Time
	}
	return &a, nil
}

// SaveRecurringIncome stores or refreshes a detected income stream.
func (r *SQLRepository) SaveRecurringIncome(ctx context.Context, income *domain.RecurringIncome) error {
	if income.ID == "" {
		return fmt.Errorf("%w: income ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO recurring_incomes (
			id, user_id, bank_account_id, status, schedule,
			average_amount, observations, last_observed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			schedule = excluded.schedule,
			average_amount = excluded.average_amount,
			observations = excluded.observations,
			last_observed = excluded.last_observed
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		income.ID, income.UserID, income.BankAccountID,
		string(income.Status), income.Schedule,
		income.AverageAmount, income.Observations, income.LastObserved,
	)
	return err
}

// ListActiveIncomes lists the incomes on a bank account that are still
// candidates for evaluation. Invalid incomes are excluded.
func (r *SQLRepository) ListActiveIncomes(ctx context.Context, userID, bankAccountID string) ([]*domain.RecurringIncome, error) {
	query := `
		SELECT id, user_id, bank_account_id, status, schedule,
			   average_amount, observations, last_observed
		FROM recurring_incomes
		WHERE user_id = ? AND bank_account_id = ? AND status != ?
		ORDER BY average_amount DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, bankAccountID, string(domain.IncomeStatusInvalid))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incomes []*domain.RecurringIncome
	for rows.Next() {
		var inc domain.RecurringIncome
		var status string

		if err := rows.Scan(
			&inc.ID, &inc.UserID, &inc.BankAccountID, &status, &inc.Schedule,
			&inc.AverageAmount, &inc.Observations, &inc.LastObserved,
		); err != nil {
			return nil, err
		}

		inc.Status = domain.IncomeStatus(status)
		incomes = append(incomes, &inc)
	}

	return incomes, rows.Err()
}

// SaveBankTransaction stores a bank transaction.
func (r *SQLRepository) SaveBankTransaction(ctx context.Context, tx *domain.BankTransaction) error {
	if tx.ID == "" {
		return fmt.Errorf("%w: transaction ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO bank_transactions (
			id, user_id, bank_account_id, income_id, amount,
			description, pending, posted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.BankAccountID, tx.IncomeID,
		tx.Amount, tx.Description, boolToInt(tx.Pending), tx.PostedAt,
	)
	return err
}

// ListTransactionsByIncome retrieves transactions attributed to an income
// since a point in time, newest first.
func (r *SQLRepository) ListTransactionsByIncome(ctx context.Context, incomeID string, since time.Time) ([]*domain.BankTransaction, error) {
	query := `
		SELECT id, user_id, bank_account_id, income_id, amount,
			   description, pending, posted_at
		FROM bank_transactions
		WHERE income_id = ? AND posted_at >= ?
		ORDER BY posted_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), incomeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.BankTransaction
	for rows.Next() {
		var tx domain.BankTransaction
		var pending int

		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.BankAccountID, &tx.IncomeID,
			&tx.Amount, &tx.Description, &pending, &tx.PostedAt,
		); err != nil {
			return nil, err
		}

		tx.Pending = pending == 1
		txs = append(txs, &tx)
	}

	return txs, rows.Err()
}

// HasPendingAdvancePayment reports whether an advance payment debit is in
// flight on the account. Payment processors tag these debits in the
// transaction description.
func (r *SQLRepository) HasPendingAdvancePayment(ctx context.Context, userID, bankAccountID string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM bank_transactions
		WHERE user_id = ? AND bank_account_id = ?
		  AND pending = 1 AND amount < 0
		  AND LOWER(description) LIKE '%advance payment%'
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, bankAccountID).Scan(&count)
	return count > 0, err
}

// SaveScoreLimitConfig stores or updates a score-limit table.
func (r *SQLRepository) SaveScoreLimitConfig(ctx context.Context, cfg *domain.ScoreLimitConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: config name is required", ErrInvalidInput)
	}

	static, _ := json.Marshal(cfg.Static)
	dynamic, _ := json.Marshal(cfg.Dynamic)

	now := time.Now().UTC()

	query := `
		INSERT INTO score_limit_configs (
			name, static_limits, dynamic_limits, model_type, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			static_limits = excluded.static_limits,
			dynamic_limits = excluded.dynamic_limits,
			model_type = excluded.model_type,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		cfg.Name, string(static), string(dynamic),
		string(cfg.ModelType), boolToInt(cfg.Enabled),
		now, now,
	)
	return err
}

// GetScoreLimitConfig retrieves a score-limit table by node name.
func (r *SQLRepository) GetScoreLimitConfig(ctx context.Context, name string) (*domain.ScoreLimitConfig, error) {
	query := `
		SELECT name, static_limits, dynamic_limits, model_type, enabled, created_at, updated_at
		FROM score_limit_configs
		WHERE name = ?
	`

	cfg, err := scanScoreLimitConfig(r.db.QueryRowContext(ctx, r.rebind(query), name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListScoreLimitConfigs retrieves all score-limit tables.
func (r *SQLRepository) ListScoreLimitConfigs(ctx context.Context) ([]*domain.ScoreLimitConfig, error) {
	query := `
		SELECT name, static_limits, dynamic_limits, model_type, enabled, created_at, updated_at
		FROM score_limit_configs
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.ScoreLimitConfig
	for rows.Next() {
		cfg, err := scanScoreLimitConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanScoreLimitConfig(row rowScanner) (*domain.ScoreLimitConfig, error) {
	var cfg domain.ScoreLimitConfig
	var static, dynamic, modelType string
	var enabled int

	err := row.Scan(
		&cfg.Name, &static, &dynamic, &modelType, &enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.ModelType = domain.ModelType(modelType)
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(static), &cfg.Static); err != nil {
		return nil, fmt.Errorf("failed to parse static limits for %s: %w", cfg.Name, err)
	}
	if err := json.Unmarshal([]byte(dynamic), &cfg.Dynamic); err != nil {
		return nil, fmt.Errorf("failed to parse dynamic limits for %s: %w", cfg.Name, err)
	}

	return &cfg, nil
}

// SaveNodeLog stores one node audit row.
func (r *SQLRepository) SaveNodeLog(ctx context.Context, log *domain.NodeLog) error {
	snapshot, _ := json.Marshal(log.Snapshot)

	query := `
		INSERT INTO node_logs (
			id, audit_id, user_id, node_name, success, snapshot, logged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.AuditID, log.UserID, log.NodeName,
		boolToInt(log.Success), string(snapshot), log.LoggedAt,
	)
	return err
}

// SaveRuleLog stores one case audit row.
func (r *SQLRepository) SaveRuleLog(ctx context.Context, log *domain.RuleLog) error {
	logData, _ := json.Marshal(log.LogData)

	query := `
		INSERT INTO rule_logs (
			id, audit_id, user_id, node_name, rule_name,
			success, error_type, log_data, logged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.AuditID, log.UserID, log.NodeName, log.RuleName,
		boolToInt(log.Success), log.ErrorType, string(logData), log.LoggedAt,
	)
	return err
}

// SaveExperimentLog stores one gate decision row.
func (r *SQLRepository) SaveExperimentLog(ctx context.Context, log *domain.ExperimentLog) error {
	var successful sql.NullInt64
	if log.Successful != nil {
		successful = sql.NullInt64{Int64: int64(boolToInt(*log.Successful)), Valid: true}
	}

	query := `
		INSERT INTO experiment_logs (
			id, audit_id, experiment_id, user_id, treatment, successful, logged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.AuditID, log.ExperimentID, log.UserID,
		boolToInt(log.Treatment), successful, log.LoggedAt,
	)
	return err
}

// ListExperimentLogs retrieves the most recent assignments for an experiment.
func (r *SQLRepository) ListExperimentLogs(ctx context.Context, experimentID string, limit int) ([]*domain.ExperimentLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, audit_id, experiment_id, user_id, treatment, successful, logged_at
		FROM experiment_logs
		WHERE experiment_id = ?
		ORDER BY logged_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), experimentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.ExperimentLog
	for rows.Next() {
		var log domain.ExperimentLog
		var treatment int
		var successful sql.NullInt64

		if err := rows.Scan(
			&log.ID, &log.AuditID, &log.ExperimentID, &log.UserID,
			&treatment, &successful, &log.LoggedAt,
		); err != nil {
			return nil, err
		}

		log.Treatment = treatment == 1
		if successful.Valid {
			v := successful.Int64 == 1
			log.Successful = &v
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

// UpdateExperimentOutcome writes the traversal outcome back onto the
// assignment rows for one audit.
func (r *SQLRepository) UpdateExperimentOutcome(ctx context.Context, auditID, experimentID string, successful bool) error {
	query := `
		UPDATE experiment_logs
		SET successful = ?
		WHERE audit_id = ? AND experiment_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), boolToInt(successful), auditID, experimentID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
