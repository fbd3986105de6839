package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaApprovals = `
CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_account_id TEXT NOT NULL,
    income_id TEXT,
    approved INTEGER NOT NULL DEFAULT 0,
    approved_amounts TEXT NOT NULL,
    primary_reason TEXT,
    rejection_reasons TEXT,
    default_payback_date TIMESTAMP NOT NULL,
    is_experimental INTEGER NOT NULL DEFAULT 0,
    is_dave_banking INTEGER NOT NULL DEFAULT 0,
    is_main_paycheck INTEGER NOT NULL DEFAULT 0,
    case_resolutions TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_approvals_user ON approvals(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_approvals_account ON approvals(bank_account_id);
`

const schemaAdvances = `
CREATE TABLE IF NOT EXISTS advances (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_account_id TEXT NOT NULL,
    amount REAL NOT NULL,
    payback_date TIMESTAMP NOT NULL,
    outstanding REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    disbursed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_advances_user ON advances(user_id);
CREATE INDEX IF NOT EXISTS idx_advances_outstanding ON advances(user_id, outstanding);
`

const schemaRecurringIncomes = `
CREATE TABLE IF NOT EXISTS recurring_incomes (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_account_id TEXT NOT NULL,
    status TEXT NOT NULL,
    schedule TEXT NOT NULL,
    average_amount REAL NOT NULL DEFAULT 0,
    observations INTEGER NOT NULL DEFAULT 0,
    last_observed TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_incomes_account ON recurring_incomes(user_id, bank_account_id);
CREATE INDEX IF NOT EXISTS idx_incomes_status ON recurring_incomes(status);
`

const schemaBankTransactions = `
CREATE TABLE IF NOT EXISTS bank_transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    bank_account_id TEXT NOT NULL,
    income_id TEXT,
    amount REAL NOT NULL,
    description TEXT,
    pending INTEGER NOT NULL DEFAULT 0,
    posted_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bank_tx_income ON bank_transactions(income_id, posted_at);
CREATE INDEX IF NOT EXISTS idx_bank_tx_account ON bank_transactions(user_id, bank_account_id, pending);
`

const schemaNodeLogs = `
CREATE TABLE IF NOT EXISTS node_logs (
    id TEXT PRIMARY KEY,
    audit_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    node_name TEXT NOT NULL,
    success INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    logged_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_node_logs_audit ON node_logs(audit_id);
CREATE INDEX IF NOT EXISTS idx_node_logs_user ON node_logs(user_id, logged_at);
`

const schemaRuleLogs = `
CREATE TABLE IF NOT EXISTS rule_logs (
    id TEXT PRIMARY KEY,
    audit_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    node_name TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    success INTEGER NOT NULL,
    error_type TEXT,
    log_data TEXT,
    logged_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_logs_audit ON rule_logs(audit_id);
CREATE INDEX IF NOT EXISTS idx_rule_logs_rule ON rule_logs(rule_name, logged_at);
`

// schemaExperimentLogs records one row per gate decision. The successful
// column is tri-state: NULL until the traversal outcome is written back.
const schemaExperimentLogs = `
CREATE TABLE IF NOT EXISTS experiment_logs (
    id TEXT PRIMARY KEY,
    audit_id TEXT NOT NULL,
    experiment_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    treatment INTEGER NOT NULL,
    successful INTEGER,
    logged_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_experiment_logs_experiment ON experiment_logs(experiment_id, logged_at);
CREATE INDEX IF NOT EXISTS idx_experiment_logs_audit ON experiment_logs(audit_id, experiment_id);
`

const schemaScoreLimitConfigs = `
CREATE TABLE IF NOT EXISTS score_limit_configs (
    name TEXT PRIMARY KEY,
    static_limits TEXT NOT NULL,
    dynamic_limits TEXT NOT NULL,
    model_type TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaApprovals,
		schemaAdvances,
		schemaRecurringIncomes,
		schemaBankTransactions,
		schemaNodeLogs,
		schemaRuleLogs,
		schemaExperimentLogs,
		schemaScoreLimitConfigs,
	}
}
