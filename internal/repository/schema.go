package repository

// Schema definitions for the Kestrel case store.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS sar_cases (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    analyst_id TEXT NOT NULL,
    customer_name TEXT NOT NULL,
    status TEXT NOT NULL,
    source TEXT NOT NULL,
    filename TEXT,
    input TEXT NOT NULL,
    evaluation TEXT,
    screening TEXT,
    triggered_rules TEXT NOT NULL DEFAULT '',
    risk_score INTEGER,
    risk_level TEXT,
    generated_narrative TEXT,
    edited_narrative TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sar_cases_tenant ON sar_cases(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sar_cases_status ON sar_cases(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_sar_cases_created ON sar_cases(tenant_id, created_at);
`

// schemaCaseTransactions holds one row per imported CSV row.
// amount keeps the raw cell text so that unreadable values survive for review.
const schemaCaseTransactions = `
CREATE TABLE IF NOT EXISTS case_transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    row_index INTEGER NOT NULL,
    customer_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    transaction_date TEXT,
    type TEXT,
    description TEXT,
    merchant TEXT,
    country TEXT
);

CREATE INDEX IF NOT EXISTS idx_case_transactions_case ON case_transactions(tenant_id, case_id, row_index);
`

const schemaAuditLogs = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    case_id TEXT NOT NULL,
    action TEXT NOT NULL,
    rules_triggered TEXT,
    prompt TEXT,
    response TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_logs_case ON audit_logs(tenant_id, case_id, created_at);
`

const schemaScreeningRules = `
CREATE TABLE IF NOT EXISTS screening_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_screening_rules_tenant ON screening_rules(tenant_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaCaseTransactions,
		schemaAuditLogs,
		schemaScreeningRules,
	}
}
