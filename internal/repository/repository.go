// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListCases when no limit is given.
const DefaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg, 10*time.Second)
	if err != nil {
		return nil, err
	}

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

const caseColumns = `
	id, tenant_id, analyst_id, customer_name, status, source, filename,
	input, evaluation, screening, triggered_rules, risk_score, risk_level,
	generated_narrative, edited_narrative, created_at, updated_at
`

// CreateCase stores a new case. A missing ID is filled with a UUID.
func (r *SQLRepository) CreateCase(ctx context.Context, tenantID string, c *domain.Case) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.TenantID = tenantID

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt

	input, evaluation, screening, err := encodeCase(c)
	if err != nil {
		return err
	}

	query := `INSERT INTO sar_cases (` + caseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		c.ID, tenantID, c.AnalystID, c.CustomerName, string(c.Status), string(c.Source), c.Filename,
		input, evaluation, screening, c.TriggeredRules, nullInt(c.RiskScore), string(c.RiskLevel),
		c.GeneratedNarrative, c.EditedNarrative, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetCase retrieves a case by ID with tenant isolation.
func (r *SQLRepository) GetCase(ctx context.Context, tenantID string, caseID string) (*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + caseColumns + ` FROM sar_cases WHERE tenant_id = ? AND id = ?`

	c, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCases returns the tenant's most recent cases first.
func (r *SQLRepository) ListCases(ctx context.Context, tenantID string, limit int) ([]*domain.Case, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + caseColumns + ` FROM sar_cases WHERE tenant_id = ? ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cases := []*domain.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}

	return cases, rows.Err()
}

// UpdateCase overwrites the mutable fields of an existing case.
func (r *SQLRepository) UpdateCase(ctx context.Context, tenantID string, c *domain.Case) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	input, evaluation, screening, err := encodeCase(c)
	if err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sar_cases SET
			customer_name = ?, status = ?, input = ?, evaluation = ?, screening = ?,
			triggered_rules = ?, risk_score = ?, risk_level = ?,
			generated_narrative = ?, edited_narrative = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		c.CustomerName, string(c.Status), input, evaluation, screening,
		c.TriggeredRules, nullInt(c.RiskScore), string(c.RiskLevel),
		c.GeneratedNarrative, c.EditedNarrative, c.UpdatedAt,
		tenantID, c.ID,
	)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// SaveCaseTransactions stores imported rows for a case in a single transaction.
func (r *SQLRepository) SaveCaseTransactions(ctx context.Context, tenantID string, caseID string, rows []domain.TransactionRow) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if caseID == "" {
		return fmt.Errorf("%w: caseID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO case_transactions (
			id, tenant_id, case_id, row_index, customer_id, amount,
			transaction_date, type, description, merchant, country
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), tenantID, caseID, i, row.CustomerID, string(row.Amount),
			row.TransactionDate, row.Type, row.Description, row.Merchant, row.Country,
		); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ListCaseTransactions returns a case's imported rows in upload order.
func (r *SQLRepository) ListCaseTransactions(ctx context.Context, tenantID string, caseID string) ([]domain.TransactionRow, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT customer_id, amount, transaction_date, type, description, merchant, country
		FROM case_transactions
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY row_index
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.TransactionRow{}
	for rows.Next() {
		var row domain.TransactionRow
		var amount string
		var date, typ, desc, merchant, country sql.NullString

		if err := rows.Scan(&row.CustomerID, &amount, &date, &typ, &desc, &merchant, &country); err != nil {
			return nil, err
		}
		row.Amount = domain.AmountCell(amount)
		row.TransactionDate = date.String
		row.Type = typ.String
		row.Description = desc.String
		row.Merchant = merchant.String
		row.Country = country.String
		result = append(result, row)
	}

	return result, rows.Err()
}

// SaveAuditEntry appends to a case's audit trail.
func (r *SQLRepository) SaveAuditEntry(ctx context.Context, tenantID string, entry *domain.AuditEntry) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TenantID = tenantID

	query := `
		INSERT INTO audit_logs (
			id, tenant_id, case_id, action, rules_triggered, prompt, response, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, tenantID, entry.CaseID, entry.Action,
		entry.RulesTriggered, entry.Prompt, entry.Response, entry.CreatedAt,
	)
	return err
}

// ListAuditEntries returns a case's audit trail, oldest first.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, tenantID string, caseID string) ([]*domain.AuditEntry, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, case_id, action, rules_triggered, prompt, response, created_at
		FROM audit_logs
		WHERE tenant_id = ? AND case_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*domain.AuditEntry{}
	for rows.Next() {
		var e domain.AuditEntry
		var rules, prompt, response sql.NullString

		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.CaseID, &e.Action,
			&rules, &prompt, &response, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.RulesTriggered = rules.String
		e.Prompt = prompt.String
		e.Response = response.String
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// SaveScreeningRule upserts a screening rule with tenant isolation.
func (r *SQLRepository) SaveScreeningRule(ctx context.Context, tenantID string, rule *domain.ScreeningRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	query := `
		INSERT INTO screening_rules (
			id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			reason = excluded.reason,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		rule.Expression, rule.Reason, enabled,
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListScreeningRules returns all of a tenant's screening rules, enabled or not.
func (r *SQLRepository) ListScreeningRules(ctx context.Context, tenantID string) ([]*domain.ScreeningRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, expression, reason, enabled, created_at, updated_at
		FROM screening_rules
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []*domain.ScreeningRule{}
	for rows.Next() {
		var rule domain.ScreeningRule
		var desc sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.TenantID, &rule.Name, &desc,
			&rule.Expression, &rule.Reason, &enabled,
			&rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rule.Description = desc.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// DeleteScreeningRule removes a screening rule.
func (r *SQLRepository) DeleteScreeningRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM screening_rules WHERE tenant_id = ? AND id = ?`), tenantID, ruleID)
	if err != nil {
		return err
	}
	return expectAffected(result)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch != '?' {
			b.WriteRune(ch)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(s rowScanner) (*domain.Case, error) {
	var c domain.Case
	var status, source string
	var filename, evaluation, screening, riskLevel, generated, edited sql.NullString
	var input string
	var riskScore sql.NullInt64

	if err := s.Scan(
		&c.ID, &c.TenantID, &c.AnalystID, &c.CustomerName, &status, &source, &filename,
		&input, &evaluation, &screening, &c.TriggeredRules, &riskScore, &riskLevel,
		&generated, &edited, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Status = domain.CaseStatus(status)
	c.Source = domain.CaseSource(source)
	c.Filename = filename.String
	c.RiskLevel = domain.RiskLevel(riskLevel.String)
	c.GeneratedNarrative = generated.String
	c.EditedNarrative = edited.String
	if riskScore.Valid {
		score := int(riskScore.Int64)
		c.RiskScore = &score
	}

	if err := json.Unmarshal([]byte(input), &c.Input); err != nil {
		return nil, fmt.Errorf("failed to parse case input for %s: %w", c.ID, err)
	}
	if evaluation.String != "" {
		var eval domain.RuleEvaluation
		if err := json.Unmarshal([]byte(evaluation.String), &eval); err != nil {
			return nil, fmt.Errorf("failed to parse evaluation for %s: %w", c.ID, err)
		}
		c.Evaluation = &eval
	}
	if screening.String != "" {
		if err := json.Unmarshal([]byte(screening.String), &c.Screening); err != nil {
			return nil, fmt.Errorf("failed to parse screening hits for %s: %w", c.ID, err)
		}
	}

	return &c, nil
}

func encodeCase(c *domain.Case) (input, evaluation, screening string, err error) {
	raw, err := json.Marshal(c.Input)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode case input: %w", err)
	}
	input = string(raw)

	if c.Evaluation != nil {
		raw, err = json.Marshal(c.Evaluation)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode evaluation: %w", err)
		}
		evaluation = string(raw)
	}

	if len(c.Screening) > 0 {
		raw, err = json.Marshal(c.Screening)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode screening hits: %w", err)
		}
		screening = string(raw)
	}

	return input, evaluation, screening, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func expectAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
