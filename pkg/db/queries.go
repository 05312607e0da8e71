package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrAccountIDRequired = errors.New("account id is required")
	ErrNotFound          = errors.New("record not found")
)

// InsertExecutionSQL is exported so batch writers can queue it without a Queries handle.
// A correlation id is recorded once; later writes for the same id are ignored.
const InsertExecutionSQL = `
	INSERT OR IGNORE INTO executions (
		correlation_id, account_id, symbol, side, quantity, outcome, reason,
		broker_reference, evidence, needs_reconciliation, reconciled, attempts, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// ExecutionArgs flattens e in InsertExecutionSQL column order.
func ExecutionArgs(e Execution) []any {
	return []any{
		e.CorrelationID, e.AccountID, e.Symbol, e.Side, e.Quantity, e.Outcome, e.Reason,
		e.BrokerReference, e.Evidence, boolToInt(e.NeedsReconciliation), boolToInt(e.Reconciled),
		e.Attempts, e.CreatedAt.UTC(),
	}
}

// Queries groups account and execution queries.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// UpsertAccount creates an account or refreshes its login fields.
// The disabled flag is operator state and is left untouched on update.
func (q *Queries) UpsertAccount(ctx context.Context, a Account) error {
	if a.ID == "" {
		return ErrAccountIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, secret, profile_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			secret = excluded.secret,
			profile_dir = excluded.profile_dir,
			updated_at = CURRENT_TIMESTAMP
	`, a.ID, a.Username, a.Secret, a.ProfileDir)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// GetAccount returns ErrNotFound when id is unknown.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, username, secret, profile_dir, disabled, COALESCE(disabled_reason, ''), created_at, updated_at
		FROM accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns every account ordered by id.
func (q *Queries) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, username, secret, profile_dir, disabled, COALESCE(disabled_reason, ''), created_at, updated_at
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAccountDisabled flips the operator flag. reason is cleared on enable.
func (q *Queries) SetAccountDisabled(ctx context.Context, id string, disabled bool, reason string) error {
	if id == "" {
		return ErrAccountIDRequired
	}
	if !disabled {
		reason = ""
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET disabled = ?, disabled_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, boolToInt(disabled), reason, id)
	if err != nil {
		return fmt.Errorf("update account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var (
		a        Account
		disabled int
	)
	if err := s.Scan(&a.ID, &a.Username, &a.Secret, &a.ProfileDir, &disabled, &a.DisabledReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Disabled = disabled != 0
	return &a, nil
}

// ----------------------------------------
// Execution Queries
// ----------------------------------------

// InsertExecution writes one result synchronously.
func (q *Queries) InsertExecution(ctx context.Context, e Execution) error {
	if _, err := q.db.ExecContext(ctx, InsertExecutionSQL, ExecutionArgs(e)...); err != nil {
		return fmt.Errorf("insert execution %s: %w", e.CorrelationID, err)
	}
	return nil
}

// GetExecution looks up a result by correlation id.
func (q *Queries) GetExecution(ctx context.Context, correlationID string) (*Execution, error) {
	row := q.db.QueryRowContext(ctx, selectExecution+` WHERE correlation_id = ?`, correlationID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", correlationID, err)
	}
	return e, nil
}

// ListExecutions returns the newest results first; accountID "" means all accounts.
func (q *Queries) ListExecutions(ctx context.Context, accountID string, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if accountID == "" {
		rows, err = q.db.QueryContext(ctx, selectExecution+` ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = q.db.QueryContext(ctx, selectExecution+` WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

const selectExecution = `
	SELECT correlation_id, account_id, symbol, side, quantity, outcome, COALESCE(reason, ''),
		COALESCE(broker_reference, ''), COALESCE(evidence, ''), needs_reconciliation, reconciled,
		attempts, created_at
	FROM executions`

func scanExecution(s scanner) (*Execution, error) {
	var (
		e          Execution
		needsRecon int
		reconciled int
	)
	if err := s.Scan(&e.CorrelationID, &e.AccountID, &e.Symbol, &e.Side, &e.Quantity, &e.Outcome, &e.Reason,
		&e.BrokerReference, &e.Evidence, &needsRecon, &reconciled, &e.Attempts, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.NeedsReconciliation = needsRecon != 0
	e.Reconciled = reconciled != 0
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
