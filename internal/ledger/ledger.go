// Package ledger implements the prepaid credit ledger: per-agent balances
// with atomic credit/debit and an append-only event log.
//
// Balance is always the running sum of all deltas and never negative. A
// debit checks and applies in a single transaction; on insufficient funds
// the balance is untouched and the caller learns the current balance and
// the shortfall. Events are retained permanently and never edited.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/keelclear/keel/internal/store"
)

// Ledger provides balance operations backed by the settlement store.
type Ledger struct {
	store *store.Store
	now   func() int64
}

// Event is one append-only ledger event.
type Event struct {
	ID           int64
	AgentID      string
	Delta        int64
	Reason       string
	Reference    string
	BalanceAfter int64
	CreatedAt    int64
}

// InsufficientFundsError reports a rejected debit with enough detail for
// the caller to remediate: the amount required and the current balance.
type InsufficientFundsError struct {
	AgentID  string
	Required int64
	Balance  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: agent %s requires %d, balance %d",
		e.AgentID, e.Required, e.Balance)
}

// New creates a Ledger on the given store.
func New(s *store.Store) *Ledger {
	return &Ledger{
		store: s,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// WithNow overrides the clock. Used in tests for stable timestamps.
func (l *Ledger) WithNow(now func() int64) *Ledger {
	l.now = now
	return l
}

// Store returns the underlying store, for callers that need to compose
// ledger mutations with their own in one transaction.
func (l *Ledger) Store() *store.Store {
	return l.store
}

// Balance returns the agent's current balance. Unknown agents have
// balance zero; the account row is only created on first credit.
func (l *Ledger) Balance(ctx context.Context, agentID string) (int64, error) {
	var balance int64
	err := l.store.DB().QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE agent_id = ?`, agentID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	return balance, nil
}

// Credit atomically increases the agent's balance and appends an event.
// Creates the account on first use. Returns the new balance.
func (l *Ledger) Credit(ctx context.Context, agentID string, amount int64, reason, reference string) (int64, error) {
	var newBalance int64
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		newBalance, err = l.CreditTx(tx, agentID, amount, reason, reference)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// CreditTx is Credit running inside a caller-owned transaction, so a
// credit can be composed with other mutations atomically (a credit line
// draw credits the borrower and records the draw in one step).
func (l *Ledger) CreditTx(tx *sql.Tx, agentID string, amount int64, reason, reference string) (int64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("credit: field agent_id: missing")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("credit: field amount: must be positive, got %d", amount)
	}

	now := l.now()
	if _, err := tx.Exec(`
		INSERT INTO accounts (agent_id, balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(agent_id) DO NOTHING
	`, agentID, now, now); err != nil {
		return 0, fmt.Errorf("credit: create account: %w", err)
	}

	var balance int64
	if err := tx.QueryRow(
		`SELECT balance FROM accounts WHERE agent_id = ?`, agentID,
	).Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit: read balance: %w", err)
	}

	newBalance := balance + amount
	if _, err := tx.Exec(
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE agent_id = ?`,
		newBalance, now, agentID,
	); err != nil {
		return 0, fmt.Errorf("credit: update balance: %w", err)
	}

	if err := l.appendEventTx(tx, agentID, amount, reason, reference, newBalance, now); err != nil {
		return 0, fmt.Errorf("credit: %w", err)
	}

	return newBalance, nil
}

// Debit atomically decreases the agent's balance only if the current
// balance covers the amount; check and update happen in the same
// transaction so concurrent debits cannot both win. On insufficient funds
// it returns an InsufficientFundsError carrying the current balance.
func (l *Ledger) Debit(ctx context.Context, agentID string, amount int64, reason, reference string) (int64, error) {
	var newBalance int64
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		newBalance, err = l.DebitTx(tx, agentID, amount, reason, reference)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// DebitTx is Debit running inside a caller-owned transaction.
func (l *Ledger) DebitTx(tx *sql.Tx, agentID string, amount int64, reason, reference string) (int64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("debit: field agent_id: missing")
	}
	if amount <= 0 {
		return 0, fmt.Errorf("debit: field amount: must be positive, got %d", amount)
	}

	var balance int64
	err := tx.QueryRow(
		`SELECT balance FROM accounts WHERE agent_id = ?`, agentID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		balance = 0
	} else if err != nil {
		return 0, fmt.Errorf("debit: read balance: %w", err)
	}

	if balance < amount {
		return 0, &InsufficientFundsError{AgentID: agentID, Required: amount, Balance: balance}
	}

	now := l.now()
	newBalance := balance - amount
	if _, err := tx.Exec(
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE agent_id = ?`,
		newBalance, now, agentID,
	); err != nil {
		return 0, fmt.Errorf("debit: update balance: %w", err)
	}

	if err := l.appendEventTx(tx, agentID, -amount, reason, reference, newBalance, now); err != nil {
		return 0, fmt.Errorf("debit: %w", err)
	}

	return newBalance, nil
}

func (l *Ledger) appendEventTx(tx *sql.Tx, agentID string, delta int64, reason, reference string, balanceAfter, now int64) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_events (agent_id, delta, reason, reference, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agentID, delta, reason, reference, balanceAfter, now)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Events returns the agent's ledger events in append order.
func (l *Ledger) Events(ctx context.Context, agentID string) ([]Event, error) {
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, agent_id, delta, reason, reference, balance_after, created_at
		FROM ledger_events
		WHERE agent_id = ?
		ORDER BY id ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Delta, &e.Reason, &e.Reference, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return events, nil
}

// Audit recomputes the agent's balance as the sum of all event deltas and
// compares it to the stored balance. A mismatch means the append-only log
// and the account row have diverged, which should be impossible.
func (l *Ledger) Audit(ctx context.Context, agentID string) error {
	events, err := l.Events(ctx, agentID)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	var sum int64
	for _, e := range events {
		sum += e.Delta
	}

	balance, err := l.Balance(ctx, agentID)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if sum != balance {
		return fmt.Errorf("audit: agent %s: event sum %d != stored balance %d", agentID, sum, balance)
	}
	return nil
}
