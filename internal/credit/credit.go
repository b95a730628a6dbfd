// Package credit implements the credit line state machine: open, draw,
// repay, interest accrual, fees, margin calls, collateral locks,
// liquidation, and close.
//
// Every transition appends an immutable credit event carrying the deltas
// it applied, so the position is always reconstructible as a fold over
// the event log (see replay.go). All mutations run inside a single store
// transaction; a draw that credits the borrower's ledger balance and the
// draw event it records either both land or neither does. Each operation
// has a Tx variant so callers can make a transition atomic with their
// own bookkeeping (idempotency claims, window submissions).
package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/keelclear/keel/internal/ledger"
	"github.com/keelclear/keel/internal/store"
)

// Status is a credit line lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusClosed     Status = "closed"     // terminal
	StatusLiquidated Status = "liquidated" // terminal
)

// EventType tags an entry in the append-only credit event log.
type EventType string

const (
	EventOpen          EventType = "CL_OPEN"
	EventUpdate        EventType = "CL_UPDATE"
	EventClose         EventType = "CL_CLOSE"
	EventDraw          EventType = "DRAW"
	EventRepay         EventType = "REPAY"
	EventAccrue        EventType = "ACCRUE"
	EventFee           EventType = "FEE"
	EventMarginCall    EventType = "MARGIN_CALL"
	EventMarginResolve EventType = "MARGIN_RESOLVE"
	EventCollLock      EventType = "COLL_LOCK"
	EventCollUnlock    EventType = "COLL_UNLOCK"
	EventLiquidate     EventType = "LIQUIDATE"
)

// DefaultDayCount is the interest day-count convention.
const DefaultDayCount = 365

// Line is a credit line between a borrower and a lender.
type Line struct {
	ID                    string
	Borrower              string
	Lender                string
	Limit                 int64
	SpreadBps             int64
	Maturity              *int64
	Status                Status
	MinCollateralRatioBps int64
	CreatedAt             int64
	UpdatedAt             int64
}

// Position is the mutable exposure of a credit line. All fields are
// non-negative; repayments floor at zero.
type Position struct {
	Principal       int64 `json:"principal"`
	InterestAccrued int64 `json:"interest_accrued"`
	Fees            int64 `json:"fees"`
}

// Event is one immutable credit event.
type Event struct {
	ID        string
	LineID    string
	Type      EventType
	Amount    int64
	WindowID  string
	Detail    string
	CreatedAt int64
}

// repayDetail records the component deltas of a REPAY or LIQUIDATE event
// so the position can be refolded from the log alone.
type repayDetail struct {
	Principal int64 `json:"principal"`
	Interest  int64 `json:"interest"`
	Fees      int64 `json:"fees"`
}

// Manager operates credit lines on top of the store and the ledger's
// atomic primitives.
type Manager struct {
	store    *store.Store
	ledger   *ledger.Ledger
	dayCount int64
	now      func() int64
}

// NewManager creates a credit line manager.
func NewManager(s *store.Store, l *ledger.Ledger) *Manager {
	return &Manager{
		store:    s,
		ledger:   l,
		dayCount: DefaultDayCount,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// WithDayCount overrides the accrual day-count convention.
func (m *Manager) WithDayCount(days int64) *Manager {
	if days > 0 {
		m.dayCount = days
	}
	return m
}

// WithNow overrides the clock. Used in tests.
func (m *Manager) WithNow(now func() int64) *Manager {
	m.now = now
	return m
}

// OpenInput carries the fields for opening a credit line.
type OpenInput struct {
	Borrower              string
	Lender                string
	Limit                 int64
	SpreadBps             int64
	Maturity              *int64
	MinCollateralRatioBps int64
}

// Open creates a credit line with a zeroed position and logs CL_OPEN.
func (m *Manager) Open(ctx context.Context, in OpenInput) (*Line, error) {
	var line *Line
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		line, err = m.OpenTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return line, nil
}

// OpenTx is Open inside an existing transaction.
func (m *Manager) OpenTx(tx *sql.Tx, in OpenInput) (*Line, error) {
	if in.Borrower == "" {
		return nil, fmt.Errorf("open credit line: field borrower: missing")
	}
	if in.Lender == "" {
		return nil, fmt.Errorf("open credit line: field lender: missing")
	}
	if in.Borrower == in.Lender {
		return nil, fmt.Errorf("open credit line: field lender: borrower and lender must differ")
	}
	if in.Limit <= 0 {
		return nil, fmt.Errorf("open credit line: field limit: must be positive, got %d", in.Limit)
	}
	if in.SpreadBps < 0 {
		return nil, fmt.Errorf("open credit line: field spread_bps: must be non-negative, got %d", in.SpreadBps)
	}
	if in.MinCollateralRatioBps < 0 {
		return nil, fmt.Errorf("open credit line: field min_collateral_ratio_bps: must be non-negative, got %d", in.MinCollateralRatioBps)
	}

	now := m.now()
	line := &Line{
		ID:                    uuid.Must(uuid.NewV7()).String(),
		Borrower:              in.Borrower,
		Lender:                in.Lender,
		Limit:                 in.Limit,
		SpreadBps:             in.SpreadBps,
		Maturity:              in.Maturity,
		Status:                StatusActive,
		MinCollateralRatioBps: in.MinCollateralRatioBps,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if _, err := tx.Exec(`
		INSERT INTO credit_lines
		(id, borrower, lender, credit_limit, spread_bps, maturity, status, min_collateral_ratio_bps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, line.ID, line.Borrower, line.Lender, line.Limit, line.SpreadBps,
		line.Maturity, string(line.Status), line.MinCollateralRatioBps,
		line.CreatedAt, line.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("open credit line: insert line: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO credit_positions (credit_line_id, principal, interest_accrued, fees)
		VALUES (?, 0, 0, 0)
	`, line.ID); err != nil {
		return nil, fmt.Errorf("open credit line: insert position: %w", err)
	}

	if err := m.appendEventTx(tx, line.ID, EventOpen, in.Limit, "", ""); err != nil {
		return nil, err
	}
	return line, nil
}

// Get returns a credit line and its current position.
func (m *Manager) Get(ctx context.Context, lineID string) (*Line, *Position, error) {
	var line Line
	var pos Position
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		l, err := m.getLineTx(tx, lineID)
		if err != nil {
			return err
		}
		p, err := m.getPositionTx(tx, lineID)
		if err != nil {
			return err
		}
		line, pos = *l, *p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &line, &pos, nil
}

// Draw increases principal by amount and credits the borrower's ledger
// balance, atomically. Rejects when amount exceeds the remaining headroom
// (limit - principal) or the line is not active.
func (m *Manager) Draw(ctx context.Context, lineID string, amount int64) (*Position, error) {
	var pos *Position
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pos, err = m.DrawTx(tx, lineID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// DrawTx is Draw inside an existing transaction.
func (m *Manager) DrawTx(tx *sql.Tx, lineID string, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("draw: field amount: must be positive, got %d", amount)
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive {
		return nil, fmt.Errorf("draw: line %s is %s, not active", lineID, line.Status)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if amount > line.Limit-pos.Principal {
		return nil, fmt.Errorf("draw: amount %d exceeds available %d (limit %d, principal %d)",
			amount, line.Limit-pos.Principal, line.Limit, pos.Principal)
	}

	pos.Principal += amount
	if err := m.putPositionTx(tx, lineID, pos); err != nil {
		return nil, err
	}

	if _, err := m.ledger.CreditTx(tx, line.Borrower, amount, "credit_draw", lineID); err != nil {
		return nil, err
	}

	if err := m.appendEventTx(tx, lineID, EventDraw, amount, "", ""); err != nil {
		return nil, err
	}
	return pos, nil
}

// Repay decreases principal, interest, and fees by the given amounts,
// floored at zero. The event detail records the deltas actually applied.
func (m *Manager) Repay(ctx context.Context, lineID string, principalAmt, interestAmt, feeAmt int64) (*Position, error) {
	var pos *Position
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pos, err = m.RepayTx(tx, lineID, principalAmt, interestAmt, feeAmt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// RepayTx is Repay inside an existing transaction.
func (m *Manager) RepayTx(tx *sql.Tx, lineID string, principalAmt, interestAmt, feeAmt int64) (*Position, error) {
	if principalAmt < 0 || interestAmt < 0 || feeAmt < 0 {
		return nil, fmt.Errorf("repay: amounts must be non-negative")
	}
	if principalAmt == 0 && interestAmt == 0 && feeAmt == 0 {
		return nil, fmt.Errorf("repay: field amount: at least one amount must be positive")
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive && line.Status != StatusSuspended {
		return nil, fmt.Errorf("repay: line %s is %s", lineID, line.Status)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return nil, err
	}

	applied := repayDetail{
		Principal: min64(principalAmt, pos.Principal),
		Interest:  min64(interestAmt, pos.InterestAccrued),
		Fees:      min64(feeAmt, pos.Fees),
	}
	pos.Principal -= applied.Principal
	pos.InterestAccrued -= applied.Interest
	pos.Fees -= applied.Fees

	if err := m.putPositionTx(tx, lineID, pos); err != nil {
		return nil, err
	}

	detail, err := json.Marshal(applied)
	if err != nil {
		return nil, fmt.Errorf("repay: marshal detail: %w", err)
	}
	total := applied.Principal + applied.Interest + applied.Fees
	if err := m.appendEventTx(tx, lineID, EventRepay, total, "", string(detail)); err != nil {
		return nil, err
	}
	return pos, nil
}

// AccrueInterest accrues one window's interest on outstanding principal:
// floor(principal * spread_bps * days / (10000 * day_count)).
//
// Idempotent per (line, window): the ACCRUE event carries the window id
// and a partial unique index rejects a second accrual for the same
// window, which is reported as accrued=0, applied=false - a no-op, never
// double interest.
func (m *Manager) AccrueInterest(ctx context.Context, lineID, windowID string, days int64) (accrued int64, applied bool, err error) {
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		accrued, applied, err = m.AccrueInterestTx(tx, lineID, windowID, days)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return accrued, applied, nil
}

// AccrueInterestTx is AccrueInterest inside an existing transaction.
func (m *Manager) AccrueInterestTx(tx *sql.Tx, lineID, windowID string, days int64) (int64, bool, error) {
	if windowID == "" {
		return 0, false, fmt.Errorf("accrue: field window_id: missing")
	}
	if days <= 0 {
		return 0, false, fmt.Errorf("accrue: field days: must be positive, got %d", days)
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return 0, false, err
	}
	if line.Status != StatusActive {
		return 0, false, fmt.Errorf("accrue: line %s is %s, not active", lineID, line.Status)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return 0, false, err
	}

	amount, err := accrualAmount(pos.Principal, line.SpreadBps, days, m.dayCount)
	if err != nil {
		return 0, false, err
	}

	// Claim the (line, window) accrual slot first; a conflict means the
	// window was already accrued and the position stays untouched.
	result, err := tx.Exec(`
		INSERT INTO credit_events (id, credit_line_id, event_type, amount, window_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(credit_line_id, window_id) WHERE event_type = 'ACCRUE' DO NOTHING
	`, uuid.Must(uuid.NewV7()).String(), lineID, string(EventAccrue), amount, windowID, m.now())
	if err != nil {
		return 0, false, fmt.Errorf("accrue: insert event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("accrue: rows affected: %w", err)
	}
	if rows == 0 {
		return 0, false, nil
	}

	pos.InterestAccrued += amount
	if err := m.putPositionTx(tx, lineID, pos); err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

// accrualAmount is floor(principal * spread * days / (10000 * dayCount)),
// computed in big.Int so the intermediate product cannot overflow int64.
func accrualAmount(principal, spreadBps, days, dayCount int64) (int64, error) {
	n := new(big.Int).Mul(big.NewInt(principal), big.NewInt(spreadBps))
	n.Mul(n, big.NewInt(days))
	n.Quo(n, big.NewInt(10000*dayCount))
	if !n.IsInt64() {
		return 0, fmt.Errorf("accrue: interest %s overflows int64", n.String())
	}
	return n.Int64(), nil
}

// ApplyFee adds a fee to the position and logs it.
func (m *Manager) ApplyFee(ctx context.Context, lineID, feeType string, amount int64, reason string) (*Position, error) {
	var pos *Position
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pos, err = m.ApplyFeeTx(tx, lineID, feeType, amount, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// ApplyFeeTx is ApplyFee inside an existing transaction.
func (m *Manager) ApplyFeeTx(tx *sql.Tx, lineID, feeType string, amount int64, reason string) (*Position, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("apply fee: field amount: must be positive, got %d", amount)
	}
	if feeType == "" {
		return nil, fmt.Errorf("apply fee: field fee_type: missing")
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive {
		return nil, fmt.Errorf("apply fee: line %s is %s, not active", lineID, line.Status)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	pos.Fees += amount
	if err := m.putPositionTx(tx, lineID, pos); err != nil {
		return nil, err
	}

	detail := fmt.Sprintf(`{"fee_type":%q,"reason":%q}`, feeType, reason)
	if err := m.appendEventTx(tx, lineID, EventFee, amount, "", detail); err != nil {
		return nil, err
	}
	return pos, nil
}

// Suspend transitions an active line to suspended.
func (m *Manager) Suspend(ctx context.Context, lineID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.setStatusTx(tx, lineID, StatusActive, StatusSuspended)
	})
}

// Reactivate transitions a suspended line back to active.
func (m *Manager) Reactivate(ctx context.Context, lineID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.setStatusTx(tx, lineID, StatusSuspended, StatusActive)
	})
}

func (m *Manager) setStatusTx(tx *sql.Tx, lineID string, from, to Status) error {
	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return err
	}
	if line.Status != from {
		return fmt.Errorf("update credit line: line %s is %s, want %s", lineID, line.Status, from)
	}
	if _, err := tx.Exec(
		`UPDATE credit_lines SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), m.now(), lineID,
	); err != nil {
		return fmt.Errorf("update credit line: %w", err)
	}
	detail := fmt.Sprintf(`{"status":%q}`, to)
	return m.appendEventTx(tx, lineID, EventUpdate, 0, "", detail)
}

// Close transitions a line to closed. Requires a fully zeroed position.
func (m *Manager) Close(ctx context.Context, lineID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.CloseTx(tx, lineID)
	})
}

// CloseTx is Close inside an existing transaction.
func (m *Manager) CloseTx(tx *sql.Tx, lineID string) error {
	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return err
	}
	if line.Status != StatusActive && line.Status != StatusSuspended {
		return fmt.Errorf("close: line %s is %s", lineID, line.Status)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return err
	}
	if pos.Principal != 0 || pos.InterestAccrued != 0 || pos.Fees != 0 {
		return fmt.Errorf("close: line %s has outstanding position (principal %d, interest %d, fees %d)",
			lineID, pos.Principal, pos.InterestAccrued, pos.Fees)
	}

	if _, err := tx.Exec(
		`UPDATE credit_lines SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusClosed), m.now(), lineID,
	); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return m.appendEventTx(tx, lineID, EventClose, 0, "", "")
}

// --- transaction-scoped helpers ---

func (m *Manager) getLineTx(tx *sql.Tx, lineID string) (*Line, error) {
	var line Line
	var status string
	err := tx.QueryRow(`
		SELECT id, borrower, lender, credit_limit, spread_bps, maturity, status, min_collateral_ratio_bps, created_at, updated_at
		FROM credit_lines WHERE id = ?
	`, lineID).Scan(
		&line.ID, &line.Borrower, &line.Lender, &line.Limit, &line.SpreadBps,
		&line.Maturity, &status, &line.MinCollateralRatioBps,
		&line.CreatedAt, &line.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credit line %s not found", lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("read credit line: %w", err)
	}
	line.Status = Status(status)
	return &line, nil
}

func (m *Manager) getPositionTx(tx *sql.Tx, lineID string) (*Position, error) {
	var pos Position
	err := tx.QueryRow(`
		SELECT principal, interest_accrued, fees FROM credit_positions WHERE credit_line_id = ?
	`, lineID).Scan(&pos.Principal, &pos.InterestAccrued, &pos.Fees)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	return &pos, nil
}

func (m *Manager) putPositionTx(tx *sql.Tx, lineID string, pos *Position) error {
	if pos.Principal < 0 || pos.InterestAccrued < 0 || pos.Fees < 0 {
		return fmt.Errorf("position for line %s would go negative", lineID)
	}
	if _, err := tx.Exec(`
		UPDATE credit_positions SET principal = ?, interest_accrued = ?, fees = ?
		WHERE credit_line_id = ?
	`, pos.Principal, pos.InterestAccrued, pos.Fees, lineID); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

func (m *Manager) appendEventTx(tx *sql.Tx, lineID string, typ EventType, amount int64, windowID, detail string) error {
	var window any
	if windowID != "" {
		window = windowID
	}
	if _, err := tx.Exec(`
		INSERT INTO credit_events (id, credit_line_id, event_type, amount, window_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.Must(uuid.NewV7()).String(), lineID, string(typ), amount, window, detail, m.now()); err != nil {
		return fmt.Errorf("append credit event: %w", err)
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
