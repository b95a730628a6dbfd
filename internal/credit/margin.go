package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Margin call lifecycle: pending -> resolved | escalated -> liquidated.
const (
	MarginPending    = "pending"
	MarginResolved   = "resolved"
	MarginEscalated  = "escalated"
	MarginLiquidated = "liquidated"
)

// Collateral lock lifecycle.
const (
	CollLocked     = "locked"
	CollUnlocked   = "unlocked"
	CollLiquidated = "liquidated"
)

// MarginCall records a demand for additional collateral on a line whose
// locked collateral fell below the required ratio of its exposure.
type MarginCall struct {
	ID             string
	LineID         string
	Status         string
	RequiredAmount int64
	DueTS          int64
	CreatedAt      int64
	UpdatedAt      int64
}

// CollateralLock is a unit of pledged collateral held against a line.
type CollateralLock struct {
	ID        string
	LineID    string
	AssetRef  string
	AssetType string
	Amount    int64
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

// LockCollateral pledges collateral against a line and logs COLL_LOCK.
func (m *Manager) LockCollateral(ctx context.Context, lineID, assetRef, assetType string, amount int64) (*CollateralLock, error) {
	var lock *CollateralLock
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		lock, err = m.LockCollateralTx(tx, lineID, assetRef, assetType, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// LockCollateralTx is LockCollateral inside an existing transaction.
func (m *Manager) LockCollateralTx(tx *sql.Tx, lineID, assetRef, assetType string, amount int64) (*CollateralLock, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("lock collateral: field amount: must be positive, got %d", amount)
	}
	if assetRef == "" {
		return nil, fmt.Errorf("lock collateral: field asset_ref: missing")
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status == StatusClosed || line.Status == StatusLiquidated {
		return nil, fmt.Errorf("lock collateral: line %s is %s", lineID, line.Status)
	}

	now := m.now()
	lock := &CollateralLock{
		ID:        uuid.Must(uuid.NewV7()).String(),
		LineID:    lineID,
		AssetRef:  assetRef,
		AssetType: assetType,
		Amount:    amount,
		Status:    CollLocked,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := tx.Exec(`
		INSERT INTO collateral_locks (id, credit_line_id, asset_ref, asset_type, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, lock.ID, lock.LineID, lock.AssetRef, lock.AssetType, lock.Amount, lock.Status,
		lock.CreatedAt, lock.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert collateral lock: %w", err)
	}

	detail := fmt.Sprintf(`{"lock_id":%q,"asset_ref":%q}`, lock.ID, assetRef)
	if err := m.appendEventTx(tx, lineID, EventCollLock, amount, "", detail); err != nil {
		return nil, err
	}
	return lock, nil
}

// UnlockCollateral releases a locked pledge. Rejected while the release
// would drop locked collateral below the required ratio or a margin call
// is open.
func (m *Manager) UnlockCollateral(ctx context.Context, lockID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.UnlockCollateralTx(tx, lockID)
	})
}

// UnlockCollateralTx is UnlockCollateral inside an existing transaction.
func (m *Manager) UnlockCollateralTx(tx *sql.Tx, lockID string) error {
	var lineID string
	var amount int64
	var status string
	err := tx.QueryRow(`
		SELECT credit_line_id, amount, status FROM collateral_locks WHERE id = ?
	`, lockID).Scan(&lineID, &amount, &status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("collateral lock %s not found", lockID)
	}
	if err != nil {
		return fmt.Errorf("read collateral lock: %w", err)
	}
	if status != CollLocked {
		return fmt.Errorf("unlock collateral: lock %s is %s, not locked", lockID, status)
	}

	if open, err := m.openMarginCallTx(tx, lineID); err != nil {
		return err
	} else if open != nil {
		return fmt.Errorf("unlock collateral: line %s has a %s margin call", lineID, open.Status)
	}

	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return err
	}
	locked, err := m.lockedCollateralTx(tx, lineID)
	if err != nil {
		return err
	}
	required, err := m.requiredCollateralTx(tx, line)
	if err != nil {
		return err
	}
	if locked-amount < required {
		return fmt.Errorf("unlock collateral: would leave %d locked, %d required", locked-amount, required)
	}

	if _, err := tx.Exec(
		`UPDATE collateral_locks SET status = ?, updated_at = ? WHERE id = ?`,
		CollUnlocked, m.now(), lockID,
	); err != nil {
		return fmt.Errorf("update collateral lock: %w", err)
	}

	detail := fmt.Sprintf(`{"lock_id":%q}`, lockID)
	return m.appendEventTx(tx, lineID, EventCollUnlock, amount, "", detail)
}

// IssueMarginCall opens a margin call on a line whose locked collateral
// is below the required ratio. At most one unresolved call per line.
func (m *Manager) IssueMarginCall(ctx context.Context, lineID string, dueTS int64) (*MarginCall, error) {
	var call *MarginCall
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		call, err = m.IssueMarginCallTx(tx, lineID, dueTS)
		return err
	})
	if err != nil {
		return nil, err
	}
	return call, nil
}

// IssueMarginCallTx is IssueMarginCall inside an existing transaction.
func (m *Manager) IssueMarginCallTx(tx *sql.Tx, lineID string, dueTS int64) (*MarginCall, error) {
	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive && line.Status != StatusSuspended {
		return nil, fmt.Errorf("margin call: line %s is %s", lineID, line.Status)
	}

	if open, err := m.openMarginCallTx(tx, lineID); err != nil {
		return nil, err
	} else if open != nil {
		return nil, fmt.Errorf("margin call: line %s already has a %s call %s", lineID, open.Status, open.ID)
	}

	locked, err := m.lockedCollateralTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	required, err := m.requiredCollateralTx(tx, line)
	if err != nil {
		return nil, err
	}
	if locked >= required {
		return nil, fmt.Errorf("margin call: line %s has no shortfall (%d locked, %d required)", lineID, locked, required)
	}

	now := m.now()
	call := &MarginCall{
		ID:             uuid.Must(uuid.NewV7()).String(),
		LineID:         lineID,
		Status:         MarginPending,
		RequiredAmount: required - locked,
		DueTS:          dueTS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(`
		INSERT INTO margin_calls (id, credit_line_id, status, required_amount, due_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, call.ID, call.LineID, call.Status, call.RequiredAmount, call.DueTS, call.CreatedAt, call.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert margin call: %w", err)
	}

	detail := fmt.Sprintf(`{"call_id":%q,"shortfall":%d}`, call.ID, call.RequiredAmount)
	if err := m.appendEventTx(tx, lineID, EventMarginCall, call.RequiredAmount, "", detail); err != nil {
		return nil, err
	}
	return call, nil
}

// ResolveMarginCall resolves a pending call after rechecking that the
// shortfall is actually cured at resolve time, not issue time.
func (m *Manager) ResolveMarginCall(ctx context.Context, callID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.ResolveMarginCallTx(tx, callID)
	})
}

// ResolveMarginCallTx is ResolveMarginCall inside an existing transaction.
func (m *Manager) ResolveMarginCallTx(tx *sql.Tx, callID string) error {
	call, err := m.getMarginCallTx(tx, callID)
	if err != nil {
		return err
	}
	if call.Status != MarginPending {
		return fmt.Errorf("resolve margin call: call %s is %s, not pending", callID, call.Status)
	}

	line, err := m.getLineTx(tx, call.LineID)
	if err != nil {
		return err
	}
	locked, err := m.lockedCollateralTx(tx, call.LineID)
	if err != nil {
		return err
	}
	required, err := m.requiredCollateralTx(tx, line)
	if err != nil {
		return err
	}
	if locked < required {
		return fmt.Errorf("resolve margin call: shortfall not cured (%d locked, %d required)", locked, required)
	}

	if _, err := tx.Exec(
		`UPDATE margin_calls SET status = ?, updated_at = ? WHERE id = ?`,
		MarginResolved, m.now(), callID,
	); err != nil {
		return fmt.Errorf("update margin call: %w", err)
	}

	detail := fmt.Sprintf(`{"call_id":%q}`, callID)
	return m.appendEventTx(tx, call.LineID, EventMarginResolve, 0, "", detail)
}

// EscalateMarginCall escalates a pending call past its deadline, making
// the line eligible for liquidation.
func (m *Manager) EscalateMarginCall(ctx context.Context, callID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		return m.EscalateMarginCallTx(tx, callID)
	})
}

// EscalateMarginCallTx is EscalateMarginCall inside an existing
// transaction.
func (m *Manager) EscalateMarginCallTx(tx *sql.Tx, callID string) error {
	call, err := m.getMarginCallTx(tx, callID)
	if err != nil {
		return err
	}
	if call.Status != MarginPending {
		return fmt.Errorf("escalate margin call: call %s is %s, not pending", callID, call.Status)
	}
	if m.now() <= call.DueTS {
		return fmt.Errorf("escalate margin call: call %s not yet due (due_ts %d)", callID, call.DueTS)
	}

	if _, err := tx.Exec(
		`UPDATE margin_calls SET status = ?, updated_at = ? WHERE id = ?`,
		MarginEscalated, m.now(), callID,
	); err != nil {
		return fmt.Errorf("update margin call: %w", err)
	}

	detail := fmt.Sprintf(`{"call_id":%q,"escalated":true}`, callID)
	return m.appendEventTx(tx, call.LineID, EventMarginCall, 0, "", detail)
}

// LiquidationResult reports how seized collateral was applied.
type LiquidationResult struct {
	Proceeds      int64 `json:"proceeds"`
	FeesPaid      int64 `json:"fees"`
	InterestPaid  int64 `json:"interest"`
	PrincipalPaid int64 `json:"principal"`
	Surplus       int64 `json:"surplus"`
}

// Liquidate seizes all locked collateral on a line with an escalated
// margin call and applies the proceeds down the waterfall: fees first,
// then accrued interest, then principal. Any surplus is returned to the
// borrower's ledger balance. The line and its margin call both end in
// the terminal liquidated state.
func (m *Manager) Liquidate(ctx context.Context, lineID string) (*LiquidationResult, error) {
	var res *LiquidationResult
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = m.LiquidateTx(tx, lineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// LiquidateTx is Liquidate inside an existing transaction.
func (m *Manager) LiquidateTx(tx *sql.Tx, lineID string) (*LiquidationResult, error) {
	line, err := m.getLineTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Status != StatusActive && line.Status != StatusSuspended {
		return nil, fmt.Errorf("liquidate: line %s is %s", lineID, line.Status)
	}

	var callID string
	err = tx.QueryRow(`
		SELECT id FROM margin_calls WHERE credit_line_id = ? AND status = ?
	`, lineID, MarginEscalated).Scan(&callID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("liquidate: line %s has no escalated margin call", lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("read margin call: %w", err)
	}

	proceeds, err := m.lockedCollateralTx(tx, lineID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`
		UPDATE collateral_locks SET status = ?, updated_at = ? WHERE credit_line_id = ? AND status = ?
	`, CollLiquidated, m.now(), lineID, CollLocked); err != nil {
		return nil, fmt.Errorf("seize collateral: %w", err)
	}

	pos, err := m.getPositionTx(tx, lineID)
	if err != nil {
		return nil, err
	}

	out := &LiquidationResult{Proceeds: proceeds}
	remaining := proceeds
	out.FeesPaid = min64(remaining, pos.Fees)
	remaining -= out.FeesPaid
	out.InterestPaid = min64(remaining, pos.InterestAccrued)
	remaining -= out.InterestPaid
	out.PrincipalPaid = min64(remaining, pos.Principal)
	remaining -= out.PrincipalPaid
	out.Surplus = remaining

	pos.Fees -= out.FeesPaid
	pos.InterestAccrued -= out.InterestPaid
	pos.Principal -= out.PrincipalPaid
	if err := m.putPositionTx(tx, lineID, pos); err != nil {
		return nil, err
	}

	if out.Surplus > 0 {
		if _, err := m.ledger.CreditTx(tx, line.Borrower, out.Surplus, "liquidation_surplus", lineID); err != nil {
			return nil, err
		}
	}

	now := m.now()
	if _, err := tx.Exec(
		`UPDATE margin_calls SET status = ?, updated_at = ? WHERE id = ?`,
		MarginLiquidated, now, callID,
	); err != nil {
		return nil, fmt.Errorf("update margin call: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE credit_lines SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusLiquidated), now, lineID,
	); err != nil {
		return nil, fmt.Errorf("update credit line: %w", err)
	}

	detail, err := json.Marshal(struct {
		LiquidationResult
		Applied repayDetail `json:"applied"`
	}{
		LiquidationResult: *out,
		Applied: repayDetail{
			Principal: out.PrincipalPaid,
			Interest:  out.InterestPaid,
			Fees:      out.FeesPaid,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("liquidate: marshal detail: %w", err)
	}
	if err := m.appendEventTx(tx, lineID, EventLiquidate, proceeds, "", string(detail)); err != nil {
		return nil, err
	}
	return out, nil
}

// Exposure returns exposure, locked collateral, and the required floor
// for a line. Used by callers deciding whether to issue a margin call.
func (m *Manager) Exposure(ctx context.Context, lineID string) (exposure, locked, required int64, err error) {
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		line, err := m.getLineTx(tx, lineID)
		if err != nil {
			return err
		}
		pos, err := m.getPositionTx(tx, lineID)
		if err != nil {
			return err
		}
		exposure = pos.Principal + pos.InterestAccrued + pos.Fees
		locked, err = m.lockedCollateralTx(tx, lineID)
		if err != nil {
			return err
		}
		required = exposure * line.MinCollateralRatioBps / 10000
		return nil
	})
	return exposure, locked, required, err
}

func (m *Manager) lockedCollateralTx(tx *sql.Tx, lineID string) (int64, error) {
	var total int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM collateral_locks WHERE credit_line_id = ? AND status = ?
	`, lineID, CollLocked).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum collateral: %w", err)
	}
	return total, nil
}

func (m *Manager) requiredCollateralTx(tx *sql.Tx, line *Line) (int64, error) {
	pos, err := m.getPositionTx(tx, line.ID)
	if err != nil {
		return 0, err
	}
	exposure := pos.Principal + pos.InterestAccrued + pos.Fees
	return exposure * line.MinCollateralRatioBps / 10000, nil
}

func (m *Manager) getMarginCallTx(tx *sql.Tx, callID string) (*MarginCall, error) {
	var call MarginCall
	err := tx.QueryRow(`
		SELECT id, credit_line_id, status, required_amount, due_ts, created_at, updated_at
		FROM margin_calls WHERE id = ?
	`, callID).Scan(&call.ID, &call.LineID, &call.Status, &call.RequiredAmount,
		&call.DueTS, &call.CreatedAt, &call.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("margin call %s not found", callID)
	}
	if err != nil {
		return nil, fmt.Errorf("read margin call: %w", err)
	}
	return &call, nil
}

func (m *Manager) openMarginCallTx(tx *sql.Tx, lineID string) (*MarginCall, error) {
	var call MarginCall
	err := tx.QueryRow(`
		SELECT id, credit_line_id, status, required_amount, due_ts, created_at, updated_at
		FROM margin_calls WHERE credit_line_id = ? AND status IN (?, ?)
	`, lineID, MarginPending, MarginEscalated).Scan(&call.ID, &call.LineID, &call.Status,
		&call.RequiredAmount, &call.DueTS, &call.CreatedAt, &call.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read margin call: %w", err)
	}
	return &call, nil
}
