package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Events returns the full credit event log for a line, oldest first.
func (m *Manager) Events(ctx context.Context, lineID string) ([]Event, error) {
	var events []Event
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		events, err = m.eventsTx(tx, lineID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (m *Manager) eventsTx(tx *sql.Tx, lineID string) ([]Event, error) {
	rows, err := tx.Query(`
		SELECT id, credit_line_id, event_type, amount, COALESCE(window_id, ''), detail, created_at
		FROM credit_events WHERE credit_line_id = ? ORDER BY created_at, id
	`, lineID)
	if err != nil {
		return nil, fmt.Errorf("read credit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.LineID, &typ, &e.Amount, &e.WindowID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit event: %w", err)
		}
		e.Type = EventType(typ)
		events = append(events, e)
	}
	return events, rows.Err()
}

// FoldPosition replays the event log into a position from scratch.
// This is the source of truth the stored position must agree with.
func FoldPosition(events []Event) (*Position, error) {
	pos := &Position{}
	for _, e := range events {
		switch e.Type {
		case EventDraw:
			pos.Principal += e.Amount
		case EventAccrue:
			pos.InterestAccrued += e.Amount
		case EventFee:
			pos.Fees += e.Amount
		case EventRepay:
			var d repayDetail
			if err := json.Unmarshal([]byte(e.Detail), &d); err != nil {
				return nil, fmt.Errorf("fold: event %s: decode repay detail: %w", e.ID, err)
			}
			pos.Principal -= d.Principal
			pos.InterestAccrued -= d.Interest
			pos.Fees -= d.Fees
		case EventLiquidate:
			var d struct {
				Applied repayDetail `json:"applied"`
			}
			if err := json.Unmarshal([]byte(e.Detail), &d); err != nil {
				return nil, fmt.Errorf("fold: event %s: decode liquidate detail: %w", e.ID, err)
			}
			pos.Principal -= d.Applied.Principal
			pos.InterestAccrued -= d.Applied.Interest
			pos.Fees -= d.Applied.Fees
		case EventOpen, EventUpdate, EventClose,
			EventMarginCall, EventMarginResolve,
			EventCollLock, EventCollUnlock:
			// No position effect.
		default:
			return nil, fmt.Errorf("fold: event %s: unknown type %q", e.ID, e.Type)
		}
		if pos.Principal < 0 || pos.InterestAccrued < 0 || pos.Fees < 0 {
			return nil, fmt.Errorf("fold: event %s drives position negative", e.ID)
		}
	}
	return pos, nil
}

// CheckConsistency refolds the event log and compares against the stored
// position. A mismatch means the store was mutated outside the manager.
func (m *Manager) CheckConsistency(ctx context.Context, lineID string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		stored, err := m.getPositionTx(tx, lineID)
		if err != nil {
			return err
		}
		events, err := m.eventsTx(tx, lineID)
		if err != nil {
			return err
		}
		folded, err := FoldPosition(events)
		if err != nil {
			return err
		}
		if *stored != *folded {
			return fmt.Errorf("position mismatch for line %s: stored %+v, replayed %+v", lineID, *stored, *folded)
		}
		return nil
	})
}
