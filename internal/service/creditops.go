package service

import (
	"context"
	"database/sql"

	"github.com/keelclear/keel/internal/credit"
)

// CreditOpenInput carries the fields for opening a credit line through
// the service. A zero MinCollateralRatioBps takes the policy default.
type CreditOpenInput struct {
	Borrower              string `json:"borrower"`
	Lender                string `json:"lender"`
	Limit                 int64  `json:"limit"`
	SpreadBps             int64  `json:"spread_bps"`
	Maturity              *int64 `json:"maturity,omitempty"`
	MinCollateralRatioBps int64  `json:"min_collateral_ratio_bps"`
}

// CreditOpen opens a credit line. Idempotent on requestHash.
func (s *Service) CreditOpen(ctx context.Context, in CreditOpenInput, requestHash string) (*credit.Line, error) {
	if in.MinCollateralRatioBps == 0 {
		in.MinCollateralRatioBps = s.policy.DefaultMinCollateralRatioBps
	}
	out := &credit.Line{}
	err := s.withIdempotency(ctx, requestHash, "credit.open", out, func(tx *sql.Tx) (any, error) {
		return s.credit.OpenTx(tx, credit.OpenInput{
			Borrower:              in.Borrower,
			Lender:                in.Lender,
			Limit:                 in.Limit,
			SpreadBps:             in.SpreadBps,
			Maturity:              in.Maturity,
			MinCollateralRatioBps: in.MinCollateralRatioBps,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditDraw draws against a line, crediting the borrower's balance.
// Idempotent on requestHash: a retried draw moves money once.
func (s *Service) CreditDraw(ctx context.Context, lineID string, amount int64, requestHash string) (*credit.Position, error) {
	out := &credit.Position{}
	err := s.withIdempotency(ctx, requestHash, "credit.draw", out, func(tx *sql.Tx) (any, error) {
		return s.credit.DrawTx(tx, lineID, amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditRepay applies a repayment. Idempotent on requestHash.
func (s *Service) CreditRepay(ctx context.Context, lineID string, principal, interest, fees int64, requestHash string) (*credit.Position, error) {
	out := &credit.Position{}
	err := s.withIdempotency(ctx, requestHash, "credit.repay", out, func(tx *sql.Tx) (any, error) {
		return s.credit.RepayTx(tx, lineID, principal, interest, fees)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AccrueResult reports one accrual.
type AccrueResult struct {
	Accrued int64 `json:"accrued"`
	Applied bool  `json:"applied"`
}

// CreditAccrue accrues one window's interest. Doubly idempotent: the
// request hash replays the stored response, and the (line, window)
// constraint turns a fresh re-request for the same window into a no-op.
func (s *Service) CreditAccrue(ctx context.Context, lineID, windowID string, days int64, requestHash string) (*AccrueResult, error) {
	if windowID == "" {
		return nil, invalidField("window_id", "missing")
	}
	out := &AccrueResult{}
	err := s.withIdempotency(ctx, requestHash, "credit.accrue", out, func(tx *sql.Tx) (any, error) {
		accrued, applied, err := s.credit.AccrueInterestTx(tx, lineID, windowID, days)
		if err != nil {
			return nil, err
		}
		return &AccrueResult{Accrued: accrued, Applied: applied}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditFee applies a fee to a line. Idempotent on requestHash.
func (s *Service) CreditFee(ctx context.Context, lineID, feeType string, amount int64, reason, requestHash string) (*credit.Position, error) {
	out := &credit.Position{}
	err := s.withIdempotency(ctx, requestHash, "credit.fee", out, func(tx *sql.Tx) (any, error) {
		return s.credit.ApplyFeeTx(tx, lineID, feeType, amount, reason)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Margin call actions.
const (
	MarginActionIssue    = "issue"
	MarginActionResolve  = "resolve"
	MarginActionEscalate = "escalate"
)

// MarginCallInput selects a margin call action. Issue needs LineID and
// DueTS; resolve and escalate need CallID.
type MarginCallInput struct {
	Action string `json:"action"`
	LineID string `json:"line_id,omitempty"`
	CallID string `json:"call_id,omitempty"`
	DueTS  int64  `json:"due_ts,omitempty"`
}

// CreditMarginCall issues, resolves, or escalates a margin call.
// Idempotent on requestHash. Resolve and escalate return nil.
func (s *Service) CreditMarginCall(ctx context.Context, in MarginCallInput, requestHash string) (*credit.MarginCall, error) {
	switch in.Action {
	case MarginActionIssue:
		out := &credit.MarginCall{}
		err := s.withIdempotency(ctx, requestHash, "credit.margin_call", out, func(tx *sql.Tx) (any, error) {
			return s.credit.IssueMarginCallTx(tx, in.LineID, in.DueTS)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case MarginActionResolve:
		return nil, s.withIdempotency(ctx, requestHash, "credit.margin_call", nil, func(tx *sql.Tx) (any, error) {
			return nil, s.credit.ResolveMarginCallTx(tx, in.CallID)
		})
	case MarginActionEscalate:
		return nil, s.withIdempotency(ctx, requestHash, "credit.margin_call", nil, func(tx *sql.Tx) (any, error) {
			return nil, s.credit.EscalateMarginCallTx(tx, in.CallID)
		})
	default:
		return nil, invalidField("action", "unknown margin call action %q", in.Action)
	}
}

// CreditLockCollateral pledges collateral. Idempotent on requestHash.
func (s *Service) CreditLockCollateral(ctx context.Context, lineID, assetRef, assetType string, amount int64, requestHash string) (*credit.CollateralLock, error) {
	out := &credit.CollateralLock{}
	err := s.withIdempotency(ctx, requestHash, "credit.lock_collateral", out, func(tx *sql.Tx) (any, error) {
		return s.credit.LockCollateralTx(tx, lineID, assetRef, assetType, amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditUnlockCollateral releases a pledge. Idempotent on requestHash.
func (s *Service) CreditUnlockCollateral(ctx context.Context, lockID, requestHash string) error {
	return s.withIdempotency(ctx, requestHash, "credit.unlock_collateral", nil, func(tx *sql.Tx) (any, error) {
		return nil, s.credit.UnlockCollateralTx(tx, lockID)
	})
}

// CreditLiquidate liquidates a line with an escalated margin call.
// Idempotent on requestHash.
func (s *Service) CreditLiquidate(ctx context.Context, lineID, requestHash string) (*credit.LiquidationResult, error) {
	out := &credit.LiquidationResult{}
	err := s.withIdempotency(ctx, requestHash, "credit.liquidate", out, func(tx *sql.Tx) (any, error) {
		return s.credit.LiquidateTx(tx, lineID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreditClose closes a line with a zeroed position. Idempotent on
// requestHash.
func (s *Service) CreditClose(ctx context.Context, lineID, requestHash string) error {
	return s.withIdempotency(ctx, requestHash, "credit.close", nil, func(tx *sql.Tx) (any, error) {
		return nil, s.credit.CloseTx(tx, lineID)
	})
}
