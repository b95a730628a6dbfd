package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/keelclear/keel/internal/ledger"
	"github.com/keelclear/keel/internal/netting"
	"github.com/keelclear/keel/internal/receipt"
)

// NetResult is the response of Net: the signed netting plus the fee the
// caller was charged.
type NetResult struct {
	Result *netting.Result `json:"result"`
	Fee    int64           `json:"fee"`
}

// Net runs the netting engine over a receipt batch, charges the caller
// the netting fee, submits the included receipt hashes to the open
// window, and persists the signed result, all in one transaction.
// Idempotent on requestHash.
//
// The fee is fee_bps of total net volume, floored at min_fee. A caller
// who cannot cover it gets ErrCodeInsufficientCredit with the required
// amount and current balance; nothing is signed or persisted.
func (s *Service) Net(ctx context.Context, callerID string, receipts []*receipt.Receipt, epochID, requestHash string) (*NetResult, error) {
	if callerID == "" {
		return nil, invalidField("caller_id", "missing")
	}
	if epochID == "" {
		return nil, invalidField("epoch_id", "missing")
	}
	if len(receipts) == 0 {
		return nil, invalidField("receipts", "empty batch")
	}

	// The engine itself is pure; run it before touching any state.
	result, err := netting.Net(epochID, receipts, s.authority.Private)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidField, Field: "receipts", Message: err.Error()}
	}

	fee := s.policy.FeeBps * netting.NetVolume(result) / 10000
	if fee < s.policy.MinFee {
		fee = s.policy.MinFee
	}

	out := &NetResult{}
	err = s.withIdempotency(ctx, requestHash, "net", out, func(tx *sql.Tx) (any, error) {
		if fee > 0 {
			if _, err := s.ledger.DebitTx(tx, callerID, fee, "netting_fee", result.NettingHash); err != nil {
				var insufficient *ledger.InsufficientFundsError
				if errors.As(err, &insufficient) {
					return nil, &Error{
						Code:     ErrCodeInsufficientCredit,
						Message:  "netting fee for " + callerID,
						Required: insufficient.Required,
						Balance:  insufficient.Balance,
					}
				}
				return nil, err
			}
		}

		for _, hash := range result.IncludedReceiptHashes {
			if _, err := s.windows.SubmitTx(tx, hash); err != nil {
				return nil, err
			}
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, integrity("encode netting: %v", err)
		}
		// Same batch netted twice under different request hashes still
		// produces one stored record: the netting hash is the identity.
		if _, err := tx.Exec(`
			INSERT INTO nettings (netting_hash, epoch_id, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(netting_hash) DO NOTHING
		`, result.NettingHash, result.EpochID, string(payload), s.now()); err != nil {
			return nil, err
		}

		return &NetResult{Result: result, Fee: fee}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("netting signed",
		"epoch", epochID,
		"caller", callerID,
		"receipts", len(result.IncludedReceiptHashes),
		"obligations", len(result.NetObligations),
		"fee", out.Fee,
	)
	return out, nil
}

// Netting returns a previously persisted netting result by hash.
func (s *Service) Netting(ctx context.Context, nettingHash string) (*netting.Result, error) {
	var payload string
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(
			`SELECT payload FROM nettings WHERE netting_hash = ?`, nettingHash,
		).Scan(&payload)
	})
	if err == sql.ErrNoRows {
		return nil, notFound("netting %s not found", nettingHash)
	}
	if err != nil {
		return nil, err
	}
	var result netting.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, integrity("decode stored netting %s: %v", nettingHash, err)
	}
	return &result, nil
}
