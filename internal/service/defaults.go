package service

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/keelclear/keel/internal/resolution"
)

// DefaultTrigger triggers a default case signed by the authority acting
// as arbiter and persists it. Idempotent on requestHash; the underlying
// default_id is itself content-addressed, so re-triggering the same
// snapshot stores one case.
func (s *Service) DefaultTrigger(ctx context.Context, in resolution.TriggerInput, requestHash string) (*resolution.Case, error) {
	if in.Timestamp == 0 {
		in.Timestamp = s.now()
	}
	c, err := resolution.TriggerCase(in, s.authority.Private)
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidField, Message: err.Error()}
	}

	out := &resolution.Case{}
	err = s.withIdempotency(ctx, requestHash, "default.trigger", out, func(tx *sql.Tx) (any, error) {
		payload, err := json.Marshal(c)
		if err != nil {
			return nil, integrity("encode default case: %v", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO default_cases (default_id, defaulting_agent, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(default_id) DO NOTHING
		`, c.DefaultID, c.DefaultingAgent, string(payload), s.now()); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("default triggered",
		"default_id", c.DefaultID,
		"agent", c.DefaultingAgent,
		"method", string(c.Plan.Method),
		"recovery_bps", c.RecoveryRateBps,
	)
	return out, nil
}

// DefaultResolve closes out a stored default case with actual final
// distributions, persisting the signed resolution next to the original.
// Resolving an already-resolved case is a conflict. Idempotent on
// requestHash.
func (s *Service) DefaultResolve(ctx context.Context, defaultID string, final []resolution.Distribution, requestHash string) (*resolution.Resolution, error) {
	out := &resolution.Resolution{}
	err := s.withIdempotency(ctx, requestHash, "default.resolve", out, func(tx *sql.Tx) (any, error) {
		var casePayload string
		var resolutionPayload sql.NullString
		err := tx.QueryRow(
			`SELECT payload, resolution_payload FROM default_cases WHERE default_id = ?`, defaultID,
		).Scan(&casePayload, &resolutionPayload)
		if err == sql.ErrNoRows {
			return nil, notFound("default case %s not found", defaultID)
		}
		if err != nil {
			return nil, err
		}
		if resolutionPayload.Valid {
			return nil, conflict("default case %s is already resolved", defaultID)
		}

		var original resolution.Case
		if err := json.Unmarshal([]byte(casePayload), &original); err != nil {
			return nil, integrity("decode default case %s: %v", defaultID, err)
		}

		r, err := resolution.Resolve(&original, final, s.authority.Private)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidField, Message: err.Error()}
		}

		payload, err := json.Marshal(r)
		if err != nil {
			return nil, integrity("encode resolution: %v", err)
		}
		result, err := tx.Exec(`
			UPDATE default_cases SET resolution_payload = ?, resolved_at = ?
			WHERE default_id = ? AND resolution_payload IS NULL
		`, string(payload), s.now(), defaultID)
		if err != nil {
			return nil, err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			// Lost a race with a concurrent resolver.
			return nil, conflict("default case %s is already resolved", defaultID)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("default resolved",
		"default_id", defaultID,
		"recovery_bps", out.RecoveryRateBps,
	)
	return out, nil
}

// DefaultCase returns a stored default case and, when resolved, its
// resolution.
func (s *Service) DefaultCase(ctx context.Context, defaultID string) (*resolution.Case, *resolution.Resolution, error) {
	var casePayload string
	var resolutionPayload sql.NullString
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(
			`SELECT payload, resolution_payload FROM default_cases WHERE default_id = ?`, defaultID,
		).Scan(&casePayload, &resolutionPayload)
	})
	if err == sql.ErrNoRows {
		return nil, nil, notFound("default case %s not found", defaultID)
	}
	if err != nil {
		return nil, nil, err
	}

	var c resolution.Case
	if err := json.Unmarshal([]byte(casePayload), &c); err != nil {
		return nil, nil, integrity("decode default case %s: %v", defaultID, err)
	}
	if !resolutionPayload.Valid {
		return &c, nil, nil
	}
	var r resolution.Resolution
	if err := json.Unmarshal([]byte(resolutionPayload.String), &r); err != nil {
		return nil, nil, integrity("decode resolution for %s: %v", defaultID, err)
	}
	return &c, &r, nil
}

// Cascade runs the runway early-warning walk. Read-only; see
// resolution.Cascade.
func (s *Service) Cascade(in resolution.CascadeInput) []string {
	return resolution.Cascade(in)
}
