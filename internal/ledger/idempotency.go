package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// DefaultIdempotencyTTL is how long a stored response stays replayable.
const DefaultIdempotencyTTL int64 = 24 * 60 * 60 // seconds

// StoredResponse is a previously produced result held under an
// idempotency key.
type StoredResponse struct {
	Operation string
	Response  string
}

// LookupKey returns the stored response for a request hash, if any.
// Expired keys are treated as absent and removed lazily - there is no
// background sweeper, the window rotator is the only periodic task.
func (l *Ledger) LookupKey(ctx context.Context, requestHash string) (*StoredResponse, error) {
	var resp StoredResponse
	var expiresAt int64
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT operation, response, expires_at
		FROM idempotency_keys
		WHERE request_hash = ?
	`, requestHash).Scan(&resp.Operation, &resp.Response, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	if expiresAt <= l.now() {
		if _, err := l.store.DB().ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE request_hash = ?`, requestHash,
		); err != nil {
			return nil, fmt.Errorf("expire idempotency key: %w", err)
		}
		return nil, nil
	}

	return &resp, nil
}

// InsertKeyTx claims a request hash inside a caller-owned transaction,
// storing the serialized response. Returns inserted=false when the hash
// is already claimed; the caller should roll back its mutations and
// replay the stored response instead.
//
// Running the claim in the same transaction as the operation's side
// effects means a retry either sees the full result or none of it -
// never a half-applied operation.
func (l *Ledger) InsertKeyTx(tx *sql.Tx, requestHash, operation, response string, ttlSecs int64) (bool, error) {
	if requestHash == "" {
		return false, fmt.Errorf("insert idempotency key: field request_hash: missing")
	}
	if ttlSecs <= 0 {
		ttlSecs = DefaultIdempotencyTTL
	}

	now := l.now()
	result, err := tx.Exec(`
		INSERT INTO idempotency_keys (request_hash, operation, response, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(request_hash) DO NOTHING
	`, requestHash, operation, response, now, now+ttlSecs)
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert idempotency key: rows affected: %w", err)
	}
	return rows > 0, nil
}
