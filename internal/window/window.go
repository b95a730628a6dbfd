// Package window implements netting window (epoch) rotation and
// inclusion proofs. Exactly one window is open at any time; receipt
// hashes submitted while it is open become its leaves. Rotation computes
// a deterministic root over the sorted leaf set, closes the window, and
// opens the successor in the same transaction.
package window

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/store"
)

// Window lifecycle states.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Window is a netting epoch.
type Window struct {
	ID        string
	StartTS   int64
	EndTS     *int64
	RootHash  string
	LeafCount int64
	Status    string
}

// Proof is the evidence that a leaf was included in a closed window:
// the leaf, its position among the window's sorted leaves, the leaf
// count, and the window root. An independent party holding the window's
// leaf set can recompute the root from these alone.
type Proof struct {
	WindowID  string `json:"window_id"`
	LeafHash  string `json:"leaf_hash"`
	Position  int64  `json:"position"`
	LeafCount int64  `json:"leaf_count"`
	RootHash  string `json:"root_hash"`
}

// Manager operates windows on the store.
type Manager struct {
	store *store.Store
	now   func() int64
}

// NewManager creates a window manager.
func NewManager(s *store.Store) *Manager {
	return &Manager{
		store: s,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// WithNow overrides the clock. Used in tests.
func (m *Manager) WithNow(now func() int64) *Manager {
	m.now = now
	return m
}

// Head returns the current open window, creating one if none exists.
func (m *Manager) Head(ctx context.Context) (*Window, error) {
	var w *Window
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = m.ensureOpenTx(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns a window by id.
func (m *Manager) Get(ctx context.Context, windowID string) (*Window, error) {
	var w *Window
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = m.getTx(tx, windowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Submit adds a leaf hash to the open window. Resubmitting an existing
// leaf is a no-op returning the same window id.
func (m *Manager) Submit(ctx context.Context, leafHash string) (string, error) {
	var windowID string
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		windowID, err = m.SubmitTx(tx, leafHash)
		return err
	})
	if err != nil {
		return "", err
	}
	return windowID, nil
}

// SubmitTx is Submit inside an existing transaction, so callers can make
// leaf submission atomic with the operation that produced the leaf.
func (m *Manager) SubmitTx(tx *sql.Tx, leafHash string) (string, error) {
	if !canonical.IsHash(leafHash) {
		return "", fmt.Errorf("submit leaf: field leaf_hash: malformed hash")
	}

	w, err := m.ensureOpenTx(tx)
	if err != nil {
		return "", err
	}

	result, err := tx.Exec(`
		INSERT INTO window_leaves (window_id, leaf_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(window_id, leaf_hash) DO NOTHING
	`, w.ID, leafHash, m.now())
	if err != nil {
		return "", fmt.Errorf("submit leaf: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("submit leaf: rows affected: %w", err)
	}
	if rows == 1 {
		if _, err := tx.Exec(
			`UPDATE windows SET leaf_count = leaf_count + 1 WHERE window_id = ?`, w.ID,
		); err != nil {
			return "", fmt.Errorf("submit leaf: bump count: %w", err)
		}
	}
	return w.ID, nil
}

// Rotate closes the open window and opens its successor atomically:
// root over the sorted leaf set, end timestamp, closed status, then a
// fresh open window so there is never a gap.
func (m *Manager) Rotate(ctx context.Context) (closed, next *Window, err error) {
	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		w, err := m.ensureOpenTx(tx)
		if err != nil {
			return err
		}

		leaves, err := m.leavesTx(tx, w.ID)
		if err != nil {
			return err
		}
		root := ComputeRoot(leaves)

		now := m.now()
		if _, err := tx.Exec(`
			UPDATE windows SET status = ?, end_ts = ?, root_hash = ?, leaf_count = ?
			WHERE window_id = ?
		`, StatusClosed, now, root, int64(len(leaves)), w.ID); err != nil {
			return fmt.Errorf("close window: %w", err)
		}

		w.Status = StatusClosed
		w.EndTS = &now
		w.RootHash = root
		w.LeafCount = int64(len(leaves))
		closed = w

		next, err = m.openTx(tx, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return closed, next, nil
}

// Proof produces an inclusion proof for a leaf in a closed window.
func (m *Manager) Proof(ctx context.Context, windowID, leafHash string) (*Proof, error) {
	var p *Proof
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		w, err := m.getTx(tx, windowID)
		if err != nil {
			return err
		}
		if w.Status != StatusClosed {
			return fmt.Errorf("proof: window %s is still open", windowID)
		}

		leaves, err := m.leavesTx(tx, windowID)
		if err != nil {
			return err
		}
		pos := sort.SearchStrings(leaves, leafHash)
		if pos >= len(leaves) || leaves[pos] != leafHash {
			return fmt.Errorf("proof: leaf %s not in window %s", leafHash, windowID)
		}

		p = &Proof{
			WindowID:  windowID,
			LeafHash:  leafHash,
			Position:  int64(pos),
			LeafCount: w.LeafCount,
			RootHash:  w.RootHash,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// VerifyProof checks a proof against the window's stored leaf set:
// the leaf sits at the claimed position of the sorted set, the counts
// agree, and the recomputed root matches both the proof and the window.
func (m *Manager) VerifyProof(ctx context.Context, p *Proof) error {
	if p == nil {
		return fmt.Errorf("verify proof: nil proof")
	}
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		w, err := m.getTx(tx, p.WindowID)
		if err != nil {
			return err
		}
		leaves, err := m.leavesTx(tx, p.WindowID)
		if err != nil {
			return err
		}
		return CheckProof(p, leaves, w.RootHash)
	})
}

// CheckProof verifies a proof against a full leaf set and an expected
// root, without touching storage. The leaf set may arrive in any order.
func CheckProof(p *Proof, leaves []string, expectedRoot string) error {
	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)

	if int64(len(sorted)) != p.LeafCount {
		return fmt.Errorf("verify proof: leaf count mismatch: got %d, want %d", len(sorted), p.LeafCount)
	}
	if p.Position < 0 || p.Position >= int64(len(sorted)) {
		return fmt.Errorf("verify proof: position %d out of range", p.Position)
	}
	if sorted[p.Position] != p.LeafHash {
		return fmt.Errorf("verify proof: leaf %s not at position %d", p.LeafHash, p.Position)
	}

	root := ComputeRoot(sorted)
	if root != p.RootHash {
		return fmt.Errorf("verify proof: root mismatch")
	}
	if expectedRoot != "" && root != expectedRoot {
		return fmt.Errorf("verify proof: root does not match window")
	}
	return nil
}

// ComputeRoot hashes the sorted concatenation of leaf hashes under the
// window domain. Sorting makes the root independent of submission order.
func ComputeRoot(leaves []string) string {
	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)

	data := make([]byte, 0, len(sorted)*2*canonical.HashSize)
	for _, leaf := range sorted {
		data = append(data, leaf...)
	}
	return canonical.Sum(canonical.DomainWindow, data)
}

// Leaves returns a window's leaf set, sorted.
func (m *Manager) Leaves(ctx context.Context, windowID string) ([]string, error) {
	var leaves []string
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		leaves, err = m.leavesTx(tx, windowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return leaves, nil
}

// --- transaction-scoped helpers ---

// ensureOpenTx returns the open window, creating the first one lazily.
// The partial unique index on windows(status) makes the create race-free:
// a concurrent creator wins and we re-read.
func (m *Manager) ensureOpenTx(tx *sql.Tx) (*Window, error) {
	w, err := m.openWindowTx(tx)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}
	return m.openTx(tx, m.now())
}

func (m *Manager) openTx(tx *sql.Tx, startTS int64) (*Window, error) {
	w := &Window{
		ID:      uuid.Must(uuid.NewV7()).String(),
		StartTS: startTS,
		Status:  StatusOpen,
	}
	_, err := tx.Exec(`
		INSERT INTO windows (window_id, start_ts, status) VALUES (?, ?, ?)
		ON CONFLICT(status) WHERE status = 'open' DO NOTHING
	`, w.ID, w.StartTS, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("open window: %w", err)
	}

	// Either our insert landed or another open window already exists;
	// the re-read covers both.
	got, err := m.openWindowTx(tx)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, fmt.Errorf("open window: no open window after insert")
	}
	return got, nil
}

func (m *Manager) openWindowTx(tx *sql.Tx) (*Window, error) {
	w, err := scanWindow(tx.QueryRow(`
		SELECT window_id, start_ts, end_ts, COALESCE(root_hash, ''), leaf_count, status
		FROM windows WHERE status = ?
	`, StatusOpen))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (m *Manager) getTx(tx *sql.Tx, windowID string) (*Window, error) {
	w, err := scanWindow(tx.QueryRow(`
		SELECT window_id, start_ts, end_ts, COALESCE(root_hash, ''), leaf_count, status
		FROM windows WHERE window_id = ?
	`, windowID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("window %s not found", windowID)
	}
	return w, err
}

func scanWindow(row *sql.Row) (*Window, error) {
	var w Window
	if err := row.Scan(&w.ID, &w.StartTS, &w.EndTS, &w.RootHash, &w.LeafCount, &w.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan window: %w", err)
	}
	return &w, nil
}

func (m *Manager) leavesTx(tx *sql.Tx, windowID string) ([]string, error) {
	rows, err := tx.Query(`
		SELECT leaf_hash FROM window_leaves WHERE window_id = ? ORDER BY leaf_hash
	`, windowID)
	if err != nil {
		return nil, fmt.Errorf("read leaves: %w", err)
	}
	defer rows.Close()

	var leaves []string
	for rows.Next() {
		var leaf string
		if err := rows.Scan(&leaf); err != nil {
			return nil, fmt.Errorf("scan leaf: %w", err)
		}
		leaves = append(leaves, leaf)
	}
	return leaves, rows.Err()
}
