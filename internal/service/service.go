// Package service wires the clearing engine together: the ledger, the
// credit line manager, the netting engine, the default resolver, and the
// window rotation, all behind one struct holding the authority keypair
// and the operator policy.
//
// Mutating operations are idempotency-scoped on a caller-supplied
// request hash. The claim happens inside the same transaction as the
// side effects: when the claim conflicts the whole transaction unwinds
// and the stored response from the first execution is replayed.
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/keelclear/keel/internal/canonical"
	"github.com/keelclear/keel/internal/config"
	"github.com/keelclear/keel/internal/credit"
	"github.com/keelclear/keel/internal/ledger"
	"github.com/keelclear/keel/internal/sig"
	"github.com/keelclear/keel/internal/store"
	"github.com/keelclear/keel/internal/window"
)

// Service is the clearing engine facade.
type Service struct {
	store     *store.Store
	ledger    *ledger.Ledger
	credit    *credit.Manager
	windows   *window.Manager
	authority *sig.KeyPair
	policy    config.Policy
	logger    *slog.Logger
	now       func() int64
}

// New assembles a service over an open store.
func New(s *store.Store, authority *sig.KeyPair, policy config.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	l := ledger.New(s)
	return &Service{
		store:     s,
		ledger:    l,
		credit:    credit.NewManager(s, l).WithDayCount(policy.AccrualDayCount),
		windows:   window.NewManager(s),
		authority: authority,
		policy:    policy,
		logger:    logger,
		now:       func() int64 { return time.Now().Unix() },
	}
}

// WithNow replaces the time source of the service and every component
// under it. Used by tests and the scenario harness for deterministic
// timestamps.
func (s *Service) WithNow(now func() int64) *Service {
	s.now = now
	s.ledger.WithNow(now)
	s.credit.WithNow(now)
	s.windows.WithNow(now)
	return s
}

// Ledger exposes the underlying ledger for read paths and audits.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Credit exposes the underlying credit line manager for read paths.
func (s *Service) Credit() *credit.Manager { return s.credit }

// Windows exposes the underlying window manager.
func (s *Service) Windows() *window.Manager { return s.windows }

// AuthorityPublicHex returns the clearing authority's public key.
func (s *Service) AuthorityPublicHex() string { return s.authority.PublicHex }

// Policy returns the active policy.
func (s *Service) Policy() config.Policy { return s.policy }

// NewRotator builds the background window rotator from the policy's
// rotation interval.
func (s *Service) NewRotator() *window.Rotator {
	interval := time.Duration(s.policy.RotationIntervalSecs) * time.Second
	return window.NewRotator(s.windows, interval, s.logger)
}

// RequestHash derives a request fingerprint for idempotency scoping.
// Callers with a natural external key (a payment confirmation reference,
// a client request id) hash it through here.
func RequestHash(parts ...string) string {
	return canonical.Sum(canonical.DomainRequest, []byte(strings.Join(parts, "\x00")))
}

// errIdemReplay unwinds a transaction whose idempotency claim lost to a
// prior execution; the caller replays the stored response instead.
var errIdemReplay = errors.New("idempotency replay")

// withIdempotency runs fn in one transaction and claims requestHash in
// that same transaction, storing fn's serialized response. A conflicting
// claim rolls everything back and returns the response stored by the
// first execution, decoded into out.
//
// An empty requestHash skips the idempotency machinery entirely.
func (s *Service) withIdempotency(ctx context.Context, requestHash, operation string, out any, fn func(tx *sql.Tx) (any, error)) error {
	// Fast path: a completed prior execution replays without re-entering
	// the transaction. The in-transaction claim below still guards the
	// race where two executions start before either stores a key.
	if requestHash != "" {
		stored, err := s.ledger.LookupKey(ctx, requestHash)
		if err != nil {
			return err
		}
		if stored != nil {
			return s.replayStored(stored, requestHash, operation, out)
		}
	}

	var result any
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = fn(tx)
		if err != nil {
			return err
		}
		if requestHash == "" {
			return nil
		}
		response, err := json.Marshal(result)
		if err != nil {
			return integrity("encode response: %v", err)
		}
		inserted, err := s.ledger.InsertKeyTx(tx, requestHash, operation, string(response), s.policy.IdempotencyTTLSecs)
		if err != nil {
			return err
		}
		if !inserted {
			return errIdemReplay
		}
		return nil
	})
	if errors.Is(err, errIdemReplay) {
		return s.replay(ctx, requestHash, operation, out)
	}
	if err != nil {
		return err
	}
	if out != nil {
		// Round-trip through JSON so fresh and replayed responses have
		// identical shape.
		response, merr := json.Marshal(result)
		if merr != nil {
			return integrity("encode response: %v", merr)
		}
		return json.Unmarshal(response, out)
	}
	return nil
}

// replay returns the response stored by the first execution of
// requestHash. A hash reused across different operations is a conflict.
func (s *Service) replay(ctx context.Context, requestHash, operation string, out any) error {
	stored, err := s.ledger.LookupKey(ctx, requestHash)
	if err != nil {
		return err
	}
	if stored == nil {
		return conflict("request %s raced an expiring idempotency key, retry", requestHash)
	}
	return s.replayStored(stored, requestHash, operation, out)
}

// replayStored decodes a stored idempotency response. A hash reused
// across different operations is a conflict.
func (s *Service) replayStored(stored *ledger.StoredResponse, requestHash, operation string, out any) error {
	if stored.Operation != operation {
		return conflict("request hash %s was used for %s", requestHash, stored.Operation)
	}
	s.logger.Debug("idempotent replay", "operation", operation, "request_hash", requestHash)
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(stored.Response), out)
}

// LedgerCredit funds an agent's balance from a confirmed external
// payment. Idempotent on the payment reference: the same confirmation
// delivered twice credits once.
func (s *Service) LedgerCredit(ctx context.Context, agentID string, amount int64, reference string) (int64, error) {
	if agentID == "" {
		return 0, invalidField("agent_id", "missing")
	}
	if amount <= 0 {
		return 0, invalidField("amount", "must be positive, got %d", amount)
	}
	if reference == "" {
		return 0, invalidField("reference", "missing")
	}

	requestHash := RequestHash("ledger.credit", agentID, reference)
	var balance int64
	err := s.withIdempotency(ctx, requestHash, "ledger.credit", &balance, func(tx *sql.Tx) (any, error) {
		return s.ledger.CreditTx(tx, agentID, amount, "external_payment", reference)
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns an agent's current balance.
func (s *Service) Balance(ctx context.Context, agentID string) (int64, error) {
	return s.ledger.Balance(ctx, agentID)
}
