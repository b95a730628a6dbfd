package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/keelclear/keel/internal/receipt"
	"github.com/keelclear/keel/internal/resolution"
	"github.com/keelclear/keel/internal/service"
	"github.com/keelclear/keel/internal/sig"
	"github.com/keelclear/keel/internal/testutil"
)

// TraceEvent records one executed step and its semantic outcome.
// Details carry amounts, statuses and obligations only; hashes and
// record ids are deliberately excluded so traces stay deterministic
// and golden files stay readable.
type TraceEvent struct {
	Seq    int            `json:"seq"`
	Op     string         `json:"op"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace contains one event per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty when Pass.
	Errors []string `json:"errors,omitempty"`
}

func newResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Runner executes scenarios against a service. Aliases registered by
// steps (credit lines, margin calls, default cases) resolve ids between
// steps without ids ever appearing in the trace.
type Runner struct {
	svc    *service.Service
	clock  *testutil.Clock
	signer *sig.KeyPair

	lines map[string]string
	calls map[string]string
	cases map[string]*resolution.Case

	pending []*receipt.Receipt
	seq     int
	name    string
}

// NewRunner wires a runner over a service. The clock must be the
// service's time source and the signer signs scenario receipts.
func NewRunner(svc *service.Service, clock *testutil.Clock, signer *sig.KeyPair) *Runner {
	return &Runner{
		svc:    svc,
		clock:  clock,
		signer: signer,
		lines:  map[string]string{},
		calls:  map[string]string{},
		cases:  map[string]*resolution.Case{},
	}
}

// Run executes the scenario's steps in order, then evaluates its
// assertions. A step failing in a way the scenario did not expect
// aborts the run with an error; assertion mismatches land in
// Result.Errors.
func (r *Runner) Run(ctx context.Context, s *Scenario) (*Result, error) {
	r.name = s.Name
	result := newResult()

	for i := range s.Steps {
		step := &s.Steps[i]
		r.seq++

		detail, err := r.execStep(ctx, step)
		if step.ExpectError != "" {
			code := serviceErrorCode(err)
			if code != step.ExpectError {
				return nil, fmt.Errorf("step %d (%s): expected error %s, got %v", r.seq, step.Op, step.ExpectError, err)
			}
			detail = map[string]any{"error": code}
		} else if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", r.seq, step.Op, err)
		}

		result.Trace = append(result.Trace, TraceEvent{Seq: r.seq, Op: step.Op, Detail: detail})
	}

	r.evalAssertions(ctx, s, result)
	return result, nil
}

func (r *Runner) execStep(ctx context.Context, step *Step) (map[string]any, error) {
	switch step.Op {
	case "fund":
		bal, err := r.svc.LedgerCredit(ctx, step.Agent, step.Amount, step.Reference)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agent": step.Agent, "balance": bal}, nil

	case "receipt":
		rec, err := receipt.Make(receipt.Input{
			Payer:        step.Payer,
			Payee:        step.Payee,
			ResourceType: orDefault(step.Resource, "compute"),
			Units:        1,
			UnitType:     "unit",
			Price:        step.Price,
			Timestamp:    r.clock.Now(),
			Nonce:        fmt.Sprintf("%s-%d", r.name, r.seq),
		}, r.signer.Private)
		if err != nil {
			return nil, err
		}
		r.pending = append(r.pending, rec)
		return map[string]any{"payer": step.Payer, "payee": step.Payee, "price": step.Price}, nil

	case "net":
		batch := r.pending
		r.pending = nil
		out, err := r.svc.Net(ctx, step.Caller, batch, step.Epoch, r.requestHash("net"))
		if err != nil {
			return nil, err
		}
		obligations := make([]map[string]any, 0, len(out.Result.NetObligations))
		for _, o := range out.Result.NetObligations {
			obligations = append(obligations, map[string]any{
				"from": o.From, "to": o.To, "amount": o.Amount,
			})
		}
		return map[string]any{
			"fee":          out.Fee,
			"receipts":     len(out.Result.IncludedReceiptHashes),
			"participants": out.Result.Participants,
			"obligations":  obligations,
		}, nil

	case "rotate":
		closed, _, err := r.svc.WindowRotate(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"leaves": closed.LeafCount}, nil

	case "advance":
		r.clock.Advance(step.Seconds)
		return map[string]any{"seconds": step.Seconds}, nil

	case "credit_open":
		line, err := r.svc.CreditOpen(ctx, service.CreditOpenInput{
			Borrower:              step.Borrower,
			Lender:                step.Lender,
			Limit:                 step.Limit,
			SpreadBps:             step.SpreadBps,
			MinCollateralRatioBps: step.RatioBps,
		}, r.requestHash("credit_open"))
		if err != nil {
			return nil, err
		}
		r.lines[step.As] = line.ID
		return map[string]any{"line": step.As, "status": string(line.Status)}, nil

	case "draw":
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		pos, err := r.svc.CreditDraw(ctx, lineID, step.Amount, r.requestHash("draw"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"line": step.Line, "principal": pos.Principal}, nil

	case "repay":
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		pos, err := r.svc.CreditRepay(ctx, lineID, step.Principal, step.Interest, step.Fees, r.requestHash("repay"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"line": step.Line, "principal": pos.Principal,
			"interest": pos.InterestAccrued, "fees": pos.Fees,
		}, nil

	case "accrue":
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		head, err := r.svc.WindowHead(ctx)
		if err != nil {
			return nil, err
		}
		out, err := r.svc.CreditAccrue(ctx, lineID, head.ID, step.Days, r.requestHash("accrue"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"line": step.Line, "accrued": out.Accrued, "applied": out.Applied}, nil

	case "lock":
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		lock, err := r.svc.CreditLockCollateral(ctx, lineID,
			orDefault(step.AssetRef, fmt.Sprintf("asset-%d", r.seq)),
			orDefault(step.AssetType, "generic"),
			step.Amount, r.requestHash("lock"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"line": step.Line, "amount": lock.Amount}, nil

	case "margin_call":
		return r.execMarginCall(ctx, step)

	case "liquidate":
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		out, err := r.svc.CreditLiquidate(ctx, lineID, r.requestHash("liquidate"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"line": step.Line, "proceeds": out.Proceeds,
			"fees_paid": out.FeesPaid, "interest_paid": out.InterestPaid,
			"principal_paid": out.PrincipalPaid, "surplus": out.Surplus,
		}, nil

	case "default_trigger":
		return r.execDefaultTrigger(ctx, step)

	case "default_resolve":
		c, ok := r.cases[step.Case]
		if !ok {
			return nil, fmt.Errorf("unknown case alias %q", step.Case)
		}
		final := make([]resolution.Distribution, 0, len(step.Distributions))
		for _, d := range step.Distributions {
			final = append(final, resolution.Distribution{Agent: d.Agent, Receives: d.Receives})
		}
		res, err := r.svc.DefaultResolve(ctx, c.DefaultID, final, r.requestHash("default_resolve"))
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"case":              step.Case,
			"recovery_rate_bps": res.RecoveryRateBps,
			"distributions":     distributionDetails(res.Distributions),
		}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (r *Runner) execMarginCall(ctx context.Context, step *Step) (map[string]any, error) {
	in := service.MarginCallInput{Action: step.Action}
	switch step.Action {
	case service.MarginActionIssue:
		lineID, err := r.lineID(step.Line)
		if err != nil {
			return nil, err
		}
		in.LineID = lineID
		in.DueTS = r.clock.Now() + step.DueIn
	default:
		callID, ok := r.calls[step.Call]
		if !ok {
			return nil, fmt.Errorf("unknown call alias %q", step.Call)
		}
		in.CallID = callID
	}

	call, err := r.svc.CreditMarginCall(ctx, in, r.requestHash("margin_call"))
	if err != nil {
		return nil, err
	}
	if call != nil {
		if step.As != "" {
			r.calls[step.As] = call.ID
		}
		return map[string]any{
			"action": step.Action, "line": step.Line,
			"required_amount": call.RequiredAmount,
		}, nil
	}
	return map[string]any{"action": step.Action, "call": step.Call}, nil
}

func (r *Runner) execDefaultTrigger(ctx context.Context, step *Step) (map[string]any, error) {
	creditors := make([]resolution.Creditor, 0, len(step.Creditors))
	for _, c := range step.Creditors {
		creditors = append(creditors, resolution.Creditor{
			Agent: c.Agent, Amount: c.Amount, Priority: c.Priority,
		})
	}
	assets := make([]resolution.Asset, 0, len(step.Assets))
	for _, a := range step.Assets {
		assets = append(assets, resolution.Asset{Type: a.Type, Value: a.Value, Liquid: a.Liquid})
	}

	c, err := r.svc.DefaultTrigger(ctx, resolution.TriggerInput{
		DefaultingAgent: step.Agent,
		DeclarationType: "involuntary",
		Trigger: resolution.Trigger{
			Type:      "scenario",
			Reference: fmt.Sprintf("%s-%d", r.name, r.seq),
			TS:        r.clock.Now(),
		},
		Creditors: creditors,
		Assets:    assets,
		Method:    resolution.Method(step.Method),
		Timestamp: r.clock.Now(),
	}, r.requestHash("default_trigger"))
	if err != nil {
		return nil, err
	}
	if step.As != "" {
		r.cases[step.As] = c
	}
	return map[string]any{
		"agent":             step.Agent,
		"method":            step.Method,
		"recovery_rate_bps": c.RecoveryRateBps,
		"distributions":     distributionDetails(c.Plan.Distributions),
	}, nil
}

func (r *Runner) evalAssertions(ctx context.Context, s *Scenario, result *Result) {
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertBalance:
			bal, err := r.svc.Balance(ctx, a.Agent)
			if err != nil {
				result.addError("assertions[%d]: balance %s: %v", i, a.Agent, err)
				continue
			}
			if bal != a.Expect {
				result.addError("assertions[%d]: balance %s = %d, want %d", i, a.Agent, bal, a.Expect)
			}

		case AssertPosition:
			lineID, err := r.lineID(a.Line)
			if err != nil {
				result.addError("assertions[%d]: %v", i, err)
				continue
			}
			_, pos, err := r.svc.Credit().Get(ctx, lineID)
			if err != nil {
				result.addError("assertions[%d]: position %s: %v", i, a.Line, err)
				continue
			}
			if a.Principal != nil && pos.Principal != *a.Principal {
				result.addError("assertions[%d]: %s principal = %d, want %d", i, a.Line, pos.Principal, *a.Principal)
			}
			if a.Interest != nil && pos.InterestAccrued != *a.Interest {
				result.addError("assertions[%d]: %s interest = %d, want %d", i, a.Line, pos.InterestAccrued, *a.Interest)
			}
			if a.Fees != nil && pos.Fees != *a.Fees {
				result.addError("assertions[%d]: %s fees = %d, want %d", i, a.Line, pos.Fees, *a.Fees)
			}

		case AssertLineStatus:
			lineID, err := r.lineID(a.Line)
			if err != nil {
				result.addError("assertions[%d]: %v", i, err)
				continue
			}
			line, _, err := r.svc.Credit().Get(ctx, lineID)
			if err != nil {
				result.addError("assertions[%d]: line %s: %v", i, a.Line, err)
				continue
			}
			if string(line.Status) != a.Status {
				result.addError("assertions[%d]: %s status = %s, want %s", i, a.Line, line.Status, a.Status)
			}

		case AssertWindowLeaves:
			head, err := r.svc.WindowHead(ctx)
			if err != nil {
				result.addError("assertions[%d]: window head: %v", i, err)
				continue
			}
			if head.LeafCount != a.Count {
				result.addError("assertions[%d]: open window has %d leaves, want %d", i, head.LeafCount, a.Count)
			}
		}
	}
}

func (r *Runner) lineID(alias string) (string, error) {
	id, ok := r.lines[alias]
	if !ok {
		return "", fmt.Errorf("unknown line alias %q", alias)
	}
	return id, nil
}

// requestHash derives a per-step idempotency token. Scenario name plus
// step sequence keeps hashes unique within a run but stable across runs.
func (r *Runner) requestHash(op string) string {
	return service.RequestHash("harness", r.name, op, fmt.Sprint(r.seq))
}

func serviceErrorCode(err error) string {
	var se *service.Error
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return ""
}

func distributionDetails(ds []resolution.Distribution) []map[string]any {
	out := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		out = append(out, map[string]any{"agent": d.Agent, "receives": d.Receives})
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
