package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a settlement flow test: a sequence of steps executed
// against a fresh service, plus assertions on the final state.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Steps is the ordered list of operations to execute.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final ledger and credit state.
	// Optional: golden trace comparison already pins the step outcomes.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is a single scenario operation. Op selects the operation; the
// remaining fields are op-specific and validated at load time.
type Step struct {
	// Op is one of: fund, receipt, net, rotate, advance, credit_open,
	// draw, repay, accrue, lock, margin_call, liquidate,
	// default_trigger, default_resolve.
	Op string `yaml:"op"`

	// As registers an alias for the created entity (credit line, margin
	// call, default case) so later steps can refer to it.
	As string `yaml:"as,omitempty"`

	// ExpectError makes the step require a failure with the given
	// service error code instead of success.
	ExpectError string `yaml:"expect_error,omitempty"`

	// fund
	Agent     string `yaml:"agent,omitempty"`
	Amount    int64  `yaml:"amount,omitempty"`
	Reference string `yaml:"reference,omitempty"`

	// receipt
	Payer    string `yaml:"payer,omitempty"`
	Payee    string `yaml:"payee,omitempty"`
	Price    int64  `yaml:"price,omitempty"`
	Resource string `yaml:"resource,omitempty"`

	// net
	Caller string `yaml:"caller,omitempty"`
	Epoch  string `yaml:"epoch,omitempty"`

	// advance
	Seconds int64 `yaml:"seconds,omitempty"`

	// credit_open
	Borrower  string `yaml:"borrower,omitempty"`
	Lender    string `yaml:"lender,omitempty"`
	Limit     int64  `yaml:"limit,omitempty"`
	SpreadBps int64  `yaml:"spread_bps,omitempty"`
	RatioBps  int64  `yaml:"ratio_bps,omitempty"`

	// draw, repay, accrue, lock, liquidate
	Line      string `yaml:"line,omitempty"`
	Principal int64  `yaml:"principal,omitempty"`
	Interest  int64  `yaml:"interest,omitempty"`
	Fees      int64  `yaml:"fees,omitempty"`
	Days      int64  `yaml:"days,omitempty"`
	AssetRef  string `yaml:"asset_ref,omitempty"`
	AssetType string `yaml:"asset_type,omitempty"`

	// margin_call
	Action string `yaml:"action,omitempty"`
	Call   string `yaml:"call,omitempty"`
	DueIn  int64  `yaml:"due_in,omitempty"`

	// default_trigger, default_resolve
	Method        string             `yaml:"method,omitempty"`
	Creditors     []CreditorSpec     `yaml:"creditors,omitempty"`
	Assets        []AssetSpec        `yaml:"assets,omitempty"`
	Case          string             `yaml:"case,omitempty"`
	Distributions []DistributionSpec `yaml:"distributions,omitempty"`
}

// CreditorSpec is a creditor claim in a default_trigger step.
type CreditorSpec struct {
	Agent    string `yaml:"agent"`
	Amount   int64  `yaml:"amount"`
	Priority int64  `yaml:"priority,omitempty"`
}

// AssetSpec is a seized asset in a default_trigger step.
type AssetSpec struct {
	Type   string `yaml:"type"`
	Value  int64  `yaml:"value"`
	Liquid bool   `yaml:"liquid,omitempty"`
}

// DistributionSpec is a final payout in a default_resolve step.
type DistributionSpec struct {
	Agent    string `yaml:"agent"`
	Receives int64  `yaml:"receives"`
}

// Assertion validates final state after all steps ran.
type Assertion struct {
	// Type is one of: balance, position, line_status, window_leaves.
	Type string `yaml:"type"`

	// Agent and Expect are used by balance.
	Agent  string `yaml:"agent,omitempty"`
	Expect int64  `yaml:"expect,omitempty"`

	// Line is used by position and line_status.
	Line string `yaml:"line,omitempty"`

	// Principal, Interest and Fees are subset-matched by position:
	// only the fields present in the YAML are checked.
	Principal *int64 `yaml:"principal,omitempty"`
	Interest  *int64 `yaml:"interest,omitempty"`
	Fees      *int64 `yaml:"fees,omitempty"`

	// Status is used by line_status.
	Status string `yaml:"status,omitempty"`

	// Count is used by window_leaves: leaves in the open window.
	Count int64 `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertBalance      = "balance"
	AssertPosition     = "position"
	AssertLineStatus   = "line_status"
	AssertWindowLeaves = "window_leaves"
)

// knownOps lists the valid step operations.
var knownOps = map[string]bool{
	"fund": true, "receipt": true, "net": true, "rotate": true,
	"advance": true, "credit_open": true, "draw": true, "repay": true,
	"accrue": true, "lock": true, "margin_call": true, "liquidate": true,
	"default_trigger": true, "default_resolve": true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected to catch typos.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	if st.Op == "" {
		return fmt.Errorf("steps[%d]: op is required", index)
	}
	if !knownOps[st.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}

	switch st.Op {
	case "fund":
		if st.Agent == "" || st.Reference == "" {
			return fmt.Errorf("steps[%d]: fund requires agent and reference", index)
		}
	case "receipt":
		if st.Payer == "" || st.Payee == "" {
			return fmt.Errorf("steps[%d]: receipt requires payer and payee", index)
		}
	case "net":
		if st.Caller == "" || st.Epoch == "" {
			return fmt.Errorf("steps[%d]: net requires caller and epoch", index)
		}
	case "advance":
		if st.Seconds <= 0 {
			return fmt.Errorf("steps[%d]: advance requires positive seconds", index)
		}
	case "credit_open":
		if st.Borrower == "" || st.Lender == "" || st.As == "" {
			return fmt.Errorf("steps[%d]: credit_open requires borrower, lender and as", index)
		}
	case "draw", "repay", "accrue", "lock", "liquidate":
		if st.Line == "" {
			return fmt.Errorf("steps[%d]: %s requires line", index, st.Op)
		}
	case "margin_call":
		if st.Action == "" {
			return fmt.Errorf("steps[%d]: margin_call requires action", index)
		}
	case "default_trigger":
		if st.Agent == "" || st.Method == "" || st.As == "" {
			return fmt.Errorf("steps[%d]: default_trigger requires agent, method and as", index)
		}
	case "default_resolve":
		if st.Case == "" || len(st.Distributions) == 0 {
			return fmt.Errorf("steps[%d]: default_resolve requires case and distributions", index)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertBalance:
		if a.Agent == "" {
			return fmt.Errorf("assertions[%d]: agent is required for balance", index)
		}
	case AssertPosition:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for position", index)
		}
		if a.Principal == nil && a.Interest == nil && a.Fees == nil {
			return fmt.Errorf("assertions[%d]: position requires at least one of principal, interest, fees", index)
		}
	case AssertLineStatus:
		if a.Line == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: line and status are required for line_status", index)
		}
	case AssertWindowLeaves:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for window_leaves", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
