// Package config loads the clearing policy from a CUE file validated
// against an embedded schema. A missing file yields the compiled-in
// defaults; a present file that fails schema validation is an error,
// never a silent fallback.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed policy_schema.cue
var schemaSource string

// Policy is the operator-tunable clearing policy.
type Policy struct {
	// FeeBps is the netting fee in basis points of total net volume.
	FeeBps int64 `json:"fee_bps"`
	// MinFee is the floor charged even when the bps fee rounds lower.
	MinFee int64 `json:"min_fee"`
	// RotationIntervalSecs drives the background window rotator.
	RotationIntervalSecs int64 `json:"rotation_interval_secs"`
	// AccrualDayCount is the interest day-count convention.
	AccrualDayCount int64 `json:"accrual_day_count"`
	// IdempotencyTTLSecs bounds how long stored responses are replayed.
	IdempotencyTTLSecs int64 `json:"idempotency_ttl_secs"`
	// DefaultMinCollateralRatioBps applies to credit lines opened
	// without an explicit ratio.
	DefaultMinCollateralRatioBps int64 `json:"default_min_collateral_ratio_bps"`
}

// Default returns the compiled-in policy.
func Default() Policy {
	return Policy{
		FeeBps:                       10,
		MinFee:                       1,
		RotationIntervalSecs:         3600,
		AccrualDayCount:              365,
		IdempotencyTTLSecs:           86400,
		DefaultMinCollateralRatioBps: 0,
	}
}

// Load reads a policy CUE file, validates it against the embedded
// schema, and fills unset fields from the defaults. An empty path or a
// missing file returns the defaults.
func Load(path string) (Policy, error) {
	policy := Default()
	if path == "" {
		return policy, nil
	}

	source, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return policy, nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("load policy: %w", err)
	}

	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("load policy: compile schema: %w", err)
	}
	schemaDef := schema.LookupPath(cue.ParsePath("#Policy"))
	if err := schemaDef.Err(); err != nil {
		return Policy{}, fmt.Errorf("load policy: schema missing #Policy: %w", err)
	}

	value := ctx.CompileBytes(source, cue.Filename(path))
	if err := value.Err(); err != nil {
		return Policy{}, fmt.Errorf("load policy: compile %s: %w", path, err)
	}

	unified := schemaDef.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, fmt.Errorf("load policy: validate %s: %w", path, err)
	}

	if err := unified.Decode(&policy); err != nil {
		return Policy{}, fmt.Errorf("load policy: decode %s: %w", path, err)
	}
	return policy, nil
}
