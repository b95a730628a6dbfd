package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelclear/keel/internal/config"
	"github.com/keelclear/keel/internal/service"
	"github.com/keelclear/keel/internal/store"
	"github.com/keelclear/keel/internal/testutil"
)

// scenarioEpoch pins every scenario clock to the same start time.
const scenarioEpoch = 1_700_000_000

func newScenarioRunner(t *testing.T) *Runner {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scenario.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewClock(scenarioEpoch)
	svc := service.New(s, testutil.FixedKeyPair("authority"), config.Default(), nil).
		WithNow(clock.Now)
	return NewRunner(svc, clock, testutil.FixedKeyPair("scenario-signer"))
}

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no scenario files found")

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			runner := newScenarioRunner(t)
			result, err := RunWithGolden(t, runner, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertions failed: %v", result.Errors)
		})
	}
}

func TestScenarioDeterminism(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "netting-settlement.yaml"))
	require.NoError(t, err)

	first, err := newScenarioRunner(t).Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := newScenarioRunner(t).Run(context.Background(), scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}

func TestLoadScenarioRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
description: typo in a field name
steps:
  - op: fund
    agent: agent-a
    amount: 100
    referense: pay-001
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "referense")
}

func TestLoadScenarioRejectsUnknownOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
description: op that does not exist
steps:
  - op: teleport
    agent: agent-a
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown op")
}

func TestLoadScenarioRequiresSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: bad
description: no steps at all
steps: []
`), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}

func TestRunnerRejectsUnknownLineAlias(t *testing.T) {
	runner := newScenarioRunner(t)
	_, err := runner.Run(context.Background(), &Scenario{
		Name:        "bad-alias",
		Description: "draw against a line that was never opened",
		Steps: []Step{
			{Op: "draw", Line: "ghost", Amount: 100},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown line alias")
}

func TestAssertionFailureReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong-balance",
		Description: "assert a balance that cannot hold",
		Steps: []Step{
			{Op: "fund", Agent: "agent-a", Amount: 100, Reference: "pay-1"},
		},
		Assertions: []Assertion{
			{Type: AssertBalance, Agent: "agent-a", Expect: 999},
		},
	}

	result, err := newScenarioRunner(t).Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "want 999")
}
