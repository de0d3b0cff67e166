package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artemis/depupgrade/internal/store"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlanner struct {
	plan *workflow.MigrationPlan
	err  error
}

func (f *fakePlanner) Plan(ctx context.Context, state *workflow.MigrationState) (*workflow.MigrationPlan, error) {
	return f.plan, f.err
}

type fakeValidator struct {
	outcomes []*workflow.ValidationOutcome
	calls    int
	err      error
	delay    time.Duration
}

func (f *fakeValidator) Validate(ctx context.Context, state *workflow.MigrationState) (*workflow.ValidationOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	idx := f.calls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.calls++
	return f.outcomes[idx], nil
}

type fakeAnalyzer struct {
	diagnosis *workflow.ErrorDiagnosis
	nextPlan  *workflow.MigrationPlan
	err       error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, state *workflow.MigrationState) (*workflow.ErrorDiagnosis, *workflow.MigrationPlan, error) {
	return f.diagnosis, f.nextPlan, f.err
}

type fakeDeployer struct {
	record *workflow.DeploymentRecord
	err    error
}

func (f *fakeDeployer) Deploy(ctx context.Context, state *workflow.MigrationState) (*workflow.DeploymentRecord, error) {
	return f.record, f.err
}

type fakeBus struct {
	mu     sync.Mutex
	events []workflow.Event
	seq    uint64
}

func (b *fakeBus) Publish(migrationID string, kind workflow.EventKind, sourceWorker string, payload interface{}) workflow.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	evt := workflow.Event{MigrationID: migrationID, Seq: b.seq, Kind: kind, SourceWorker: sourceWorker, Payload: payload}
	b.events = append(b.events, evt)
	return evt
}

func (b *fakeBus) snapshot() []workflow.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]workflow.Event, len(b.events))
	copy(out, b.events)
	return out
}

type fakeCheckpointer struct {
	mu                sync.Mutex
	states            map[string]*workflow.MigrationState
	events            map[string][]workflow.Event
	reportIndexCalled []string
}

func newFakeCheckpointer() *fakeCheckpointer {
	return &fakeCheckpointer{states: map[string]*workflow.MigrationState{}, events: map[string][]workflow.Event{}}
}

func (c *fakeCheckpointer) SaveState(state *workflow.MigrationState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *state
	c.states[state.ID] = &cp
	return nil
}

func (c *fakeCheckpointer) AppendEvent(migrationID string, event workflow.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[migrationID] = append(c.events[migrationID], event)
	return nil
}

func (c *fakeCheckpointer) WriteReportIndex(migrationID string) (store.ReportPaths, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportIndexCalled = append(c.reportIndexCalled, migrationID)
	return store.ReportPaths{JSON: "report.json", MD: "report.md", HTML: "report.html"}, nil
}

// waitForTerminal polls the checkpoint store (not Engine.Snapshot) because
// the engine removes a finished job from its in-memory map as soon as its
// run loop returns, right after the terminal checkpoint lands.
func waitForTerminal(t *testing.T, store *fakeCheckpointer, id string, timeout time.Duration) *workflow.MigrationState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		state := store.states[id]
		store.mu.Unlock()
		if state != nil && state.Phase.IsTerminal() {
			return state
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("migration %s did not reach a terminal phase within %s", id, timeout)
	return nil
}

func samplePlan() *workflow.MigrationPlan {
	return &workflow.MigrationPlan{
		Dependencies: map[string]workflow.DependencyChange{
			"lodash": {CurrentVersion: "3.0.0", TargetVersion: "4.17.21", Action: workflow.ActionUpgrade, Risk: workflow.RiskLow},
		},
		OverallRisk: workflow.RiskLow,
	}
}

func TestEngine_StartMigration_SuccessfulRunReachesTerminalSuccess(t *testing.T) {
	planner := &fakePlanner{plan: samplePlan()}
	validator := &fakeValidator{outcomes: []*workflow.ValidationOutcome{
		{InstallOK: true, StartOK: true, HealthOK: true, VersionsMatch: true},
	}}
	deployer := &fakeDeployer{record: &workflow.DeploymentRecord{BranchName: "upgrade/dependencies-1", PRURL: "https://example.com/pr/1"}}
	bus := &fakeBus{}
	store := newFakeCheckpointer()

	e := NewEngine(planner, validator, &fakeAnalyzer{}, deployer, bus, store, nil)

	id, err := e.StartMigration(context.Background(), StartOptions{ProjectRoot: "/tmp/proj", ProjectType: workflow.ProjectNode, MaxRetries: 2})
	require.NoError(t, err)

	final := waitForTerminal(t, store, id, 2*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, workflow.PhaseTerminalSuccess, final.Phase)
	assert.NotNil(t, final.Deployment)
	assert.Equal(t, "https://example.com/pr/1", final.Deployment.PRURL)

	found := false
	for _, evt := range bus.snapshot() {
		if evt.Kind == workflow.EventTerminalSuccess {
			found = true
		}
	}
	assert.True(t, found, "expected a TERMINAL_SUCCESS event on the bus")
	assert.Contains(t, store.reportIndexCalled, id, "expected the report index to be written on termination")
}

func TestEngine_RetryLoop_AnalyzerAppliesPatchThenSucceeds(t *testing.T) {
	planner := &fakePlanner{plan: samplePlan()}
	validator := &fakeValidator{outcomes: []*workflow.ValidationOutcome{
		{InstallOK: false, Errors: []string{"cannot find module 'lodash'"}},
		{InstallOK: true, StartOK: true, HealthOK: true, VersionsMatch: true},
	}}
	analyzer := &fakeAnalyzer{
		diagnosis: &workflow.ErrorDiagnosis{Category: workflow.CategoryMissingDep, RootCause: "missing module"},
		nextPlan:  samplePlan(),
	}
	deployer := &fakeDeployer{record: &workflow.DeploymentRecord{BranchName: "upgrade/dependencies-1"}}
	store := newFakeCheckpointer()
	bus := &fakeBus{}

	e := NewEngine(planner, validator, analyzer, deployer, bus, store, nil)

	id, err := e.StartMigration(context.Background(), StartOptions{ProjectRoot: "/tmp/proj", ProjectType: workflow.ProjectNode, MaxRetries: 2})
	require.NoError(t, err)

	final := waitForTerminal(t, store, id, 2*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, workflow.PhaseTerminalSuccess, final.Phase)
	assert.Equal(t, 1, final.RetriesUsed)
}

func TestEngine_RetryBudgetExhausted_EscalatesToTerminalEscalated(t *testing.T) {
	planner := &fakePlanner{plan: samplePlan()}
	failingOutcome := &workflow.ValidationOutcome{InstallOK: false, Errors: []string{"cannot find module 'lodash'"}}
	validator := &fakeValidator{outcomes: []*workflow.ValidationOutcome{failingOutcome}}
	analyzer := &fakeAnalyzer{
		diagnosis: &workflow.ErrorDiagnosis{Category: workflow.CategoryMissingDep, RootCause: "missing module"},
		nextPlan:  samplePlan(),
	}
	store := newFakeCheckpointer()
	bus := &fakeBus{}

	e := NewEngine(planner, validator, analyzer, &fakeDeployer{}, bus, store, nil)

	id, err := e.StartMigration(context.Background(), StartOptions{ProjectRoot: "/tmp/proj", ProjectType: workflow.ProjectNode, MaxRetries: 0})
	require.NoError(t, err)

	final := waitForTerminal(t, store, id, 2*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, workflow.PhaseTerminalEscalated, final.Phase)
	assert.Equal(t, 0, final.RetriesUsed, "retries_max=0 means the ANALYZING->VALIDATING edge is never taken")
}

func TestEngine_AnalyzerFindsNoApplicablePatch_EscalatesImmediately(t *testing.T) {
	planner := &fakePlanner{plan: samplePlan()}
	validator := &fakeValidator{outcomes: []*workflow.ValidationOutcome{
		{InstallOK: false, Errors: []string{"segmentation fault"}},
	}}
	analyzer := &fakeAnalyzer{
		diagnosis: &workflow.ErrorDiagnosis{Category: workflow.CategoryUnknown, RootCause: "no recognized failure pattern"},
		nextPlan:  nil,
	}
	store := newFakeCheckpointer()
	bus := &fakeBus{}

	e := NewEngine(planner, validator, analyzer, &fakeDeployer{}, bus, store, nil)

	id, err := e.StartMigration(context.Background(), StartOptions{ProjectRoot: "/tmp/proj", ProjectType: workflow.ProjectNode, MaxRetries: 3})
	require.NoError(t, err)

	final := waitForTerminal(t, store, id, 2*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, workflow.PhaseTerminalEscalated, final.Phase)
}

func TestEngine_Cancel_TerminatesWithCanceledError(t *testing.T) {
	planner := &fakePlanner{plan: samplePlan()}
	// Enough outcomes that the run loop would otherwise keep looping while we
	// race to call Cancel.
	outcomes := make([]*workflow.ValidationOutcome, 0, 50)
	for i := 0; i < 50; i++ {
		outcomes = append(outcomes, &workflow.ValidationOutcome{InstallOK: false, Errors: []string{"cannot find module 'x'"}})
	}
	validator := &fakeValidator{outcomes: outcomes, delay: 20 * time.Millisecond}
	analyzer := &fakeAnalyzer{
		diagnosis: &workflow.ErrorDiagnosis{Category: workflow.CategoryMissingDep},
		nextPlan:  samplePlan(),
	}
	store := newFakeCheckpointer()
	bus := &fakeBus{}

	e := NewEngine(planner, validator, analyzer, &fakeDeployer{}, bus, store, nil)

	id, err := e.StartMigration(context.Background(), StartOptions{ProjectRoot: "/tmp/proj", ProjectType: workflow.ProjectNode, MaxRetries: 49})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(id))

	final := waitForTerminal(t, store, id, 3*time.Second)
	require.NotNil(t, final)
	assert.Equal(t, workflow.PhaseTerminalFailure, final.Phase)
	assert.Contains(t, final.Errors, "canceled")
}

func TestEngine_Resume_RejectsTerminalState(t *testing.T) {
	e := NewEngine(&fakePlanner{}, &fakeValidator{}, &fakeAnalyzer{}, &fakeDeployer{}, &fakeBus{}, newFakeCheckpointer(), nil)
	state := &workflow.MigrationState{ID: "mig-done", Phase: workflow.PhaseTerminalSuccess}
	err := e.Resume(context.Background(), state)
	assert.Error(t, err)
}
