package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// migrationHandle is the engine's runtime bookkeeping for one active
// workflow, mirroring the teacher's MigrationJob (ctx/cancel pair plus the
// persisted record), kept out of workflow.MigrationState so that type stays
// a pure, serializable data record.
type migrationHandle struct {
	cancel context.CancelFunc
	state  *workflow.MigrationState
	mu     sync.Mutex
}

// Engine is the WorkflowEngine: it sequences Planner, Validator, Analyzer
// and Deployer through the phase transitions of spec §4.6, grounded on the
// teacher's Engine/MigrationJob/jobsMutex-guarded-map/executeMigration
// pattern in internal/migration/engine.go.
type Engine struct {
	planner   Planner
	validator Validator
	analyzer  Analyzer
	deployer  Deployer
	bus       EventPublisher
	store     Checkpointer
	logger    *observability.Logger

	jobs      map[string]*migrationHandle
	jobsMutex sync.RWMutex
}

// NewEngine constructs a WorkflowEngine over its four workers.
func NewEngine(planner Planner, validator Validator, analyzer Analyzer, deployer Deployer, bus EventPublisher, store Checkpointer, logger *observability.Logger) *Engine {
	return &Engine{
		planner:   planner,
		validator: validator,
		analyzer:  analyzer,
		deployer:  deployer,
		bus:       bus,
		store:     store,
		logger:    logger,
		jobs:      make(map[string]*migrationHandle),
	}
}

// StartOptions configures one StartMigration call (spec §6).
type StartOptions struct {
	ProjectRoot string
	ProjectType workflow.ProjectType
	Source      workflow.Source
	MaxRetries  int
}

// StartMigration creates a new MigrationState at PLANNING and runs it to a
// terminal phase on its own goroutine, returning immediately with the
// migration id.
func (e *Engine) StartMigration(ctx context.Context, opts StartOptions) (string, error) {
	state := &workflow.MigrationState{
		ID:          uuid.NewString(),
		ProjectRoot: opts.ProjectRoot,
		ProjectType: opts.ProjectType,
		Source:      opts.Source,
		RetriesMax:  opts.MaxRetries,
		Phase:       workflow.PhasePlanning,
		StartedAt:   time.Now(),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &migrationHandle{cancel: cancel, state: state}

	e.jobsMutex.Lock()
	e.jobs[state.ID] = handle
	e.jobsMutex.Unlock()

	observability.WorkflowsActive.Inc()

	if err := e.checkpoint(state); err != nil {
		return "", fmt.Errorf("workflow: initial checkpoint: %w", err)
	}
	e.emit(state.ID, workflow.EventWorkflowStart, "", nil)

	go e.run(runCtx, handle)

	return state.ID, nil
}

// Resume restores a persisted non-terminal MigrationState and continues
// driving it from its last committed phase (spec §4.6 "Resumption rule").
func (e *Engine) Resume(ctx context.Context, state *workflow.MigrationState) error {
	if state.Phase.IsTerminal() {
		return fmt.Errorf("workflow: cannot resume a terminal migration %s", state.ID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &migrationHandle{cancel: cancel, state: state}

	e.jobsMutex.Lock()
	e.jobs[state.ID] = handle
	e.jobsMutex.Unlock()

	observability.WorkflowsActive.Inc()
	go e.run(runCtx, handle)
	return nil
}

// Cancel requests cancellation of a running migration (spec §4.6
// "Cancellation"). The engine transitions it to TERMINAL_FAILURE with
// ErrorCanceled at its next cooperative check.
func (e *Engine) Cancel(migrationID string) error {
	e.jobsMutex.RLock()
	handle, ok := e.jobs[migrationID]
	e.jobsMutex.RUnlock()
	if !ok {
		return fmt.Errorf("workflow: unknown migration %s", migrationID)
	}
	handle.cancel()
	return nil
}

// Snapshot returns a copy of the live state for migrationID, or false if
// the migration is not currently tracked in-process.
func (e *Engine) Snapshot(migrationID string) (*workflow.MigrationState, bool) {
	e.jobsMutex.RLock()
	handle, ok := e.jobs[migrationID]
	e.jobsMutex.RUnlock()
	if !ok {
		return nil, false
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	cp := *handle.state
	return &cp, true
}

func (e *Engine) run(ctx context.Context, handle *migrationHandle) {
	defer func() {
		e.jobsMutex.Lock()
		delete(e.jobs, handle.state.ID)
		e.jobsMutex.Unlock()
		observability.WorkflowsActive.Dec()
	}()

	for {
		handle.mu.Lock()
		state := handle.state
		phase := state.Phase
		handle.mu.Unlock()

		if phase.IsTerminal() {
			return
		}

		if ctx.Err() != nil {
			e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorCanceled, "canceled")
			return
		}

		e.emit(state.ID, workflow.EventPhaseEnter, string(phase), nil)

		var err error
		switch phase {
		case workflow.PhasePlanning:
			err = e.stepPlanning(ctx, handle)
		case workflow.PhaseValidating:
			err = e.stepValidating(ctx, handle)
		case workflow.PhaseAnalyzing:
			err = e.stepAnalyzing(ctx, handle)
		case workflow.PhaseDeploying:
			err = e.stepDeploying(ctx, handle)
		default:
			e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorInternal, fmt.Sprintf("unknown phase %s", phase))
			return
		}

		if err != nil {
			if e.logger != nil {
				e.logger.Error("workflow step failed",
					zap.String("migration_id", state.ID), zap.String("phase", string(phase)), zap.Error(err))
			}
			return
		}
	}
}

func (e *Engine) stepPlanning(ctx context.Context, handle *migrationHandle) error {
	state := handle.state
	plan, err := e.planner.Plan(ctx, state)
	if err != nil {
		state.RecordError(fmt.Sprintf("planning: %s", err.Error()))
		e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorInternal, err.Error())
		return nil
	}

	handle.mu.Lock()
	state.Plan = plan
	state.Phase = workflow.PhaseValidating
	handle.mu.Unlock()

	return e.checkpointAndEmit(state, workflow.EventWorkerDone, "planner", plan)
}

func (e *Engine) stepValidating(ctx context.Context, handle *migrationHandle) error {
	state := handle.state
	outcome, err := e.validator.Validate(ctx, state)
	if err != nil {
		state.RecordError(fmt.Sprintf("validating: %s", err.Error()))
		e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorContainerFatal, err.Error())
		return nil
	}

	var needsEscalation bool
	handle.mu.Lock()
	state.Outcome = outcome
	switch {
	case outcome.OK():
		state.Phase = workflow.PhaseDeploying
	case state.CanRetry():
		state.Phase = workflow.PhaseAnalyzing
	default:
		needsEscalation = true
	}
	handle.mu.Unlock()

	if err := e.checkpointAndEmit(state, workflow.EventWorkerDone, "validator", outcome); err != nil {
		return err
	}

	if needsEscalation {
		e.terminate(handle, workflow.PhaseTerminalEscalated, workflow.ErrorValidationFailure, "retry budget exhausted")
	}
	return nil
}

func (e *Engine) stepAnalyzing(ctx context.Context, handle *migrationHandle) error {
	state := handle.state
	diagnosis, nextPlan, err := e.analyzer.Analyze(ctx, state)
	if err != nil {
		state.RecordError(fmt.Sprintf("analyzing: %s", err.Error()))
		e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorInternal, err.Error())
		return nil
	}

	handle.mu.Lock()
	state.Diagnosis = diagnosis
	var escalate bool
	if nextPlan != nil {
		state.Plan = nextPlan
		state.RetriesUsed++
		state.Phase = workflow.PhaseValidating
		observability.RetryAttempts.WithLabelValues("retried").Inc()
	} else {
		escalate = true
		observability.RetryAttempts.WithLabelValues("no_applicable_patch").Inc()
	}
	handle.mu.Unlock()

	if err := e.checkpointAndEmit(state, workflow.EventWorkerDone, "analyzer", diagnosis); err != nil {
		return err
	}

	if escalate {
		e.terminate(handle, workflow.PhaseTerminalEscalated, workflow.ErrorValidationFailure, "diagnosis has no applicable patch")
		return nil
	}

	e.emit(state.ID, workflow.EventRetryScheduled, "analyzer", map[string]int{"retries_used": state.RetriesUsed})
	return nil
}

func (e *Engine) stepDeploying(ctx context.Context, handle *migrationHandle) error {
	state := handle.state
	deployment, err := e.deployer.Deploy(ctx, state)
	if err != nil {
		state.RecordError(fmt.Sprintf("deploying: %s", err.Error()))
		e.terminate(handle, workflow.PhaseTerminalFailure, workflow.ErrorGatewayPermanent, err.Error())
		return nil
	}

	handle.mu.Lock()
	state.Deployment = deployment
	handle.mu.Unlock()

	if err := e.checkpointAndEmit(state, workflow.EventWorkerDone, "deployer", deployment); err != nil {
		return err
	}

	e.terminate(handle, workflow.PhaseTerminalSuccess, "", "")
	return nil
}

func (e *Engine) terminate(handle *migrationHandle, phase workflow.Phase, kind workflow.ErrorKind, reason string) {
	state := handle.state

	handle.mu.Lock()
	state.Phase = phase
	now := time.Now()
	state.FinishedAt = &now
	if reason != "" {
		state.RecordError(reason)
	}
	handle.mu.Unlock()

	_ = e.checkpoint(state)

	if e.store != nil {
		if _, err := e.store.WriteReportIndex(state.ID); err != nil && e.logger != nil {
			e.logger.Warn("failed to write report index", zap.String("migration_id", state.ID), zap.Error(err))
		}
	}

	kindEvent := workflow.EventTerminalFailure
	switch phase {
	case workflow.PhaseTerminalSuccess:
		kindEvent = workflow.EventTerminalSuccess
	case workflow.PhaseTerminalEscalated:
		kindEvent = workflow.EventTerminalEscalated
	}

	var payload interface{}
	if kind != "" {
		payload = map[string]string{"error_kind": string(kind), "reason": reason}
	}
	e.emit(state.ID, kindEvent, "", payload)

	observability.WorkflowOutcomes.WithLabelValues(string(phase), string(state.ProjectType)).Inc()
}

func (e *Engine) checkpointAndEmit(state *workflow.MigrationState, kind workflow.EventKind, worker string, payload interface{}) error {
	if err := e.checkpoint(state); err != nil {
		return err
	}
	e.emit(state.ID, kind, worker, payload)
	return nil
}

func (e *Engine) checkpoint(state *workflow.MigrationState) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveState(state); err != nil {
		return fmt.Errorf("workflow: checkpoint: %w", err)
	}
	return nil
}

func (e *Engine) emit(migrationID string, kind workflow.EventKind, sourceWorker string, payload interface{}) {
	if e.bus == nil {
		return
	}
	evt := e.bus.Publish(migrationID, kind, sourceWorker, payload)
	if e.store != nil {
		_ = e.store.AppendEvent(migrationID, evt)
	}
}
