// Package worker implements the four stateless workers (Planner, Validator,
// Analyzer, Deployer) and the WorkflowEngine state machine that sequences
// them, grounded on the teacher's internal/migration/engine.go (Engine,
// MigrationJob, phase enum, jobsMutex-guarded map, executeMigration's
// deferred-finalization driver) and internal/migration/strategy.go
// (interface-per-strategy dispatch, mirrored here as interface-per-worker).
//
// This package sits above internal/workflow (data model), internal/validate
// (ValidationEngine), internal/reasoner, internal/repogateway and
// internal/runtime so that internal/workflow itself stays a dependency-free
// leaf package, matching spec §2's "dependency order (leaves first)".
package worker

import (
	"context"

	"github.com/artemis/depupgrade/internal/store"
	"github.com/artemis/depupgrade/internal/workflow"
)

// Planner produces plan from the project's current manifest state.
type Planner interface {
	Plan(ctx context.Context, state *workflow.MigrationState) (*workflow.MigrationPlan, error)
}

// Validator drives the ValidationEngine against state.ProjectRoot/Plan.
type Validator interface {
	Validate(ctx context.Context, state *workflow.MigrationState) (*workflow.ValidationOutcome, error)
}

// Analyzer categorizes a failed ValidationOutcome and proposes the next plan.
type Analyzer interface {
	Analyze(ctx context.Context, state *workflow.MigrationState) (*workflow.ErrorDiagnosis, *workflow.MigrationPlan, error)
}

// Deployer opens the pull request for a successfully validated migration.
type Deployer interface {
	Deploy(ctx context.Context, state *workflow.MigrationState) (*workflow.DeploymentRecord, error)
}

// EventPublisher is the subset of eventbus.Bus the engine and workers need,
// declared here so the engine doesn't depend on the bus's transport details.
type EventPublisher interface {
	Publish(migrationID string, kind workflow.EventKind, sourceWorker string, payload interface{}) workflow.Event
}

// Checkpointer persists a MigrationState at every phase boundary (spec
// §4.6: "checkpointing is atomic"). internal/store.Store implements this.
type Checkpointer interface {
	SaveState(state *workflow.MigrationState) error
	AppendEvent(migrationID string, event workflow.Event) error

	// WriteReportIndex writes the report index once a migration reaches a
	// terminal phase (spec §6 reports/index.json).
	WriteReportIndex(migrationID string) (store.ReportPaths, error)
}

// StageLogWriter persists per-stage validation output to logs/<stage>.txt
// (spec §6). internal/store.Store implements this.
type StageLogWriter interface {
	WriteStageLog(migrationID, stage, content string) error
}
