package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/validate"
	"github.com/artemis/depupgrade/internal/workflow"
)

// ContainerValidator implements Validator by driving the ValidationEngine
// exactly as spec §4.4. It never retries internally — retry is a
// workflow-level concern owned by the Engine's ANALYZING loop.
type ContainerValidator struct {
	engine           *validate.Engine
	hostPortNode     int
	hostPortPython   int
	containerCleanup bool
	installTimeout   time.Duration
	testTimeout      time.Duration
	publisher        EventPublisher
	logs             StageLogWriter
}

// NewContainerValidator constructs a Validator over a ValidationEngine. logs
// may be nil, in which case per-stage output is not persisted.
func NewContainerValidator(engine *validate.Engine, hostPortNode, hostPortPython int, containerCleanup bool, installTimeout, testTimeout time.Duration, publisher EventPublisher, logs StageLogWriter) *ContainerValidator {
	return &ContainerValidator{
		engine:           engine,
		hostPortNode:     hostPortNode,
		hostPortPython:   hostPortPython,
		containerCleanup: containerCleanup,
		installTimeout:   installTimeout,
		testTimeout:      testTimeout,
		publisher:        publisher,
		logs:             logs,
	}
}

func (v *ContainerValidator) Validate(ctx context.Context, state *workflow.MigrationState) (*workflow.ValidationOutcome, error) {
	hostPort := v.hostPortNode
	if state.ProjectType == workflow.ProjectPython {
		hostPort = v.hostPortPython
	}

	outcome := v.engine.Validate(ctx, validate.Options{
		ProjectRoot:      state.ProjectRoot,
		ProjectType:      state.ProjectType,
		Plan:             state.Plan,
		MigrationID:      state.ID,
		HostPort:         hostPort,
		ContainerCleanup: v.containerCleanup,
		InstallTimeout:   v.installTimeout,
		TestTimeout:      v.testTimeout,
	}, func(se validate.StageEvent) {
		observability.ValidationStageResult.WithLabelValues(se.Stage, resultLabel(se.Passed)).Inc()
		if v.publisher != nil {
			v.publisher.Publish(state.ID, workflow.EventStageResult, "validator", se)
		}
	})

	if outcome == nil {
		return nil, fmt.Errorf("validator: validation engine returned no outcome")
	}

	if v.logs != nil {
		for stage, content := range outcome.Logs {
			_ = v.logs.WriteStageLog(state.ID, stage, content)
		}
	}

	return outcome, nil
}

func resultLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}
