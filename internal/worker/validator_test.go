package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemis/depupgrade/internal/runtime"
	"github.com/artemis/depupgrade/internal/validate"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContainerRuntime struct {
	execErr map[string]error
}

func (f *fakeContainerRuntime) Create(ctx context.Context, name, image, workingDir string, port runtime.PortMap, limits runtime.ResourceLimits) (*runtime.Handle, error) {
	return &runtime.Handle{ID: "fake-id", Name: name, Image: image, HostPort: port.HostPort}, nil
}

func (f *fakeContainerRuntime) CopyIn(ctx context.Context, h *runtime.Handle, hostPath, containerPath string, excludeDirs []string) error {
	return nil
}

func (f *fakeContainerRuntime) WriteFile(ctx context.Context, h *runtime.Handle, containerPath string, content []byte) error {
	return nil
}

func (f *fakeContainerRuntime) Exec(ctx context.Context, h *runtime.Handle, argv []string, env []string, stdin io.Reader, timeout time.Duration) (*runtime.ExecResult, error) {
	key := argv[len(argv)-1]
	if err, ok := f.execErr[key]; ok {
		return nil, err
	}
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func (f *fakeContainerRuntime) Logs(ctx context.Context, h *runtime.Handle, stageName string, tail string) (string, error) {
	return "", nil
}

func (f *fakeContainerRuntime) Teardown(ctx context.Context, h *runtime.Handle, policy runtime.TeardownPolicy) error {
	return nil
}

type recordingPublisher struct {
	published []workflow.EventKind
}

func (p *recordingPublisher) Publish(migrationID string, kind workflow.EventKind, sourceWorker string, payload interface{}) workflow.Event {
	p.published = append(p.published, kind)
	return workflow.Event{MigrationID: migrationID, Kind: kind, SourceWorker: sourceWorker, Payload: payload}
}

type recordingStageLogWriter struct {
	logs map[string]string
}

func (w *recordingStageLogWriter) WriteStageLog(migrationID, stage, content string) error {
	w.logs[stage] = content
	return nil
}

func TestContainerValidator_Validate_PublishesStageResultsAndPicksPortByProjectType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{"lodash":"3.0.0"}}`), 0644))

	rt := &fakeContainerRuntime{execErr: map[string]error{}}
	engine := validate.NewEngine(rt, nil)
	pub := &recordingPublisher{}

	logs := &recordingStageLogWriter{logs: map[string]string{}}
	v := NewContainerValidator(engine, 3000, 8000, true, time.Second, time.Second, pub, logs)

	state := &workflow.MigrationState{
		ID:          "mig-1",
		ProjectRoot: dir,
		ProjectType: workflow.ProjectNode,
		Plan:        &workflow.MigrationPlan{Dependencies: map[string]workflow.DependencyChange{}},
	}

	outcome, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, outcome.InstallOK)
	assert.Equal(t, 3000, outcome.HostPort)
	assert.NotEmpty(t, pub.published, "expected at least one STAGE_RESULT event to be published")
	for _, k := range pub.published {
		assert.Equal(t, workflow.EventStageResult, k)
	}

	assert.NotEmpty(t, logs.logs, "expected per-stage output to be written")
	assert.Contains(t, logs.logs, "install")
}

func TestContainerValidator_Validate_UsesPythonPortForPythonProjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("flask==2.0.0\n"), 0644))

	rt := &fakeContainerRuntime{}
	engine := validate.NewEngine(rt, nil)

	v := NewContainerValidator(engine, 3000, 8000, true, time.Second, time.Second, nil, nil)

	state := &workflow.MigrationState{
		ID:          "mig-2",
		ProjectRoot: dir,
		ProjectType: workflow.ProjectPython,
		Plan:        &workflow.MigrationPlan{Dependencies: map[string]workflow.DependencyChange{}},
	}

	outcome, err := v.Validate(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 8000, outcome.HostPort)
}
