// Package validate implements the ValidationEngine: the staged pipeline
// that creates a sandbox container, injects a project tree, applies a
// migration plan, installs dependencies, starts the application, runs its
// test suite, and verifies reported versions — modeled on the teacher's
// Auditor (ordered named checks streamed to a channel).
package validate

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/runtime"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"
)

// ContainerRuntime is the subset of internal/runtime.Runtime the engine
// needs; declared here so tests can supply a fake without a live daemon.
type ContainerRuntime interface {
	Create(ctx context.Context, name, image, workingDir string, port runtime.PortMap, limits runtime.ResourceLimits) (*runtime.Handle, error)
	CopyIn(ctx context.Context, h *runtime.Handle, hostPath, containerPath string, excludeDirs []string) error
	WriteFile(ctx context.Context, h *runtime.Handle, containerPath string, content []byte) error
	Exec(ctx context.Context, h *runtime.Handle, argv []string, env []string, stdin io.Reader, timeout time.Duration) (*runtime.ExecResult, error)
	Logs(ctx context.Context, h *runtime.Handle, stageName string, tail string) (string, error)
	Teardown(ctx context.Context, h *runtime.Handle, policy runtime.TeardownPolicy) error
}

// StageEvent reports the outcome of one pipeline stage, for STAGE_RESULT
// events (spec §6).
type StageEvent struct {
	Stage   string
	Passed  bool
	Message string
}

// Options configures one Validate call.
type Options struct {
	ProjectRoot      string
	ProjectType      workflow.ProjectType
	Plan             *workflow.MigrationPlan
	MigrationID      string
	HostPort         int
	ContainerCleanup bool
	InstallTimeout   time.Duration
	TestTimeout      time.Duration
}

var excludedDirs = []string{"node_modules", "venv", ".git", "__pycache__"}

// Engine drives the ValidationEngine pipeline described in spec §4.4.
type Engine struct {
	rt     ContainerRuntime
	logger *observability.Logger
}

// NewEngine constructs an Engine over rt.
func NewEngine(rt ContainerRuntime, logger *observability.Logger) *Engine {
	return &Engine{rt: rt, logger: logger}
}

// Validate runs the full staged pipeline and returns a ValidationOutcome.
// onStage, if non-nil, is invoked after each stage for STAGE_RESULT events.
func (e *Engine) Validate(ctx context.Context, opts Options, onStage func(StageEvent)) *workflow.ValidationOutcome {
	image := imageFor(opts.ProjectType)
	containerPort := containerPortFor(opts.ProjectType)
	name := runtime.ContainerName(filepath.Base(strings.TrimRight(opts.ProjectRoot, "/")), opts.MigrationID)

	outcome := &workflow.ValidationOutcome{
		ContainerName: name,
		HostPort:      opts.HostPort,
		Logs:          map[string]string{},
	}

	report := func(stage string, passed bool, msg string) {
		if !passed && msg != "" {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %s", stage, msg))
		}
		if onStage != nil {
			onStage(StageEvent{Stage: stage, Passed: passed, Message: msg})
		}
	}

	// Stage 1: create container.
	handle, err := e.rt.Create(ctx, name, image, "/app", runtime.PortMap{ContainerPort: containerPort, HostPort: opts.HostPort}, runtime.ResourceLimits{
		MemoryBytes: 1 << 30,
	})
	if err != nil {
		report("create_container", false, err.Error())
		return outcome
	}

	defer func() {
		policy := runtime.PolicyRemove
		if !opts.ContainerCleanup {
			policy = runtime.PolicyKeep
		}
		if err := e.rt.Teardown(context.Background(), handle, policy); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("teardown: %s", err.Error()))
			if e.logger != nil {
				e.logger.Warn("teardown failed", zap.String("container", name), zap.Error(err))
			}
		}
	}()

	report("create_container", true, "")

	// Stage 2: inject project tree.
	if err := e.rt.CopyIn(ctx, handle, opts.ProjectRoot, "/app", excludedDirs); err != nil {
		report("inject_tree", false, err.Error())
		return outcome
	}
	report("inject_tree", true, "")

	manifestPath := manifestPathFor(opts.ProjectType)

	// Stage 3: apply plan.
	if opts.Plan != nil {
		manifestBytes, err := readHostManifest(opts.ProjectRoot, manifestPath)
		if err != nil {
			report("apply_plan", false, err.Error())
		} else {
			mutated, err := MutateManifest(opts.ProjectType, manifestBytes, opts.Plan)
			if err != nil {
				report("apply_plan", false, err.Error())
			} else if err := e.rt.WriteFile(ctx, handle, "/app/"+manifestPath, mutated); err != nil {
				report("apply_plan", false, err.Error())
			} else {
				report("apply_plan", true, "")
			}
		}
	}

	// Stage 4: install dependencies.
	installTimeout := opts.InstallTimeout
	if installTimeout == 0 {
		installTimeout = 5 * time.Minute
	}
	installArgv := installCommandFor(opts.ProjectType)
	installRes, err := e.rt.Exec(ctx, handle, installArgv, nil, nil, installTimeout)
	outcome.Logs["install"] = execLog(installRes)
	if err != nil || installRes.ExitCode != 0 {
		outcome.InstallOK = false
		report("install", false, execFailureMessage(installRes, err))
		return outcome
	}
	outcome.InstallOK = true
	report("install", true, "")

	// Stage 5: start application in background.
	startArgv := startCommandFor(opts.ProjectType)
	startRes, err := e.rt.Exec(ctx, handle, startArgv, nil, nil, 15*time.Second)
	outcome.Logs["start"] = execLog(startRes)
	outcome.StartOK = err == nil && startRes.ExitCode == 0
	if !outcome.StartOK {
		report("start", false, execFailureMessage(startRes, err))
		return outcome
	}
	report("start", true, "")

	// Stage 6: health check. Does not short-circuit tests.
	healthRes, herr := e.rt.Exec(ctx, handle,
		[]string{"sh", "-c", fmt.Sprintf("curl -fsS http://localhost:%d/ || exit 1", containerPort)},
		nil, nil, 10*time.Second)
	outcome.Logs["health"] = execLog(healthRes)
	if herr == nil && healthRes.ExitCode == 0 {
		outcome.HealthOK = true
	} else if herr == nil && healthRes.ExitCode == 127 {
		// curl unavailable in the image; fall back to process presence,
		// already established by a successful start.
		outcome.HealthOK = outcome.StartOK
	} else {
		outcome.HealthOK = false
	}
	report("health_check", outcome.HealthOK, execFailureMessage(healthRes, herr))

	// Stage 7: run tests, if present.
	testTimeout := opts.TestTimeout
	if testTimeout == 0 {
		testTimeout = 1 * time.Minute
	}
	testsFound, testArgv := testCommandFor(opts.ProjectType, opts.ProjectRoot, readManifestSafely(opts.ProjectRoot, manifestPath))
	outcome.TestsFound = testsFound
	if testsFound {
		testRes, err := e.rt.Exec(ctx, handle, testArgv, nil, nil, testTimeout)
		outcome.Logs["test"] = execLog(testRes)
		outcome.TestsOK = err == nil && testRes.ExitCode == 0
		outcome.TestSummary = parseTestSummary(execLog(testRes))
		report("run_tests", outcome.TestsOK, execFailureMessage(testRes, err))
	} else {
		report("run_tests", true, "no tests discovered")
	}

	// Stage 8: verify versions.
	versionsMatch := true
	if opts.Plan != nil {
		readBack, err := e.rt.Exec(ctx, handle, []string{"cat", "/app/" + manifestPath}, nil, nil, 10*time.Second)
		if err != nil || readBack.ExitCode != 0 {
			versionsMatch = false
			report("verify_versions", false, execFailureMessage(readBack, err))
		} else {
			ok, mismatches := VerifyVersions(opts.ProjectType, []byte(readBack.Stdout), opts.Plan)
			versionsMatch = ok
			if !ok {
				report("verify_versions", false, strings.Join(mismatches, "; "))
			} else {
				report("verify_versions", true, "")
			}
		}
	}
	outcome.VersionsMatch = versionsMatch

	return outcome
}

func execLog(res *runtime.ExecResult) string {
	if res == nil {
		return ""
	}
	return res.Stdout + res.Stderr
}

func execFailureMessage(res *runtime.ExecResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return "no result"
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("exit code %d: %s", res.ExitCode, truncate(res.Stderr, 500))
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func imageFor(pt workflow.ProjectType) string {
	if pt == workflow.ProjectPython {
		return "python:3.11-slim"
	}
	return "node:20-slim"
}

func containerPortFor(pt workflow.ProjectType) int {
	if pt == workflow.ProjectPython {
		return 5000
	}
	return 3000
}

func manifestPathFor(pt workflow.ProjectType) string {
	if pt == workflow.ProjectPython {
		return "requirements.txt"
	}
	return "package.json"
}

func installCommandFor(pt workflow.ProjectType) []string {
	if pt == workflow.ProjectPython {
		return []string{"pip", "install", "-r", "requirements.txt"}
	}
	return []string{"npm", "install"}
}

func startCommandFor(pt workflow.ProjectType) []string {
	if pt == workflow.ProjectPython {
		return []string{"sh", "-c", "(python app.py &) ; sleep 2 ; ps aux | grep -v grep | grep -q python"}
	}
	return []string{"sh", "-c", "(node index.js &) ; sleep 2 ; ps aux | grep -v grep | grep -q node"}
}
