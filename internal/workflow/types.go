// Package workflow holds the migration data model: MigrationState, its
// constituent records, and the phase, event and error enums for a migration
// that moves through PLANNING -> VALIDATING -> ANALYZING -> DEPLOYING -> a
// terminal phase. The WorkflowEngine that drives it lives in internal/worker.
package workflow

import "time"

// ProjectType mirrors config.ProjectType without importing internal/config,
// keeping this package's public types dependency-free for collaborators.
type ProjectType string

const (
	ProjectNode   ProjectType = "NODE"
	ProjectPython ProjectType = "PYTHON"
)

// Phase is one of the states a MigrationState can occupy. Only the
// WorkflowEngine advances Phase; workers report results back to it.
type Phase string

const (
	PhasePlanning           Phase = "PLANNING"
	PhaseValidating         Phase = "VALIDATING"
	PhaseAnalyzing          Phase = "ANALYZING"
	PhaseDeploying          Phase = "DEPLOYING"
	PhaseTerminalSuccess    Phase = "TERMINAL_SUCCESS"
	PhaseTerminalFailure    Phase = "TERMINAL_FAILURE"
	PhaseTerminalEscalated  Phase = "TERMINAL_ESCALATED"
)

// IsTerminal reports whether p is one of the three TERMINAL_* phases.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseTerminalSuccess, PhaseTerminalFailure, PhaseTerminalEscalated:
		return true
	default:
		return false
	}
}

// RiskLevel classifies how risky a dependency change or plan is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// DependencyAction describes what a planned change does to a dependency.
type DependencyAction string

const (
	ActionUpgrade DependencyAction = "UPGRADE"
	ActionRemove  DependencyAction = "REMOVE"
	ActionAdd     DependencyAction = "ADD"
	ActionKeep    DependencyAction = "KEEP"
)

// BreakingChange records one known breaking change between versions.
type BreakingChange struct {
	Version  string `json:"version"`
	Severity string `json:"severity"`
	Note     string `json:"note"`
}

// DependencyChange is one entry of a MigrationPlan.Dependencies map.
type DependencyChange struct {
	CurrentVersion  string             `json:"current_version"`
	TargetVersion   string             `json:"target_version"`
	Action          DependencyAction   `json:"action"`
	Risk            RiskLevel          `json:"risk"`
	BreakingChanges []BreakingChange   `json:"breaking_changes,omitempty"`
}

// PlanPhase is one ordered step of a MigrationPlan's rollout sequence.
type PlanPhase struct {
	Name             string   `json:"name"`
	DependencyNames  []string `json:"dependency_names"`
	EstimatedTime    string   `json:"estimated_time"`
	RollbackNote     string   `json:"rollback_note,omitempty"`
}

// MigrationPlan is produced by the Planner worker.
type MigrationPlan struct {
	Dependencies map[string]DependencyChange `json:"dependencies"`
	Phases       []PlanPhase                 `json:"phases"`
	OverallRisk  RiskLevel                   `json:"overall_risk"`
}

// ComputeOverallRisk recomputes OverallRisk as the maximum risk among
// Dependencies, per spec: "overall_risk: the maximum risk among dependencies."
func (p *MigrationPlan) ComputeOverallRisk() {
	max := RiskLow
	for _, d := range p.Dependencies {
		if riskRank(d.Risk) > riskRank(max) {
			max = d.Risk
		}
	}
	p.OverallRisk = max
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// ValidationOutcome is produced by the Validator worker/ValidationEngine.
type ValidationOutcome struct {
	ContainerName  string            `json:"container_name"`
	HostPort       int               `json:"host_port"`
	InstallOK      bool              `json:"install_ok"`
	StartOK        bool              `json:"start_ok"`
	HealthOK       bool              `json:"health_ok"`
	TestsFound     bool              `json:"tests_found"`
	TestsOK        bool              `json:"tests_ok"`
	VersionsMatch  bool              `json:"versions_match"`
	Logs           map[string]string `json:"logs,omitempty"`
	TestSummary    string            `json:"test_summary,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
}

// OK implements the spec's definition of overall validation success:
// install_ok ∧ start_ok ∧ health_ok ∧ versions_match ∧ (¬tests_found ∨ tests_ok).
func (v *ValidationOutcome) OK() bool {
	if !(v.InstallOK && v.StartOK && v.HealthOK && v.VersionsMatch) {
		return false
	}
	if v.TestsFound && !v.TestsOK {
		return false
	}
	return true
}

// DiagnosisCategory classifies why a validation failed.
type DiagnosisCategory string

const (
	CategoryMissingDep      DiagnosisCategory = "MISSING_DEP"
	CategoryAPIBreaking     DiagnosisCategory = "API_BREAKING"
	CategoryPeerConflict    DiagnosisCategory = "PEER_CONFLICT"
	CategoryConfig          DiagnosisCategory = "CONFIG"
	CategoryVersionConflict DiagnosisCategory = "VERSION_CONFLICT"
	CategoryUnknown         DiagnosisCategory = "UNKNOWN"
)

// PlanPatch is a structured mutation the Analyzer proposes against the
// current MigrationPlan (e.g. "change target_version of x", "add a shim").
type PlanPatch struct {
	DependencyName string `json:"dependency_name"`
	NewTargetVer   string `json:"new_target_version,omitempty"`
	NewAction      DependencyAction `json:"new_action,omitempty"`
	AddShim        string `json:"add_shim,omitempty"`
}

// ProposedFix is one candidate remediation, ordered by descending Confidence.
type ProposedFix struct {
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	PlanPatch   PlanPatch `json:"plan_patch"`
}

// ErrorDiagnosis is produced by the Analyzer worker.
type ErrorDiagnosis struct {
	RootCause string            `json:"root_cause"`
	Category  DiagnosisCategory `json:"category"`
	Fixes     []ProposedFix     `json:"fixes"`
}

// DeploymentRecord is produced by the Deployer worker on success.
type DeploymentRecord struct {
	BranchName    string `json:"branch_name"`
	CommitMessage string `json:"commit_message"`
	PRURL         string `json:"pr_url"`
}

// CostEntry itemizes reasoner spend attributed to one worker.
type CostEntry struct {
	Worker       string  `json:"worker"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostAccumulator tracks running LLM spend, itemized per worker.
type CostAccumulator struct {
	Entries []CostEntry `json:"entries"`
}

// Add folds a cost observation from worker into the accumulator. A worker
// accumulates across multiple reasoner calls in the same entry.
func (c *CostAccumulator) Add(worker string, inputTokens, outputTokens int64, costUSD float64) {
	for i := range c.Entries {
		if c.Entries[i].Worker == worker {
			c.Entries[i].InputTokens += inputTokens
			c.Entries[i].OutputTokens += outputTokens
			c.Entries[i].CostUSD += costUSD
			return
		}
	}
	c.Entries = append(c.Entries, CostEntry{
		Worker:       worker,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
	})
}

// Source identifies where the project under migration comes from. Exactly
// one of LocalPath or GitURL is set; Source is immutable once recorded on a
// MigrationState.
type Source struct {
	LocalPath string `json:"local_path,omitempty"`
	GitURL    string `json:"git_url,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	AuthCredential string `json:"-"` // never serialized; see observability.Redact*
}

// MigrationState is the sole piece of mutable workflow memory. Every
// transition through the WorkflowEngine produces a new logical revision,
// checkpointed via internal/store.
type MigrationState struct {
	ID          string      `json:"id"`
	ProjectRoot string      `json:"project_root"`
	ProjectType ProjectType `json:"project_type"`
	Source      Source      `json:"source"`

	Plan       *MigrationPlan     `json:"plan,omitempty"`
	Outcome    *ValidationOutcome `json:"outcome,omitempty"`
	Diagnosis  *ErrorDiagnosis    `json:"diagnosis,omitempty"`
	Deployment *DeploymentRecord  `json:"deployment,omitempty"`

	Errors []string `json:"errors,omitempty"`

	RetriesUsed int `json:"retries_used"`
	RetriesMax  int `json:"retries_max"`

	Phase Phase `json:"phase"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	CostAccum CostAccumulator `json:"cost_accum"`

	// nextSeq is the bus sequence counter for this migration; persisted
	// alongside so a late-started process can resume numbering correctly.
	NextSeq uint64 `json:"next_seq"`
}

// RecordError appends an error description to the ordered Errors list.
// Errors are never removed once appended (spec §3: "ordered list of error
// descriptions accumulated during the run").
func (m *MigrationState) RecordError(s string) {
	m.Errors = append(m.Errors, s)
}

// CanRetry reports whether the Analyzer->Validator edge may still be taken.
func (m *MigrationState) CanRetry() bool {
	return m.RetriesUsed < m.RetriesMax
}

// EventKind is one of the exhaustive event kinds a WorkflowEngine emits.
type EventKind string

const (
	EventWorkflowStart    EventKind = "WORKFLOW_START"
	EventPhaseEnter       EventKind = "PHASE_ENTER"
	EventWorkerThinking   EventKind = "WORKER_THINKING"
	EventToolUse          EventKind = "TOOL_USE"
	EventStageResult      EventKind = "STAGE_RESULT"
	EventWorkerDone       EventKind = "WORKER_DONE"
	EventRetryScheduled   EventKind = "RETRY_SCHEDULED"
	EventTerminalSuccess  EventKind = "TERMINAL_SUCCESS"
	EventTerminalFailure  EventKind = "TERMINAL_FAILURE"
	EventTerminalEscalated EventKind = "TERMINAL_ESCALATED"
)

// IsTerminal reports whether k is one of the three terminal event kinds.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventTerminalSuccess, EventTerminalFailure, EventTerminalEscalated:
		return true
	default:
		return false
	}
}

// Event is one append-only, never-mutated record in a migration's event
// log. Seq is strictly increasing per MigrationID (spec §3 invariant 4).
type Event struct {
	MigrationID  string      `json:"migration_id"`
	Seq          uint64      `json:"seq"`
	Kind         EventKind   `json:"kind"`
	SourceWorker string      `json:"source_worker,omitempty"`
	Payload      interface{} `json:"payload,omitempty"`
	TS           time.Time   `json:"ts"`
}

// ErrorKind is the finite error taxonomy from spec §7, used on internal
// MigrationError values and surfaced inside Event payloads so callers can
// switch on it instead of string-matching messages.
type ErrorKind string

const (
	ErrorReasonerMalformed  ErrorKind = "REASONER_MALFORMED"
	ErrorReasonerUnavailable ErrorKind = "REASONER_UNAVAILABLE"
	ErrorContainerTransient ErrorKind = "CONTAINER_TRANSIENT"
	ErrorContainerFatal     ErrorKind = "CONTAINER_FATAL"
	ErrorGatewayTransient   ErrorKind = "GATEWAY_TRANSIENT"
	ErrorGatewayPermanent   ErrorKind = "GATEWAY_PERMANENT"
	ErrorValidationFailure  ErrorKind = "VALIDATION_FAILURE"
	ErrorCanceled           ErrorKind = "CANCELED"
	ErrorInternal           ErrorKind = "INTERNAL"
)

// MigrationError wraps an underlying error with its taxonomy Kind, so
// handling code can switch on Kind without parsing messages.
type MigrationError struct {
	Kind ErrorKind
	Err  error
}

func (e *MigrationError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *MigrationError) Unwrap() error { return e.Err }

// NewMigrationError constructs a MigrationError of the given kind.
func NewMigrationError(kind ErrorKind, err error) *MigrationError {
	return &MigrationError{Kind: kind, Err: err}
}
