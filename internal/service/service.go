// Package service implements the MigrationService façade: the single
// public entry point the spec's §6 Service API describes (StartMigration,
// GetMigration, ListMigrations, SubscribeMigration), grounded on the
// teacher's internal/server.Server — which plays the same role (one struct
// wiring the engine, the event hub and the store behind a handful of public
// methods) for its migration.Engine.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/artemis/depupgrade/internal/config"
	"github.com/artemis/depupgrade/internal/eventbus"
	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/store"
	"github.com/artemis/depupgrade/internal/worker"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"
)

// ErrUnknownMigration is returned by GetMigration/Cancel when migrationID
// names neither a live workflow nor a persisted record.
var ErrUnknownMigration = fmt.Errorf("service: unknown migration")

// StartMigrationRequest is the exhaustive request shape for StartMigration
// (spec §6): exactly one of ProjectPath or GitRepoURL must be set.
type StartMigrationRequest struct {
	ProjectPath    string
	GitRepoURL     string
	GitBranch      string
	GitCredential  string
	ProjectType    workflow.ProjectType
	MaxRetries     int
}

// MigrationService is the façade: one StartMigration entry point, one
// subscription entry point, one status lookup. It owns the registry of
// live workflows indirectly through worker.Engine and bounds concurrency
// per spec §5 ("N concurrent workflows ... workflows queued beyond the
// bound wait").
type MigrationService struct {
	engine *worker.Engine
	store  *store.Store
	bus    *eventbus.Bus
	cfg    *config.Config
	logger *observability.Logger

	slots chan struct{}
}

// New constructs a MigrationService over an already-wired Engine, Store and
// Bus (spec §2 dependency order: the façade sits above everything else).
func New(engine *worker.Engine, st *store.Store, bus *eventbus.Bus, cfg *config.Config, logger *observability.Logger) *MigrationService {
	concurrency := cfg.WorkflowConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &MigrationService{
		engine: engine,
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		slots:  make(chan struct{}, concurrency),
	}
}

// StartMigration resolves the project source, clones a git reference into a
// workspace under cfg.DataDir when one is given, clamps max_retries to
// [0, 10] (spec §6), and starts the workflow once a concurrency slot is
// free. It returns the migration id immediately; acquiring a slot may block
// the caller's goroutine (not the whole service) when WorkflowConcurrency is
// saturated, matching spec §5's "workflows queued beyond the bound wait".
func (s *MigrationService) StartMigration(ctx context.Context, req StartMigrationRequest) (string, error) {
	if (req.ProjectPath == "") == (req.GitRepoURL == "") {
		return "", fmt.Errorf("service: exactly one of project_path or git_repo_url must be set")
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 10 {
		maxRetries = 10
	}

	projectRoot := req.ProjectPath
	src := workflow.Source{LocalPath: req.ProjectPath}
	if req.GitRepoURL != "" {
		var err error
		projectRoot, err = s.cloneWorkspace(ctx, req.GitRepoURL, req.GitBranch, req.GitCredential)
		if err != nil {
			return "", fmt.Errorf("service: clone workspace: %w", err)
		}
		src = workflow.Source{GitURL: req.GitRepoURL, GitBranch: req.GitBranch, AuthCredential: req.GitCredential}
	}

	opts := worker.StartOptions{
		ProjectRoot: projectRoot,
		ProjectType: req.ProjectType,
		Source:      src,
		MaxRetries:  maxRetries,
	}

	observability.WorkflowQueueDepth.Inc()
	select {
	case s.slots <- struct{}{}:
		observability.WorkflowQueueDepth.Dec()
	case <-ctx.Done():
		observability.WorkflowQueueDepth.Dec()
		return "", ctx.Err()
	}

	id, err := s.engine.StartMigration(ctx, opts)
	if err != nil {
		<-s.slots
		return "", err
	}

	go s.releaseSlotOnTerminal(id)

	return id, nil
}

// releaseSlotOnTerminal frees the concurrency slot StartMigration acquired
// once the workflow reaches a terminal phase, by subscribing to its own
// event stream (spec §5: "workflows queued beyond the bound wait").
func (s *MigrationService) releaseSlotOnTerminal(migrationID string) {
	defer func() { <-s.slots }()

	sub, err := s.bus.Subscribe(migrationID)
	if err != nil {
		return
	}
	defer s.bus.Unsubscribe(sub)

	ctx := context.Background()
	for {
		evt, ok := sub.Next(ctx)
		if !ok || evt.Kind.IsTerminal() {
			return
		}
	}
}

// cloneWorkspace clones repoURL at branch into a fresh directory under
// cfg.DataDir/workspaces, mirroring the teacher's preference for shelling
// out to the git binary rather than a VCS client library (no such library
// exists anywhere in the retrieved pack; see internal/repogateway).
func (s *MigrationService) cloneWorkspace(ctx context.Context, repoURL, branch, credential string) (string, error) {
	root := filepath.Join(s.cfg.DataDir, "workspaces")
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	dir, err := os.MkdirTemp(root, "migration-")
	if err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, authenticatedURL(repoURL, credential), dir)

	cctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("git clone: %s: %w", string(out), err)
	}
	return dir, nil
}

// authenticatedURL embeds credential into repoURL for a one-shot clone,
// matching the git CLI's own https://TOKEN@host/... convention. It is never
// logged; observability.Logger redacts credential-shaped substrings anyway.
func authenticatedURL(repoURL, credential string) string {
	if credential == "" {
		return repoURL
	}
	return schemeOf(repoURL) + credential + "@" + trimScheme(repoURL)
}

// schemeOf returns repoURL's "https://"/"http://" prefix, or "" if neither
// matches, so authenticatedURL can re-attach it around the credential.
func schemeOf(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(url, scheme) {
			return scheme
		}
	}
	return ""
}

func trimScheme(url string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(url, scheme) {
			return url[len(scheme):]
		}
	}
	return url
}

// GetMigration returns a snapshot of migrationID's current state: the live
// in-process copy if the workflow is still running, otherwise the last
// persisted checkpoint.
func (s *MigrationService) GetMigration(migrationID string) (*workflow.MigrationState, error) {
	if snap, ok := s.engine.Snapshot(migrationID); ok {
		return snap, nil
	}
	if s.store != nil {
		state, err := s.store.LoadState(migrationID)
		if err == nil {
			return state, nil
		}
	}
	return nil, ErrUnknownMigration
}

// ListMigrations returns persisted migration snapshots ordered by StartedAt
// descending (most recent first), paginated by limit/offset (spec §6).
func (s *MigrationService) ListMigrations(limit, offset int) ([]*workflow.MigrationState, error) {
	if s.store == nil {
		return nil, nil
	}
	ids, err := s.store.ListMigrationIDs()
	if err != nil {
		return nil, fmt.Errorf("service: list migrations: %w", err)
	}

	states := make([]*workflow.MigrationState, 0, len(ids))
	for _, id := range ids {
		state, err := s.store.LoadState(id)
		if err != nil {
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})

	if offset >= len(states) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(states) {
		end = len(states)
	}
	return states[offset:end], nil
}

// SubscribeMigration returns an event stream for migrationID, replaying the
// terminal event immediately for an already-finished migration (spec §4.1).
func (s *MigrationService) SubscribeMigration(migrationID string) (*eventbus.Subscription, error) {
	sub, err := s.bus.Subscribe(migrationID)
	if err != nil {
		return nil, fmt.Errorf("service: %w", ErrUnknownMigration)
	}
	return sub, nil
}

// CancelMigration requests cancellation of a running migration.
func (s *MigrationService) CancelMigration(migrationID string) error {
	if err := s.engine.Cancel(migrationID); err != nil {
		return fmt.Errorf("service: %w", ErrUnknownMigration)
	}
	return nil
}

// ResumeAll scans the store for every persisted non-terminal migration and
// resumes it on the Engine, per spec §4.6's "Resumption rule": on startup,
// every workflow whose persisted phase is not TERMINAL_* is resumable.
func (s *MigrationService) ResumeAll(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ids, err := s.store.ListMigrationIDs()
	if err != nil {
		return fmt.Errorf("service: resume: list migrations: %w", err)
	}

	for _, id := range ids {
		state, err := s.store.LoadState(id)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("resume: failed to load persisted state, skipping", zap.String("migration_id", id), zap.Error(err))
			}
			continue
		}
		if state.Phase.IsTerminal() {
			continue
		}

		observability.WorkflowQueueDepth.Inc()
		select {
		case s.slots <- struct{}{}:
			observability.WorkflowQueueDepth.Dec()
		case <-ctx.Done():
			observability.WorkflowQueueDepth.Dec()
			return ctx.Err()
		}

		if err := s.engine.Resume(ctx, state); err != nil {
			<-s.slots
			if s.logger != nil {
				s.logger.Warn("resume: engine rejected migration", zap.String("migration_id", id), zap.Error(err))
			}
			continue
		}
		go s.releaseSlotOnTerminal(id)

		if s.logger != nil {
			s.logger.Info("resumed migration from checkpoint", zap.String("migration_id", id), zap.String("phase", string(state.Phase)))
		}
	}
	return nil
}

// StoreTerminalLookup adapts *store.Store to eventbus.TerminalLookup, so a
// late subscriber to an already-finished migration observes a synthetic
// terminal event reconstructed from the persisted record (spec §4.1).
type StoreTerminalLookup struct {
	Store *store.Store
}

// LookupTerminalEvent reconstructs the terminal event for migrationID from
// its last persisted events.log entry, falling back to synthesizing one
// from state.json when the log is empty or missing.
func (l StoreTerminalLookup) LookupTerminalEvent(migrationID string) (workflow.Event, bool) {
	events, err := l.Store.ReadEvents(migrationID)
	if err == nil {
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Kind.IsTerminal() {
				return events[i], true
			}
		}
	}

	state, err := l.Store.LoadState(migrationID)
	if err != nil || !state.Phase.IsTerminal() {
		return workflow.Event{}, false
	}

	kind := workflow.EventTerminalFailure
	switch state.Phase {
	case workflow.PhaseTerminalSuccess:
		kind = workflow.EventTerminalSuccess
	case workflow.PhaseTerminalEscalated:
		kind = workflow.EventTerminalEscalated
	}

	ts := time.Now()
	if state.FinishedAt != nil {
		ts = *state.FinishedAt
	}
	return workflow.Event{
		MigrationID: migrationID,
		Seq:         state.NextSeq,
		Kind:        kind,
		TS:          ts,
	}, true
}
