package worker

import (
	"context"
	"fmt"

	"github.com/artemis/depupgrade/internal/reasoner"
	"github.com/artemis/depupgrade/internal/repogateway"
	"github.com/artemis/depupgrade/internal/validate"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"

	"github.com/artemis/depupgrade/internal/observability"
)

func manifestPathFor(pt workflow.ProjectType) string {
	if pt == workflow.ProjectPython {
		return "requirements.txt"
	}
	return "package.json"
}

// DependencyPlanner implements Planner: it pulls the dependency manifest,
// parses current versions, and calls Reasoner(PLAN, ...) falling back to a
// deterministic no-op plan when the reasoner is unavailable or malformed
// (spec §4.5 Planner).
type DependencyPlanner struct {
	gateway  repogateway.RepoGateway
	reasoner *reasoner.Client
	logger   *observability.Logger
}

// NewDependencyPlanner constructs a Planner over gateway and an optional
// reasoner client (nil disables the reasoner path entirely).
func NewDependencyPlanner(gateway repogateway.RepoGateway, r *reasoner.Client, logger *observability.Logger) *DependencyPlanner {
	return &DependencyPlanner{gateway: gateway, reasoner: r, logger: logger}
}

func (p *DependencyPlanner) Plan(ctx context.Context, state *workflow.MigrationState) (*workflow.MigrationPlan, error) {
	ref := repogateway.RepoRef{
		LocalPath: state.ProjectRoot,
		RemoteURL: state.Source.GitURL,
		Branch:    state.Source.GitBranch,
		AuthToken: state.Source.AuthCredential,
	}
	manifestPath := manifestPathFor(state.ProjectType)

	manifest, err := p.gateway.ReadFile(ctx, ref, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("planner: read manifest: %w", err)
	}

	current, err := validate.ParseCurrentVersions(state.ProjectType, manifest)
	if err != nil {
		return nil, fmt.Errorf("planner: parse manifest: %w", err)
	}

	if p.reasoner == nil {
		return heuristicPlan(current), nil
	}

	out, err := p.reasoner.Reason(ctx, reasoner.TaskPlan, map[string]interface{}{
		"manifest": string(manifest),
		"type":     string(state.ProjectType),
	}, "", func(in, outTok int64, cost float64) {
		state.CostAccum.Add("planner", in, outTok, cost)
	})
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("reasoner plan call failed, falling back to heuristic plan",
				zap.String("migration_id", state.ID), zap.Error(err))
		}
		state.RecordError(fmt.Sprintf("planner: %s", err.Error()))
		return heuristicPlan(current), nil
	}

	plan, err := decodePlan(out)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("reasoner plan response malformed, falling back to heuristic plan",
				zap.String("migration_id", state.ID), zap.Error(err))
		}
		state.RecordError(fmt.Sprintf("planner: %s", err.Error()))
		return heuristicPlan(current), nil
	}

	return plan, nil
}

// heuristicPlan is the deterministic fallback per spec §4.5: one phase,
// action=UPGRADE for every dependency, target_version = current_version
// (no-op), risk=LOW, no breaking-changes text. Keeps the workflow able to
// reach Validator even when reasoning is degraded.
func heuristicPlan(current map[string]string) *workflow.MigrationPlan {
	deps := make(map[string]workflow.DependencyChange, len(current))
	names := make([]string, 0, len(current))
	for name, version := range current {
		deps[name] = workflow.DependencyChange{
			CurrentVersion: version,
			TargetVersion:  version,
			Action:         workflow.ActionUpgrade,
			Risk:           workflow.RiskLow,
		}
		names = append(names, name)
	}

	plan := &workflow.MigrationPlan{
		Dependencies: deps,
		Phases: []workflow.PlanPhase{
			{
				Name:            "no-op",
				DependencyNames: names,
				EstimatedTime:   "0m",
			},
		},
		OverallRisk: workflow.RiskLow,
	}
	return plan
}

func decodePlan(out map[string]interface{}) (*workflow.MigrationPlan, error) {
	depsRaw, ok := out["dependencies"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("plan response missing dependencies object")
	}

	deps := make(map[string]workflow.DependencyChange, len(depsRaw))
	for name, v := range depsRaw {
		entry, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("dependency %s is not an object", name)
		}
		deps[name] = workflow.DependencyChange{
			CurrentVersion: stringField(entry, "current_version"),
			TargetVersion:  stringField(entry, "target_version"),
			Action:         workflow.DependencyAction(stringField(entry, "action")),
			Risk:           workflow.RiskLevel(stringField(entry, "risk")),
			BreakingChanges: decodeBreakingChanges(entry["breaking_changes"]),
		}
	}

	phasesRaw, _ := out["phases"].([]interface{})
	phases := make([]workflow.PlanPhase, 0, len(phasesRaw))
	for _, pr := range phasesRaw {
		entry, ok := pr.(map[string]interface{})
		if !ok {
			continue
		}
		phases = append(phases, workflow.PlanPhase{
			Name:            stringField(entry, "name"),
			DependencyNames: stringSliceField(entry, "dependency_names"),
			EstimatedTime:   stringField(entry, "estimated_time"),
			RollbackNote:    stringField(entry, "rollback_note"),
		})
	}

	plan := &workflow.MigrationPlan{
		Dependencies: deps,
		Phases:       phases,
		OverallRisk:  workflow.RiskLevel(stringField(out, "overall_risk")),
	}
	if plan.OverallRisk == "" {
		plan.ComputeOverallRisk()
	}
	return plan, nil
}

func decodeBreakingChanges(v interface{}) []workflow.BreakingChange {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]workflow.BreakingChange, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, workflow.BreakingChange{
			Version:  stringField(entry, "version"),
			Severity: stringField(entry, "severity"),
			Note:     stringField(entry, "note"),
		})
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func stringSliceField(m map[string]interface{}, key string) []string {
	v, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
