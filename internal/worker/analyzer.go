package worker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/reasoner"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"
)

// patternRule is one entry of the deterministic, ordered most-specific to
// least-specific pattern-matching table (spec §4.5 Analyzer).
type patternRule struct {
	match    func(lower string) bool
	category workflow.DiagnosisCategory
	cause    string
}

var apiBreakingPattern = regexp.MustCompile(`typeerror:\s*\S.*\bis not a function\b`)

// patternTable is evaluated top-to-bottom; the first matching rule wins.
// "peer dep" intentionally excludes bare "peer" to avoid false positives
// against the word "TypeError" (spec §4.5).
var patternTable = []patternRule{
	{
		match:    func(lower string) bool { return strings.Contains(lower, "cannot find module") },
		category: workflow.CategoryMissingDep,
		cause:    "a required module could not be resolved",
	},
	{
		match:    func(lower string) bool { return apiBreakingPattern.MatchString(lower) },
		category: workflow.CategoryAPIBreaking,
		cause:    "an upgraded dependency removed or renamed a function the project calls",
	},
	{
		match:    func(lower string) bool { return strings.Contains(lower, "peer dep") },
		category: workflow.CategoryPeerConflict,
		cause:    "a peer dependency constraint was violated by the planned upgrade",
	},
	{
		match:    func(lower string) bool { return strings.Contains(lower, "incompatible with") },
		category: workflow.CategoryVersionConflict,
		cause:    "two planned dependency versions are mutually incompatible",
	},
}

// PatternAnalyzer implements Analyzer: a deterministic pattern-matching
// baseline, optionally augmented and re-ranked by Reasoner(DIAGNOSE, ...)
// fixes (spec §4.5 Analyzer).
type PatternAnalyzer struct {
	reasoner *reasoner.Client
	logger   *observability.Logger
}

// NewPatternAnalyzer constructs an Analyzer. A nil reasoner client disables
// the LLM-augmented fix path and relies on pattern matching alone.
func NewPatternAnalyzer(r *reasoner.Client, logger *observability.Logger) *PatternAnalyzer {
	return &PatternAnalyzer{reasoner: r, logger: logger}
}

func (a *PatternAnalyzer) Analyze(ctx context.Context, state *workflow.MigrationState) (*workflow.ErrorDiagnosis, *workflow.MigrationPlan, error) {
	if state.Outcome == nil {
		return nil, nil, fmt.Errorf("analyzer: no validation outcome to diagnose")
	}

	logText := strings.ToLower(strings.Join(append(append([]string{}, state.Outcome.Errors...), flattenLogs(state.Outcome.Logs)...), "\n"))

	category, cause := classify(logText)
	baseline := workflow.ProposedFix{
		Description: fmt.Sprintf("pattern-matched diagnosis: %s", cause),
		Confidence:  0.4,
		PlanPatch:   patchForCategory(category, state.Plan),
	}

	fixes := []workflow.ProposedFix{baseline}

	if a.reasoner != nil {
		out, err := a.reasoner.Reason(ctx, reasoner.TaskDiagnose, map[string]interface{}{
			"errors": state.Outcome.Errors,
			"logs":   state.Outcome.Logs,
			"plan":   state.Plan,
		}, "", func(in, outTok int64, cost float64) {
			state.CostAccum.Add("analyzer", in, outTok, cost)
		})
		if err != nil {
			if a.logger != nil {
				a.logger.Warn("reasoner diagnose call failed, using pattern-match baseline only",
					zap.String("migration_id", state.ID), zap.Error(err))
			}
			state.RecordError(fmt.Sprintf("analyzer: %s", err.Error()))
		} else if augmented, ok := decodeFixes(out); ok {
			fixes = append(fixes, augmented...)
			if c := workflow.DiagnosisCategory(stringField(out, "category")); c != "" {
				category = c
			}
			if rc := stringField(out, "root_cause"); rc != "" {
				cause = rc
			}
		}
	}

	sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Confidence > fixes[j].Confidence })

	diagnosis := &workflow.ErrorDiagnosis{
		RootCause: cause,
		Category:  category,
		Fixes:      fixes,
	}

	if len(fixes) == 0 || fixes[0].PlanPatch.DependencyName == "" {
		return diagnosis, nil, nil
	}

	nextPlan := applyPatch(state.Plan, fixes[0].PlanPatch)
	return diagnosis, nextPlan, nil
}

func classify(lowerText string) (workflow.DiagnosisCategory, string) {
	for _, rule := range patternTable {
		if rule.match(lowerText) {
			return rule.category, rule.cause
		}
	}
	return workflow.CategoryUnknown, "no recognized failure pattern in the captured output"
}

func flattenLogs(logs map[string]string) []string {
	out := make([]string, 0, len(logs))
	for _, v := range logs {
		out = append(out, v)
	}
	return out
}

// patchForCategory proposes a conservative structural patch for the
// pattern-matched baseline fix. Only MISSING_DEP and VERSION_CONFLICT have
// an obvious deterministic remediation; others leave DependencyName empty
// so the engine knows no applicable patch exists from this fix alone.
func patchForCategory(category workflow.DiagnosisCategory, plan *workflow.MigrationPlan) workflow.PlanPatch {
	if plan == nil {
		return workflow.PlanPatch{}
	}
	switch category {
	case workflow.CategoryMissingDep, workflow.CategoryVersionConflict:
		for name, dep := range plan.Dependencies {
			if dep.Action == workflow.ActionUpgrade || dep.Action == workflow.ActionAdd {
				return workflow.PlanPatch{
					DependencyName: name,
					NewTargetVer:   dep.CurrentVersion,
					NewAction:      workflow.ActionKeep,
				}
			}
		}
	}
	return workflow.PlanPatch{}
}

func decodeFixes(out map[string]interface{}) ([]workflow.ProposedFix, bool) {
	raw, ok := out["fixes"].([]interface{})
	if !ok {
		return nil, false
	}
	fixes := make([]workflow.ProposedFix, 0, len(raw))
	for _, f := range raw {
		entry, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		confidence := 0.0
		if c, ok := entry["confidence"].(float64); ok {
			confidence = c
		}
		patch := workflow.PlanPatch{}
		if p, ok := entry["plan_patch"].(map[string]interface{}); ok {
			patch = workflow.PlanPatch{
				DependencyName: stringField(p, "dependency_name"),
				NewTargetVer:   stringField(p, "new_target_version"),
				NewAction:      workflow.DependencyAction(stringField(p, "new_action")),
				AddShim:        stringField(p, "add_shim"),
			}
		}
		fixes = append(fixes, workflow.ProposedFix{
			Description: stringField(entry, "description"),
			Confidence:  confidence,
			PlanPatch:   patch,
		})
	}
	return fixes, len(fixes) > 0
}

// applyPatch returns a copy of plan with patch applied to its targeted
// dependency (spec §4.5: "applied to the current plan in-place to produce
// the next plan the workflow will validate").
func applyPatch(plan *workflow.MigrationPlan, patch workflow.PlanPatch) *workflow.MigrationPlan {
	if plan == nil || patch.DependencyName == "" {
		return plan
	}
	next := *plan
	next.Dependencies = make(map[string]workflow.DependencyChange, len(plan.Dependencies))
	for k, v := range plan.Dependencies {
		next.Dependencies[k] = v
	}

	dep, ok := next.Dependencies[patch.DependencyName]
	if !ok {
		dep = workflow.DependencyChange{}
	}
	if patch.NewTargetVer != "" {
		dep.TargetVersion = patch.NewTargetVer
	}
	if patch.NewAction != "" {
		dep.Action = patch.NewAction
	}
	next.Dependencies[patch.DependencyName] = dep
	next.ComputeOverallRisk()
	return &next
}
