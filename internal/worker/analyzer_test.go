package worker

import (
	"context"
	"testing"

	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_OrdersMostSpecificFirst(t *testing.T) {
	cat, _ := classify("error: cannot find module 'dotenv/config'")
	assert.Equal(t, workflow.CategoryMissingDep, cat)

	cat, _ = classify(`typeerror: foo.bar is not a function`)
	assert.Equal(t, workflow.CategoryAPIBreaking, cat)

	cat, _ = classify("unmet peer dep: react@18 required")
	assert.Equal(t, workflow.CategoryPeerConflict, cat)

	cat, _ = classify("version 2.0.0 incompatible with 1.x")
	assert.Equal(t, workflow.CategoryVersionConflict, cat)

	cat, _ = classify("segmentation fault")
	assert.Equal(t, workflow.CategoryUnknown, cat)
}

func TestClassify_BarePeerDoesNotMatchPeerConflict(t *testing.T) {
	cat, _ := classify("typeerror: peer.connect is not a function")
	assert.Equal(t, workflow.CategoryAPIBreaking, cat, "a bare 'peer' substring must not trigger PEER_CONFLICT")
}

func TestApplyPatch_UpdatesTargetedDependencyOnly(t *testing.T) {
	plan := &workflow.MigrationPlan{Dependencies: map[string]workflow.DependencyChange{
		"dotenv": {CurrentVersion: "16.0.0", TargetVersion: "17.0.0", Action: workflow.ActionUpgrade, Risk: workflow.RiskLow},
		"lodash": {CurrentVersion: "4.0.0", TargetVersion: "4.17.21", Action: workflow.ActionUpgrade, Risk: workflow.RiskHigh},
	}}

	next := applyPatch(plan, workflow.PlanPatch{
		DependencyName: "dotenv",
		NewAction:      workflow.ActionKeep,
		NewTargetVer:   "16.0.0",
	})

	assert.Equal(t, workflow.ActionKeep, next.Dependencies["dotenv"].Action)
	assert.Equal(t, "16.0.0", next.Dependencies["dotenv"].TargetVersion)
	assert.Equal(t, workflow.ActionUpgrade, next.Dependencies["lodash"].Action, "untouched dependency must be unaffected")

	assert.Equal(t, workflow.ActionUpgrade, plan.Dependencies["dotenv"].Action, "original plan must not be mutated in place")
}

func TestPatternAnalyzer_Analyze_FallsBackToPatternMatchWithoutReasoner(t *testing.T) {
	a := NewPatternAnalyzer(nil, nil)
	state := &workflow.MigrationState{
		ID: "mig-1",
		Plan: &workflow.MigrationPlan{Dependencies: map[string]workflow.DependencyChange{
			"dotenv": {CurrentVersion: "16.0.0", TargetVersion: "17.0.0", Action: workflow.ActionUpgrade},
		}},
		Outcome: &workflow.ValidationOutcome{
			Errors: []string{"install: Cannot find module 'dotenv/config'"},
		},
	}

	diagnosis, nextPlan, err := a.Analyze(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, workflow.CategoryMissingDep, diagnosis.Category)
	assert.NotNil(t, nextPlan)
}
