package worker

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayDeployer_Deploy_PushesManifestAndOpensPR(t *testing.T) {
	gw := &fakeGateway{files: map[string][]byte{
		"package.json": []byte(`{"dependencies":{"lodash":"3.0.0"}}`),
	}}
	d := NewGatewayDeployer(gw, nil, nil)
	d.now = func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }

	state := &workflow.MigrationState{
		ID:          "mig-1",
		ProjectType: workflow.ProjectNode,
		Plan: &workflow.MigrationPlan{
			Dependencies: map[string]workflow.DependencyChange{
				"lodash": {CurrentVersion: "3.0.0", TargetVersion: "4.17.21", Action: workflow.ActionUpgrade, Risk: workflow.RiskLow},
			},
		},
		Outcome: &workflow.ValidationOutcome{InstallOK: true, StartOK: true, HealthOK: true, VersionsMatch: true},
	}

	record, err := d.Deploy(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, "upgrade/dependencies-20260731", record.BranchName)
	assert.Equal(t, "upgrade/dependencies-20260731", gw.branchCreated)
	assert.Contains(t, record.CommitMessage, "lodash")
	assert.True(t, gw.prOpened)
	assert.Equal(t, "https://example.com/pr/42", record.PRURL)

	mutated, ok := gw.pushed["package.json"]
	require.True(t, ok, "manifest must have been pushed")
	assert.Contains(t, string(mutated), "4.17.21")
}

func TestGatewayDeployer_Deploy_TagsCommitWhenCredentialPresent(t *testing.T) {
	gw := &fakeGateway{files: map[string][]byte{
		"package.json": []byte(`{"dependencies":{"lodash":"3.0.0"}}`),
	}}
	d := NewGatewayDeployer(gw, nil, nil)
	d.now = func() time.Time { return time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC) }

	state := &workflow.MigrationState{
		ID:          "mig-3",
		ProjectType: workflow.ProjectNode,
		Source:      workflow.Source{GitURL: "https://example.com/repo.git", AuthCredential: "tok-abc"},
		Plan: &workflow.MigrationPlan{
			Dependencies: map[string]workflow.DependencyChange{
				"lodash": {CurrentVersion: "3.0.0", TargetVersion: "4.17.21", Action: workflow.ActionUpgrade, Risk: workflow.RiskLow},
			},
		},
		Outcome: &workflow.ValidationOutcome{InstallOK: true, StartOK: true, HealthOK: true, VersionsMatch: true},
	}

	record, err := d.Deploy(context.Background(), state)
	require.NoError(t, err)
	assert.Contains(t, record.CommitMessage, "Signed-tag: ")
}

func TestGatewayDeployer_Deploy_UsesTemplatedBodyWithoutReasoner(t *testing.T) {
	gw := &fakeGateway{files: map[string][]byte{
		"package.json": []byte(`{"dependencies":{}}`),
	}}
	d := NewGatewayDeployer(gw, nil, nil)

	state := &workflow.MigrationState{
		ID:          "mig-2",
		ProjectType: workflow.ProjectNode,
		Plan:        &workflow.MigrationPlan{Dependencies: map[string]workflow.DependencyChange{}, OverallRisk: workflow.RiskLow},
		Outcome:     &workflow.ValidationOutcome{InstallOK: true, StartOK: true, HealthOK: true, VersionsMatch: true},
	}

	record, err := d.Deploy(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "chore: no dependency changes", record.CommitMessage)
	assert.Equal(t, "Upgrade dependencies", gw.prTitle)
	assert.Contains(t, gw.prBody, "Automated dependency upgrade.")
}
