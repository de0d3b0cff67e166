package worker

import (
	"context"
	"testing"

	"github.com/artemis/depupgrade/internal/reasoner"
	"github.com/artemis/depupgrade/internal/repogateway"
	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	files map[string][]byte
	err   error

	pushed       map[string][]byte
	branchCreated string
	prOpened     bool
	prTitle      string
	prBody       string
}

func (g *fakeGateway) ReadFile(ctx context.Context, ref repogateway.RepoRef, path string) ([]byte, error) {
	if g.err != nil {
		return nil, g.err
	}
	data, ok := g.files[path]
	if !ok {
		return nil, &repogateway.GatewayError{Kind: repogateway.ErrNotFound}
	}
	return data, nil
}

func (g *fakeGateway) CreateBranch(ctx context.Context, ref repogateway.RepoRef, branchName, fromBranch string) error {
	g.branchCreated = branchName
	return nil
}

func (g *fakeGateway) PushFiles(ctx context.Context, ref repogateway.RepoRef, branchName string, files map[string][]byte, commitMessage string) error {
	if g.pushed == nil {
		g.pushed = map[string][]byte{}
	}
	for k, v := range files {
		g.pushed[k] = v
	}
	return nil
}

func (g *fakeGateway) OpenPullRequest(ctx context.Context, ref repogateway.RepoRef, title, body, head, base string) (string, error) {
	g.prOpened = true
	g.prTitle = title
	g.prBody = body
	return "https://example.com/pr/42", nil
}

func TestDependencyPlanner_FallsBackToHeuristicWithoutReasoner(t *testing.T) {
	gw := &fakeGateway{files: map[string][]byte{
		"package.json": []byte(`{"dependencies":{"lodash":"3.0.0"}}`),
	}}
	p := NewDependencyPlanner(gw, nil, nil)

	state := &workflow.MigrationState{ID: "mig-1", ProjectType: workflow.ProjectNode}
	plan, err := p.Plan(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, "3.0.0", plan.Dependencies["lodash"].TargetVersion, "heuristic plan must be a no-op")
	assert.Equal(t, workflow.ActionUpgrade, plan.Dependencies["lodash"].Action)
	assert.Len(t, plan.Phases, 1)
}

func TestDependencyPlanner_FallsBackOnMalformedReasonerResponse(t *testing.T) {
	gw := &fakeGateway{files: map[string][]byte{
		"package.json": []byte(`{"dependencies":{"lodash":"3.0.0"}}`),
	}}
	fp := &fakeProviderForPlanner{raw: "not json"}
	r, err := reasoner.New(fp, reasoner.DefaultNormalizers(), nil, reasoner.Config{MaxRetries: 1})
	require.NoError(t, err)

	p := NewDependencyPlanner(gw, r, nil)
	state := &workflow.MigrationState{ID: "mig-1", ProjectType: workflow.ProjectNode}

	plan, err := p.Plan(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", plan.Dependencies["lodash"].TargetVersion)
	assert.NotEmpty(t, state.Errors)
}

type fakeProviderForPlanner struct {
	raw string
}

func (f *fakeProviderForPlanner) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, reasoner.Usage, error) {
	return f.raw, reasoner.Usage{}, nil
}
