package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/reasoner"
	"github.com/artemis/depupgrade/internal/repogateway"
	"github.com/artemis/depupgrade/internal/validate"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"
)

// GatewayDeployer implements Deployer: branch, push, open a pull request
// with a reasoner-authored or deterministic-templated body (spec §4.5
// Deployer).
type GatewayDeployer struct {
	gateway  repogateway.RepoGateway
	reasoner *reasoner.Client
	logger   *observability.Logger
	now      func() time.Time
}

// NewGatewayDeployer constructs a Deployer over gateway and an optional
// reasoner client.
func NewGatewayDeployer(gateway repogateway.RepoGateway, r *reasoner.Client, logger *observability.Logger) *GatewayDeployer {
	return &GatewayDeployer{gateway: gateway, reasoner: r, logger: logger, now: time.Now}
}

func (d *GatewayDeployer) Deploy(ctx context.Context, state *workflow.MigrationState) (*workflow.DeploymentRecord, error) {
	ref := repogateway.RepoRef{
		LocalPath: state.ProjectRoot,
		RemoteURL: state.Source.GitURL,
		Branch:    state.Source.GitBranch,
		AuthToken: state.Source.AuthCredential,
	}

	baseBranch := state.Source.GitBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	branchName := fmt.Sprintf("upgrade/dependencies-%s", d.now().UTC().Format("20060102"))

	if err := d.gateway.CreateBranch(ctx, ref, branchName, baseBranch); err != nil {
		return nil, fmt.Errorf("deployer: create branch: %w", err)
	}

	manifestPath := manifestPathFor(state.ProjectType)
	mutated, err := d.mutatedManifestBytes(ctx, ref, state)
	if err != nil {
		return nil, fmt.Errorf("deployer: render mutated manifest: %w", err)
	}

	commitMessage := commitMessageFor(state.Plan)
	if state.Source.AuthCredential != "" {
		if tag, err := d.signingTagFor(state, commitMessage); err != nil {
			if d.logger != nil {
				d.logger.Warn("commit signing tag derivation failed, pushing unsigned commit",
					zap.String("migration_id", state.ID), zap.Error(err))
			}
		} else {
			commitMessage = fmt.Sprintf("%s\n\nSigned-tag: %s", commitMessage, tag)
		}
	}
	if err := d.gateway.PushFiles(ctx, ref, branchName, map[string][]byte{manifestPath: mutated}, commitMessage); err != nil {
		return nil, fmt.Errorf("deployer: push files: %w", err)
	}

	title, body := d.composeMessage(ctx, state)

	prURL, err := d.gateway.OpenPullRequest(ctx, ref, title, body, branchName, baseBranch)
	if err != nil {
		return nil, fmt.Errorf("deployer: open pull request: %w", err)
	}

	return &workflow.DeploymentRecord{
		BranchName:    branchName,
		CommitMessage: commitMessage,
		PRURL:         prURL,
	}, nil
}

func (d *GatewayDeployer) composeMessage(ctx context.Context, state *workflow.MigrationState) (string, string) {
	if d.reasoner != nil {
		out, err := d.reasoner.Reason(ctx, reasoner.TaskDeployMessage, map[string]interface{}{
			"plan":    state.Plan,
			"outcome": state.Outcome,
		}, "", func(in, outTok int64, cost float64) {
			state.CostAccum.Add("deployer", in, outTok, cost)
		})
		if err == nil {
			title := stringField(out, "title")
			body := stringField(out, "body")
			if title != "" {
				return title, body
			}
		} else if d.logger != nil {
			d.logger.Warn("reasoner deploy-message call failed, using templated body",
				zap.String("migration_id", state.ID), zap.Error(err))
		}
	}
	return templatedTitleAndBody(state)
}

// signingTagFor derives a per-repository commit signing key from the
// migration's credential and tags commitMessage with it, so a receiving
// webhook can verify the commit originated from this credentialed run
// without the credential itself ever leaving the process (spec §6
// RepoGateway credential handling).
func (d *GatewayDeployer) signingTagFor(state *workflow.MigrationState, commitMessage string) (string, error) {
	key, err := repogateway.DeriveCommitSigningKey(state.Source.AuthCredential, state.ID)
	if err != nil {
		return "", err
	}
	return repogateway.SigningTag(key, commitMessage), nil
}

func commitMessageFor(plan *workflow.MigrationPlan) string {
	if plan == nil || len(plan.Dependencies) == 0 {
		return "chore: no dependency changes"
	}
	names := make([]string, 0, len(plan.Dependencies))
	for name := range plan.Dependencies {
		names = append(names, name)
	}
	return fmt.Sprintf("chore: upgrade %d dependencies (%s)", len(names), strings.Join(names, ", "))
}

func templatedTitleAndBody(state *workflow.MigrationState) (string, string) {
	title := "Upgrade dependencies"
	var b strings.Builder
	b.WriteString("Automated dependency upgrade.\n\n")
	if state.Plan != nil {
		b.WriteString(fmt.Sprintf("Overall risk: %s\n\n", state.Plan.OverallRisk))
		for name, dep := range state.Plan.Dependencies {
			b.WriteString(fmt.Sprintf("- %s: %s -> %s (%s)\n", name, dep.CurrentVersion, dep.TargetVersion, dep.Action))
		}
	}
	if state.Outcome != nil {
		b.WriteString(fmt.Sprintf("\nValidation: install_ok=%v start_ok=%v health_ok=%v tests_ok=%v versions_match=%v\n",
			state.Outcome.InstallOK, state.Outcome.StartOK, state.Outcome.HealthOK, state.Outcome.TestsOK, state.Outcome.VersionsMatch))
		if state.Outcome.TestSummary != "" {
			b.WriteString(fmt.Sprintf("Tests: %s\n", state.Outcome.TestSummary))
		}
	}
	return title, b.String()
}

// mutatedManifestBytes re-renders the manifest mutation the Validator
// already applied inside the container, against the real repository's
// current manifest content, so the Deployer pushes the same byte-exact
// mutation outside the sandbox.
func (d *GatewayDeployer) mutatedManifestBytes(ctx context.Context, ref repogateway.RepoRef, state *workflow.MigrationState) ([]byte, error) {
	if state.Plan == nil {
		return nil, fmt.Errorf("no plan to render")
	}
	manifest, err := d.gateway.ReadFile(ctx, ref, manifestPathFor(state.ProjectType))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return validate.MutateManifest(state.ProjectType, manifest, state.Plan)
}
