package repogateway

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0644))
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	run("branch", "-M", "main")
	return dir
}

func TestGitCLIGateway_ReadFile(t *testing.T) {
	dir := initRepo(t)
	g := NewGitCLIGateway(dir, nil)

	data, err := g.ReadFile(context.Background(), RepoRef{}, "README.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = g.ReadFile(context.Background(), RepoRef{}, "missing.txt")
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrNotFound, gerr.Kind)
}

func TestGitCLIGateway_CreateBranchAndPushFiles(t *testing.T) {
	dir := initRepo(t)
	g := NewGitCLIGateway(dir, nil)
	ctx := context.Background()

	require.NoError(t, g.CreateBranch(ctx, RepoRef{}, "upgrade/dependencies-20260731", "main"))
	require.NoError(t, g.PushFiles(ctx, RepoRef{}, "upgrade/dependencies-20260731", map[string][]byte{
		"package.json": []byte(`{"name":"demo"}`),
	}, "bump dependencies"))

	data, err := g.ReadFile(ctx, RepoRef{}, "package.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "demo")
}

func TestGitCLIGateway_OpenPullRequest_NoOpenerConfigured(t *testing.T) {
	dir := initRepo(t)
	g := NewGitCLIGateway(dir, nil)

	_, err := g.OpenPullRequest(context.Background(), RepoRef{}, "title", "body", "head", "main")
	require.Error(t, err)
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, ErrPermanent, gerr.Kind)
}

func TestGitCLIGateway_OpenPullRequest_DelegatesToOpener(t *testing.T) {
	dir := initRepo(t)
	called := false
	g := NewGitCLIGateway(dir, func(ctx context.Context, ref RepoRef, title, body, head, base string) (string, error) {
		called = true
		return "https://example.com/pr/1", nil
	})

	url, err := g.OpenPullRequest(context.Background(), RepoRef{}, "t", "b", "head", "main")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "https://example.com/pr/1", url)
}

func TestDeriveCommitSigningKey_DeterministicPerInputs(t *testing.T) {
	k1, err := DeriveCommitSigningKey("token-a", "migration-1")
	require.NoError(t, err)
	k2, err := DeriveCommitSigningKey("token-a", "migration-1")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveCommitSigningKey("token-b", "migration-1")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveCommitSigningKey_RejectsEmptyToken(t *testing.T) {
	_, err := DeriveCommitSigningKey("", "migration-1")
	require.Error(t, err)
}

func TestSigningTag_StableForSameKeyAndMessage(t *testing.T) {
	key, err := DeriveCommitSigningKey("token-a", "migration-1")
	require.NoError(t, err)
	tag1 := SigningTag(key, "bump dependencies")
	tag2 := SigningTag(key, "bump dependencies")
	assert.Equal(t, tag1, tag2)
	assert.Len(t, tag1, 16)
}
