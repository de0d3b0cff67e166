// Package repogateway implements RepoGateway, the collaborator the
// Planner and Deployer workers use to read manifest files and the Deployer
// uses to open the final pull request (spec §6). One implementation is
// provided, GitCLIGateway: a thin git-CLI wrapper that works on a local
// checkout (the project_root, or the workspace a git_url source was cloned
// into) — no VCS/PR client library appears anywhere in the retrieved
// example pack, and RepoGateway's contract is explicitly out of scope per
// spec §6, so it stays minimal rather than inventing a fake dependency.
package repogateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrorKind classifies a RepoGateway failure (spec §6).
type ErrorKind string

const (
	ErrUnauthorized ErrorKind = "UNAUTHORIZED"
	ErrNotFound     ErrorKind = "NOT_FOUND"
	ErrConflict     ErrorKind = "CONFLICT"
	ErrTransient    ErrorKind = "TRANSIENT"
	ErrPermanent    ErrorKind = "PERMANENT"
)

// GatewayError wraps an underlying error with its RepoGateway ErrorKind.
type GatewayError struct {
	Kind ErrorKind
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newGatewayError(kind ErrorKind, err error) *GatewayError {
	return &GatewayError{Kind: kind, Err: err}
}

// RepoRef identifies the repository a RepoGateway call targets.
type RepoRef struct {
	// LocalPath is set for a project supplied as a local working copy.
	LocalPath string
	// RemoteURL, Branch and AuthToken are set for a project supplied as a
	// git repository reference.
	RemoteURL string
	Branch    string
	AuthToken string
}

// RepoGateway mediates read/write/branch/PR operations on the project's
// source repository (spec §6). Implementations are opaque collaborators;
// the core only depends on this interface.
type RepoGateway interface {
	ReadFile(ctx context.Context, ref RepoRef, path string) ([]byte, error)
	CreateBranch(ctx context.Context, ref RepoRef, branchName, fromBranch string) error
	PushFiles(ctx context.Context, ref RepoRef, branchName string, files map[string][]byte, commitMessage string) error
	OpenPullRequest(ctx context.Context, ref RepoRef, title, body, head, base string) (string, error)
}

// GitCLIGateway implements RepoGateway over a local git checkout using the
// git binary via os/exec, mirroring the teacher's preference for wrapping
// an external CLI/daemon rather than reimplementing its protocol.
type GitCLIGateway struct {
	// workDir is the root of the cloned/working repository.
	workDir string
	// prOpener, when set, is called in place of shelling out to a forge
	// CLI to open the actual pull request — forges are opaque per spec §6
	// and no client library for one exists in the pack.
	prOpener func(ctx context.Context, ref RepoRef, title, body, head, base string) (string, error)
}

// NewGitCLIGateway constructs a gateway rooted at workDir.
func NewGitCLIGateway(workDir string, prOpener func(ctx context.Context, ref RepoRef, title, body, head, base string) (string, error)) *GitCLIGateway {
	return &GitCLIGateway{workDir: workDir, prOpener: prOpener}
}

func (g *GitCLIGateway) ReadFile(ctx context.Context, ref RepoRef, path string) ([]byte, error) {
	root := ref.LocalPath
	if root == "" {
		root = g.workDir
	}
	data, err := os.ReadFile(filepath.Join(root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newGatewayError(ErrNotFound, err)
		}
		return nil, newGatewayError(ErrTransient, err)
	}
	return data, nil
}

func (g *GitCLIGateway) CreateBranch(ctx context.Context, ref RepoRef, branchName, fromBranch string) error {
	if err := g.run(ctx, ref, "checkout", fromBranch); err != nil {
		return err
	}
	return g.run(ctx, ref, "checkout", "-b", branchName)
}

func (g *GitCLIGateway) PushFiles(ctx context.Context, ref RepoRef, branchName string, files map[string][]byte, commitMessage string) error {
	root := ref.LocalPath
	if root == "" {
		root = g.workDir
	}
	for relPath, content := range files {
		full := filepath.Join(root, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return newGatewayError(ErrPermanent, err)
		}
		if err := os.WriteFile(full, content, 0644); err != nil {
			return newGatewayError(ErrPermanent, err)
		}
		if err := g.run(ctx, ref, "add", relPath); err != nil {
			return err
		}
	}
	if err := g.run(ctx, ref, "commit", "-m", commitMessage); err != nil {
		return err
	}
	if ref.RemoteURL == "" {
		// Local-only source: nothing to push to.
		return nil
	}
	return g.run(ctx, ref, "push", "origin", branchName)
}

func (g *GitCLIGateway) OpenPullRequest(ctx context.Context, ref RepoRef, title, body, head, base string) (string, error) {
	if g.prOpener == nil {
		return "", newGatewayError(ErrPermanent, fmt.Errorf("no PR opener configured for this gateway"))
	}
	url, err := g.prOpener(ctx, ref, title, body, head, base)
	if err != nil {
		return "", newGatewayError(ErrTransient, err)
	}
	return url, nil
}

func (g *GitCLIGateway) run(ctx context.Context, ref RepoRef, args ...string) error {
	root := ref.LocalPath
	if root == "" {
		root = g.workDir
	}
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classifyGitError(string(out), err)
	}
	return nil
}

func classifyGitError(output string, err error) *GatewayError {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "authentication failed"):
		return newGatewayError(ErrUnauthorized, fmt.Errorf("%s: %w", strings.TrimSpace(output), err))
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return newGatewayError(ErrNotFound, fmt.Errorf("%s: %w", strings.TrimSpace(output), err))
	case strings.Contains(lower, "conflict") || strings.Contains(lower, "non-fast-forward") || strings.Contains(lower, "already exists"):
		return newGatewayError(ErrConflict, fmt.Errorf("%s: %w", strings.TrimSpace(output), err))
	case strings.Contains(lower, "could not resolve host") || strings.Contains(lower, "timed out") || strings.Contains(lower, "connection reset"):
		return newGatewayError(ErrTransient, fmt.Errorf("%s: %w", strings.TrimSpace(output), err))
	default:
		return newGatewayError(ErrPermanent, fmt.Errorf("%s: %w", strings.TrimSpace(output), err))
	}
}

// DeriveCommitSigningKey derives a 32-byte key from the repository's auth
// credential for tagging commit messages with an integrity digest, the
// same HKDF-SHA256 construction the teacher uses in
// peer.CryptoManager.DeriveSessionKey, retargeted from a pairing session
// key to a per-repository signing key.
func DeriveCommitSigningKey(authToken string, migrationID string) ([]byte, error) {
	if authToken == "" {
		return nil, fmt.Errorf("auth token cannot be empty")
	}
	salt := sha256.Sum256([]byte(migrationID))
	hkdfReader := hkdf.New(sha256.New, []byte(authToken), salt[:], []byte("depupgrade-commit-signing-key-v1"))
	key := make([]byte, 32)
	if _, err := hkdfReader.Read(key); err != nil {
		return nil, fmt.Errorf("derive commit signing key: %w", err)
	}
	return key, nil
}

// SigningTag returns a short hex digest suitable for appending to a commit
// message so a receiving webhook can verify the commit originated from a
// credentialed run, without transmitting the credential itself.
func SigningTag(key []byte, commitMessage string) string {
	h := sha256.Sum256(append(key, []byte(commitMessage)...))
	return hex.EncodeToString(h[:8])
}
