// Package git provides typed access to the git CLI for the mirror's working
// tree. Every command targets one repository directory via -C, and commits
// are made under a fixed identity so the mirror never depends on the host's
// git configuration.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/daviddao/switchboard/pkg/model"
)

// Remote is the remote name the mirror pushes to.
const Remote = "origin"

// Commit identity used for every mirror commit and rebase.
const (
	AuthorName  = "switchboard-mirror"
	AuthorEmail = "mirror@switchboard.local"
)

// EventsDir is the tree prefix protected by the append-only check.
const EventsDir = "events/"

// Repository is a git working tree at a specific directory.
type Repository struct {
	dir    string
	secret string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in the repository and returns stdout. Stderr
// is folded into the error on failure, with any configured token scrubbed.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			r.scrub(strings.Join(args, " ")), r.dir, err, r.scrub(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

// runAs runs a command that may create commits under the mirror identity.
func (r *Repository) runAs(ctx context.Context, args ...string) (string, error) {
	identity := []string{
		"-c", "user.name=" + AuthorName,
		"-c", "user.email=" + AuthorEmail,
		"-c", "commit.gpgsign=false",
	}
	return r.Run(ctx, append(identity, args...)...)
}

func (r *Repository) scrub(s string) string {
	if r.secret == "" {
		return s
	}
	return strings.ReplaceAll(s, r.secret, "***")
}

// InitRepo creates the directory and runs git init unless a .git directory
// already exists.
func (r *Repository) InitRepo(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", r.dir, err)
	}
	if _, err := os.Stat(filepath.Join(r.dir, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	_, err := r.Run(ctx, "init")
	return err
}

// StageAll stages every change in the working tree.
func (r *Repository) StageAll(ctx context.Context) error {
	_, err := r.Run(ctx, "add", "-A")
	return err
}

// Commit records the index as one commit and returns its SHA. Empty commits
// are allowed.
func (r *Repository) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.runAs(ctx, "commit", "--allow-empty", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return r.HeadSHA(ctx)
}

// HeadSHA returns the commit HEAD points at.
func (r *Repository) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AuthURL embeds token as the user part of rawURL. An empty token returns
// rawURL unchanged.
func AuthURL(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("remote url %q has no host to authenticate against", RedactURL(rawURL))
	}
	u.User = url.User(token)
	return u.String(), nil
}

// RedactURL hides any credentials in rawURL so it can be logged.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.User("***")
	return u.String()
}

// ConfigureRemote points origin at rawURL with token embedded, adding the
// remote or updating its URL as needed. It reports what it did: "added",
// "updated" or "unchanged".
func (r *Repository) ConfigureRemote(ctx context.Context, rawURL, token string) (string, error) {
	authURL, err := AuthURL(rawURL, token)
	if err != nil {
		return "", err
	}
	r.secret = token

	current, err := r.Run(ctx, "remote", "get-url", Remote)
	switch {
	case err != nil:
		if _, err := r.Run(ctx, "remote", "add", Remote, authURL); err != nil {
			return "", err
		}
		return "added", nil
	case strings.TrimSpace(current) != authURL:
		if _, err := r.Run(ctx, "remote", "set-url", Remote, authURL); err != nil {
			return "", err
		}
		return "updated", nil
	}
	return "unchanged", nil
}

// RemoteBranchExists reports whether branch exists on origin.
func (r *Repository) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := r.Run(ctx, "ls-remote", "--heads", Remote, "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (r *Repository) fetch(ctx context.Context, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, Remote, branch)
	_, err := r.Run(ctx, "fetch", Remote, refspec)
	return err
}

// CheckAppendOnly fails with a *model.InvariantError if HEAD modifies or
// deletes any file under events/ relative to its merge base with the remote
// branch. A missing remote branch passes: everything is an addition.
func (r *Repository) CheckAppendOnly(ctx context.Context, branch string) error {
	exists, err := r.RemoteBranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := r.fetch(ctx, branch); err != nil {
		return err
	}
	out, err := r.Run(ctx, "diff", "--name-status", "--no-renames", "-z",
		fmt.Sprintf("%s/%s...HEAD", Remote, branch))
	if err != nil {
		return err
	}
	for _, c := range parseNameStatus(out) {
		if strings.HasPrefix(c.Path, EventsDir) && c.Status != "A" {
			return &model.InvariantError{Path: c.Path, Reason: "status " + c.Status + ", only additions allowed"}
		}
	}
	return nil
}

// Change is one entry of a name-status diff.
type Change struct {
	Status string
	Path   string
}

// parseNameStatus parses `git diff --name-status -z` output. Renames are
// disabled by the caller, so every record is a status and one path.
func parseNameStatus(out string) []Change {
	fields := strings.Split(strings.TrimRight(out, "\x00"), "\x00")
	var changes []Change
	for i := 0; i+1 < len(fields); i += 2 {
		changes = append(changes, Change{Status: fields[i], Path: fields[i+1]})
	}
	return changes
}

// FetchAndRebase rebases local commits onto the remote branch. On conflict
// the rebase is aborted, leaving the local commits as they were. A missing
// remote branch is a no-op.
func (r *Repository) FetchAndRebase(ctx context.Context, branch string) error {
	exists, err := r.RemoteBranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := r.fetch(ctx, branch); err != nil {
		return err
	}
	if _, err := r.runAs(ctx, "rebase", Remote+"/"+branch); err != nil {
		// Abort uses a fresh context so a cancelled caller cannot leave
		// the tree mid-rebase.
		if _, abortErr := r.Run(context.Background(), "rebase", "--abort"); abortErr != nil {
			return errors.Join(err, abortErr)
		}
		return err
	}
	return nil
}

// Push publishes HEAD to the remote branch.
func (r *Repository) Push(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "push", Remote, "HEAD:refs/heads/"+branch)
	return err
}
