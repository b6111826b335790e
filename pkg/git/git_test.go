package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daviddao/switchboard/pkg/model"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir,
		"-c", "user.name=Test", "-c", "user.email=test@test.local", "-c", "commit.gpgsign=false"}, args...)
	out, err := exec.Command("git", full...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newBareRemote returns a bare repository whose HEAD is main.
func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	if out, err := exec.Command("git", "init", "--bare", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v\n%s", err, out)
	}
	gitCmd(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	return dir
}

// newLocal returns an initialized Repository with origin set to remote.
func newLocal(t *testing.T, remote string) *Repository {
	t.Helper()
	repo := NewRepository(filepath.Join(t.TempDir(), "work"))
	ctx := context.Background()
	if err := repo.InitRepo(ctx); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	if remote != "" {
		if _, err := repo.ConfigureRemote(ctx, remote, ""); err != nil {
			t.Fatalf("ConfigureRemote: %v", err)
		}
	}
	return repo
}

func commitFile(t *testing.T, repo *Repository, rel, content string) string {
	t.Helper()
	ctx := context.Background()
	writeFile(t, repo.Dir(), rel, content)
	if err := repo.StageAll(ctx); err != nil {
		t.Fatalf("StageAll: %v", err)
	}
	sha, err := repo.Commit(ctx, "add "+rel)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return sha
}

func TestInitRepo_Idempotent(t *testing.T) {
	requireGit(t)
	repo := newLocal(t, "")
	commitFile(t, repo, "a.txt", "a\n")
	if err := repo.InitRepo(context.Background()); err != nil {
		t.Fatalf("second InitRepo: %v", err)
	}
	if _, err := repo.HeadSHA(context.Background()); err != nil {
		t.Fatalf("history lost after re-init: %v", err)
	}
}

func TestCommit_ReturnsHeadAndAllowsEmpty(t *testing.T) {
	requireGit(t)
	repo := newLocal(t, "")
	ctx := context.Background()

	sha := commitFile(t, repo, "a.txt", "a\n")
	head, err := repo.HeadSHA(ctx)
	if err != nil || head != sha {
		t.Fatalf("HeadSHA = %q, %v; want %q", head, err, sha)
	}

	empty, err := repo.Commit(ctx, "nothing")
	if err != nil {
		t.Fatalf("empty Commit: %v", err)
	}
	if empty == sha {
		t.Fatal("empty commit did not advance HEAD")
	}
	author := strings.TrimSpace(gitCmd(t, repo.Dir(), "log", "-1", "--format=%an"))
	if author != AuthorName {
		t.Fatalf("author = %q, want %q", author, AuthorName)
	}
}

func TestRun_ErrorIncludesStderr(t *testing.T) {
	requireGit(t)
	repo := newLocal(t, "")
	_, err := repo.Run(context.Background(), "not-a-command")
	if err == nil || !strings.Contains(err.Error(), "stderr:") {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigureRemote_AddUpdateUnchanged(t *testing.T) {
	requireGit(t)
	repo := newLocal(t, "")
	ctx := context.Background()

	steps := []struct {
		url, token, want string
	}{
		{"https://example.com/org/repo.git", "tok1", "added"},
		{"https://example.com/org/repo.git", "tok1", "unchanged"},
		{"https://example.com/org/repo.git", "tok2", "updated"},
	}
	for _, s := range steps {
		got, err := repo.ConfigureRemote(ctx, s.url, s.token)
		if err != nil || got != s.want {
			t.Fatalf("ConfigureRemote(%s) = %q, %v; want %q", s.token, got, err, s.want)
		}
	}
	current := strings.TrimSpace(gitCmd(t, repo.Dir(), "remote", "get-url", Remote))
	if current != "https://tok2@example.com/org/repo.git" {
		t.Fatalf("remote url = %q", current)
	}

	_, err := repo.Run(ctx, "remote", "add", Remote, current)
	if err == nil || strings.Contains(err.Error(), "tok2") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestAuthURLAndRedact(t *testing.T) {
	got, err := AuthURL("https://github.com/o/r.git", "secret")
	if err != nil || got != "https://secret@github.com/o/r.git" {
		t.Fatalf("AuthURL = %q, %v", got, err)
	}
	if red := RedactURL(got); strings.Contains(red, "secret") {
		t.Fatalf("RedactURL = %q", red)
	}
	if got, _ := AuthURL("/srv/repo.git", ""); got != "/srv/repo.git" {
		t.Fatalf("AuthURL without token = %q", got)
	}
	if _, err := AuthURL("/srv/repo.git", "tok"); err == nil {
		t.Fatal("AuthURL accepted a token for a hostless url")
	}
}

func TestParseNameStatus(t *testing.T) {
	got := parseNameStatus("A\x00events/a.json\x00M\x00README\x00D\x00events/b.json\x00")
	want := []Change{{"A", "events/a.json"}, {"M", "README"}, {"D", "events/b.json"}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if parseNameStatus("") != nil {
		t.Fatal("empty diff produced changes")
	}
}

func TestCheckAppendOnly(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	repo := newLocal(t, remote)

	commitFile(t, repo, "events/f/2024-01-01/a.json", "{}\n")
	if err := repo.CheckAppendOnly(ctx, "main"); err != nil {
		t.Fatalf("missing remote branch: %v", err)
	}
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	commitFile(t, repo, "events/f/2024-01-01/b.json", "{}\n")
	commitFile(t, repo, "snapshots/notes.md", "x\n")
	if err := repo.CheckAppendOnly(ctx, "main"); err != nil {
		t.Fatalf("additions rejected: %v", err)
	}
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	commitFile(t, repo, "events/f/2024-01-01/a.json", `{"rewritten":true}`+"\n")
	err := repo.CheckAppendOnly(ctx, "main")
	var inv *model.InvariantError
	if !errors.Is(err, model.ErrInvariant) || !errors.As(err, &inv) || inv.Path != "events/f/2024-01-01/a.json" {
		t.Fatalf("modification: got %v", err)
	}
}

func TestCheckAppendOnly_Deletion(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	repo := newLocal(t, remote)

	commitFile(t, repo, "events/f/2024-01-01/a.json", "{}\n")
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, repo.Dir(), "rm", "-q", "events/f/2024-01-01/a.json")
	if _, err := repo.Commit(ctx, "delete"); err != nil {
		t.Fatal(err)
	}
	if err := repo.CheckAppendOnly(ctx, "main"); !errors.Is(err, model.ErrInvariant) {
		t.Fatalf("deletion: got %v", err)
	}
}

func TestFetchAndRebase(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	repo := newLocal(t, remote)

	commitFile(t, repo, "events/f/2024-01-01/a.json", "{}\n")
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(t.TempDir(), "other")
	if out, err := exec.Command("git", "clone", "-q", remote, other).CombinedOutput(); err != nil {
		t.Fatalf("clone: %v\n%s", err, out)
	}
	writeFile(t, other, "events/f/2024-01-01/b.json", "{}\n")
	gitCmd(t, other, "add", "-A")
	gitCmd(t, other, "commit", "-q", "-m", "other writer")
	gitCmd(t, other, "push", "-q", "origin", "HEAD:refs/heads/main")

	commitFile(t, repo, "events/f/2024-01-01/c.json", "{}\n")
	if err := repo.Push(ctx, "main"); err == nil {
		t.Fatal("non-fast-forward push succeeded")
	}
	if err := repo.FetchAndRebase(ctx, "main"); err != nil {
		t.Fatalf("FetchAndRebase: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.Dir(), "events/f/2024-01-01/b.json")); err != nil {
		t.Fatalf("remote file missing after rebase: %v", err)
	}
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatalf("Push after rebase: %v", err)
	}
}

func TestFetchAndRebase_ConflictAborts(t *testing.T) {
	requireGit(t)
	ctx := context.Background()
	remote := newBareRemote(t)
	repo := newLocal(t, remote)

	commitFile(t, repo, "policy/rules.txt", "v1\n")
	if err := repo.Push(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(t.TempDir(), "other")
	if out, err := exec.Command("git", "clone", "-q", remote, other).CombinedOutput(); err != nil {
		t.Fatalf("clone: %v\n%s", err, out)
	}
	writeFile(t, other, "policy/rules.txt", "remote\n")
	gitCmd(t, other, "commit", "-q", "-am", "remote edit")
	gitCmd(t, other, "push", "-q", "origin", "HEAD:refs/heads/main")

	local := commitFile(t, repo, "policy/rules.txt", "local\n")
	if err := repo.FetchAndRebase(ctx, "main"); err == nil {
		t.Fatal("conflicting rebase succeeded")
	}
	head, err := repo.HeadSHA(ctx)
	if err != nil || head != local {
		t.Fatalf("HEAD = %q, %v; want local commit %q restored", head, err, local)
	}
	if _, err := os.Stat(filepath.Join(repo.Dir(), ".git", "rebase-merge")); !os.IsNotExist(err) {
		t.Fatal("rebase left in progress")
	}
}

func TestFetchAndRebase_NoRemoteBranch(t *testing.T) {
	requireGit(t)
	repo := newLocal(t, newBareRemote(t))
	commitFile(t, repo, "a.txt", "a\n")
	if err := repo.FetchAndRebase(context.Background(), "main"); err != nil {
		t.Fatalf("FetchAndRebase: %v", err)
	}
}
