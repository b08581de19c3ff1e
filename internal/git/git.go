package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrRemoteBranchMissing is returned by Pull and Fetch when the remote has no
// commits on the requested branch yet.
var ErrRemoteBranchMissing = errors.New("remote branch not found")

// ErrPushRejected is returned by Push when the remote branch moved ahead
var ErrPushRejected = errors.New("push rejected by remote")

// Identity is the author and committer recorded on commits
type Identity struct {
	Name  string
	Email string
}

// Client provides the git operations the store engine needs on a single branch
type Client interface {
	// Clone clones only the given branch of url into dir
	Clone(ctx context.Context, url, branch, dir string) error
	// Pull fetches the branch from origin and rebases local commits onto it
	Pull(ctx context.Context, dir, branch string) error
	// Fetch updates origin/<branch> without touching the working tree
	Fetch(ctx context.Context, dir, branch string) error
	// Rebase replays local commits onto upstream, keeping uncommitted edits
	Rebase(ctx context.Context, dir, upstream string) error
	// ResetHard moves the current branch and working tree to ref
	ResetHard(ctx context.Context, dir, ref string) error
	// Add stages paths, including deletions
	Add(ctx context.Context, dir string, paths ...string) error
	// HasStagedChanges reports whether the index differs from HEAD for paths
	HasStagedChanges(ctx context.Context, dir string, paths ...string) (bool, error)
	// Commit records the index with message using the client's identity
	Commit(ctx context.Context, dir string, message string) error
	// CurrentBranch returns the checked out branch name
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// Checkout switches to branch, creating it if it does not exist locally
	Checkout(ctx context.Context, dir, branch string) error
	// Push pushes branch to origin
	Push(ctx context.Context, dir, branch string) error
}

// Auth configures how the shell client authenticates against remotes.
// Token takes precedence over TokenFile.
type Auth struct {
	Token      string
	TokenFile  string
	SSHKeyFile string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	auth     Auth
	identity Identity
}

// NewShellClient creates a new git client that uses the git command.
// who is used as author and committer for commits and for commits
// rewritten by pull --rebase.
func NewShellClient(auth Auth, who Identity) *ShellClient {
	return &ShellClient{auth: auth, identity: who}
}

// Clone clones a single branch. An empty remote (or one without the branch)
// is cloned as-is and HEAD is pointed at the unborn branch so the first push
// creates it.
func (c *ShellClient) Clone(ctx context.Context, url, branch, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	out, err := c.run(ctx, "", "clone", "--single-branch", "--branch", branch, url, dir)
	if err == nil {
		return nil
	}
	if !strings.Contains(out, "not found in upstream") {
		return fmt.Errorf("git clone failed: %w", err)
	}

	// Remove whatever the failed clone left behind before retrying
	_ = os.RemoveAll(dir)
	if _, err := c.run(ctx, "", "clone", url, dir); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	if _, err := c.run(ctx, dir, "symbolic-ref", "HEAD", "refs/heads/"+branch); err != nil {
		return fmt.Errorf("failed to point HEAD at %s: %w", branch, err)
	}
	return nil
}

// Pull fetches and rebases onto origin/<branch>. Uncommitted edits are
// stashed around the rebase. A failed rebase is aborted so the working copy
// is left usable.
func (c *ShellClient) Pull(ctx context.Context, dir, branch string) error {
	out, err := c.run(ctx, dir, "pull", "--rebase", "--autostash", "origin", branch)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "couldn't find remote ref") {
		return fmt.Errorf("git pull failed: %w: %w", ErrRemoteBranchMissing, err)
	}
	_, _ = c.run(ctx, dir, "rebase", "--abort")
	return fmt.Errorf("git pull failed: %w", err)
}

// Fetch updates the remote tracking branch
func (c *ShellClient) Fetch(ctx context.Context, dir, branch string) error {
	out, err := c.run(ctx, dir, "fetch", "origin", branch)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "couldn't find remote ref") {
		return fmt.Errorf("git fetch failed: %w: %w", ErrRemoteBranchMissing, err)
	}
	return fmt.Errorf("git fetch failed: %w", err)
}

// Rebase rebases onto upstream with --autostash. A failed rebase is aborted.
func (c *ShellClient) Rebase(ctx context.Context, dir, upstream string) error {
	if _, err := c.run(ctx, dir, "rebase", "--autostash", upstream); err != nil {
		_, _ = c.run(ctx, dir, "rebase", "--abort")
		return fmt.Errorf("git rebase failed: %w", err)
	}
	return nil
}

// ResetHard resets the current branch, index and working tree to ref
func (c *ShellClient) ResetHard(ctx context.Context, dir, ref string) error {
	if _, err := c.run(ctx, dir, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// Add stages the given paths; -A picks up removed files as well
func (c *ShellClient) Add(ctx context.Context, dir string, paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	if _, err := c.run(ctx, dir, args...); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// HasStagedChanges runs git diff --cached --quiet, which exits 1 when there
// are staged differences
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string, paths ...string) (bool, error) {
	args := append([]string{"diff", "--cached", "--quiet", "--"}, paths...)
	_, err := c.run(ctx, dir, args...)
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff failed: %w", err)
}

// Commit creates a commit; author and committer come from the environment
// set up in configureEnv
func (c *ShellClient) Commit(ctx context.Context, dir string, message string) error {
	if _, err := c.run(ctx, dir, "commit", "--no-gpg-sign", "--no-verify", "-m", message); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// CurrentBranch returns the symbolic name of HEAD, which also works on an
// unborn branch
func (c *ShellClient) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git symbolic-ref failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Checkout switches to branch. If it only exists on origin it is created
// from there; otherwise a new local branch is started at HEAD.
func (c *ShellClient) Checkout(ctx context.Context, dir, branch string) error {
	if _, err := c.run(ctx, dir, "checkout", branch); err == nil {
		return nil
	}
	if _, err := c.run(ctx, dir, "checkout", "-B", branch); err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}
	return nil
}

// Push pushes the local branch to origin
func (c *ShellClient) Push(ctx context.Context, dir, branch string) error {
	out, err := c.run(ctx, dir, "push", "origin", branch)
	if err == nil {
		return nil
	}
	if pushRejected(out) {
		return fmt.Errorf("git push failed: %w: %w", ErrPushRejected, err)
	}
	return fmt.Errorf("git push failed: %w", err)
}

// rejectionMarkers are the push outputs that mean the remote moved under us.
// Concurrent pushes to the same ref lose the ref lock on the remote side and
// report "remote rejected" instead of a plain non-fast-forward.
var rejectionMarkers = []string{
	"[rejected]",
	"[remote rejected]",
	"non-fast-forward",
	"fetch first",
	"cannot lock ref",
	"failed to update ref",
}

func pushRejected(out string) bool {
	for _, m := range rejectionMarkers {
		if strings.Contains(out, m) {
			return true
		}
	}
	return false
}

// run executes git with args in dir and returns the combined output. The
// error includes the output so stderr reaches the logs.
func (c *ShellClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	c.configureEnv(cmd)
	if err := c.configureAuth(cmd); err != nil {
		return "", err
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// configureEnv pins the bot identity and disables interactive prompts
func (c *ShellClient) configureEnv(cmd *exec.Cmd) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
	if c.identity.Name != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_NAME="+c.identity.Name,
			"GIT_COMMITTER_NAME="+c.identity.Name,
		)
	}
	if c.identity.Email != "" {
		cmd.Env = append(cmd.Env,
			"GIT_AUTHOR_EMAIL="+c.identity.Email,
			"GIT_COMMITTER_EMAIL="+c.identity.Email,
		)
	}
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.auth.SSHKeyFile != "" {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
	}

	token, err := c.token()
	if err != nil {
		return err
	}
	if token == "" {
		return nil
	}

	// HTTPS authentication with token. The token is passed via environment
	// and answered by a credential helper so it never appears in argv or in
	// the remote URL stored in .git/config.
	cmd.Env = append(cmd.Env, "GITSTORE_GIT_TOKEN="+token)
	cmd.Args = insertGitFlags(cmd.Args,
		"-c", "credential.helper=",
		"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITSTORE_GIT_TOKEN"; }; f`,
	)
	return nil
}

// token returns the configured token, reading the token file on every call
// so rotated tokens are picked up without a restart
func (c *ShellClient) token() (string, error) {
	if c.auth.Token != "" {
		return c.auth.Token, nil
	}
	if c.auth.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
