package workspace

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrProvision wraps workspace provisioning failures so callers can tell them
// apart from agent spawn failures.
var ErrProvision = errors.New("workspace provisioning failed")

// Workspace is one task's isolated filesystem slice. RepoPath is where the
// agent runs: a git worktree checkout when isolation was requested, otherwise
// a plain directory.
type Workspace struct {
	ID       string
	Path     string
	RepoPath string
	Branch   string
}

// Options controls provisioning. SourceRepo plus Worktree gives the task a
// standalone checkout, independent of the caller's working tree and of
// sibling workspaces. BranchName creates the worktree on a new branch;
// otherwise the checkout is detached at HEAD.
type Options struct {
	SourceRepo string
	Worktree   bool
	BranchName string
}

type Provisioner struct {
	baseDir string
}

func NewProvisioner(baseDir string) *Provisioner {
	return &Provisioner{baseDir: baseDir}
}

func (p *Provisioner) BaseDir() string {
	return p.baseDir
}

// Provision creates the workspace for a record id. Ids are collision-free
// (time+pid+entropy), so sibling workspaces never share a path even when
// created within the same clock tick.
func (p *Provisioner) Provision(recordID string, opts Options) (*Workspace, error) {
	path := filepath.Join(p.baseDir, recordID)

	w := &Workspace{
		ID:       recordID,
		Path:     path,
		RepoPath: path,
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvision, err)
	}

	if opts.Worktree && opts.SourceRepo != "" {
		w.RepoPath = filepath.Join(path, "repo")
		if opts.BranchName != "" {
			w.Branch = opts.BranchName
		}
		if err := w.createWorktree(opts.SourceRepo); err != nil {
			os.RemoveAll(path)
			return nil, fmt.Errorf("%w: %v", ErrProvision, err)
		}
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	var args []string
	if w.Branch != "" {
		args = []string{"worktree", "add", "-b", w.Branch, w.RepoPath, sha}
	} else {
		args = []string{"worktree", "add", "--detach", w.RepoPath, sha}
	}
	cmd = exec.Command("git", args...)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

func Open(baseDir, recordID string) (*Workspace, error) {
	path := filepath.Join(baseDir, recordID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for %s does not exist", recordID)
	}

	w := &Workspace{ID: recordID, Path: path, RepoPath: path}
	if repo := filepath.Join(path, "repo"); dirExists(repo) {
		w.RepoPath = repo
	}
	return w, nil
}

// LogPath is where the runner buffers the agent's combined output.
func (w *Workspace) LogPath() string {
	return filepath.Join(w.Path, "agent.log")
}

// Release removes the worktree, branch, and directory. keep leaves everything
// in place for caller follow-up, e.g. a branch that a PR was opened from.
func (p *Provisioner) Release(w *Workspace, keep bool) error {
	if keep {
		return nil
	}

	if sourceRepo := findSourceRepo(w.RepoPath); sourceRepo != "" {
		cmd := exec.Command("git", "worktree", "remove", "--force", w.RepoPath)
		cmd.Dir = sourceRepo
		cmd.CombinedOutput() // Ignore errors

		if w.Branch != "" {
			cmd = exec.Command("git", "branch", "-D", w.Branch)
			cmd.Dir = sourceRepo
			cmd.CombinedOutput() // Ignore errors
		}
	}

	return os.RemoveAll(w.Path)
}

// findSourceRepo extracts the main repo path from a worktree's .git file,
// which contains "gitdir: /path/to/main/.git/worktrees/<name>".
func findSourceRepo(worktreePath string) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return ""
	}

	content := string(data)
	if !strings.HasPrefix(content, "gitdir: ") {
		return ""
	}

	gitDir := strings.TrimSpace(content[8:])
	idx := strings.LastIndex(gitDir, "/.git/")
	if idx == -1 {
		return ""
	}
	return gitDir[:idx]
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
