// Package vcs shells out to git and gh for the branch/PR follow-up actions
// a delegation can request.
package vcs

import (
	"fmt"
	"os/exec"
	"strings"
)

// Push publishes a workspace branch to origin.
func Push(repoDir, branch string) error {
	cmd := exec.Command("git", "push", "-u", "origin", branch)
	cmd.Dir = repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// OpenPR opens a pull request from the current branch via the gh CLI.
func OpenPR(repoDir, baseBranch, title, body string, draft bool) error {
	args := []string{"pr", "create", "--title", title, "--body", body}
	if baseBranch != "" {
		args = append(args, "--base", baseBranch)
	}
	if draft {
		args = append(args, "--draft")
	}
	cmd := exec.Command("gh", args...)
	cmd.Dir = repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh pr create failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// MergedBranches lists agent branches already merged into HEAD.
func MergedBranches(repoDir, prefix string) ([]string, error) {
	cmd := exec.Command("git", "branch", "--merged")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if name != "" && strings.HasPrefix(name, prefix) {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

// Branches lists all local branches with the given prefix.
func Branches(repoDir, prefix string) ([]string, error) {
	cmd := exec.Command("git", "branch", "--list", prefix+"*", "--format", "%(refname:short)")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			branches = append(branches, name)
		}
	}
	return branches, nil
}

// DeleteBranch removes a local branch. force uses -D, otherwise -d refuses
// unmerged branches.
func DeleteBranch(repoDir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	cmd := exec.Command("git", "branch", flag, branch)
	cmd.Dir = repoDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch %s failed: %s", flag, strings.TrimSpace(string(output)))
	}
	return nil
}
