package merger

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Input allow-lists. Anything that fails these never reaches a subprocess.
var (
	branchPattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	prURLPattern  = regexp.MustCompile(`^https://github\.com/[A-Za-z0-9._-]+/[A-Za-z0-9._-]+/pull/\d+$`)
)

// ErrInvalidInput marks a branch or PR URL that failed validation.
var ErrInvalidInput = errors.New("invalid merge input")

// ValidateBranch checks a branch name against the allow-list.
func ValidateBranch(branch string) error {
	if branch == "" || !branchPattern.MatchString(branch) {
		return fmt.Errorf("%w: branch %q", ErrInvalidInput, branch)
	}
	return nil
}

// ValidatePRURL checks a pull request URL against the allow-list.
func ValidatePRURL(url string) error {
	if url == "" || !prURLPattern.MatchString(url) {
		return fmt.Errorf("%w: pr url %q", ErrInvalidInput, url)
	}
	return nil
}

// GitOps is the merger's view of the VCS and host CLIs. Implementations run
// real subprocesses; tests script outcomes per tier.
type GitOps interface {
	// MergePR merges the PR cleanly and deletes its branch on success.
	MergePR(prURL string) error
	// RebaseBranch fetches main, rebases branch onto it, and
	// force-pushes with lease.
	RebaseBranch(branch, mainBranch string) error
}

// Compile-time check that CLIGitOps implements GitOps.
var _ GitOps = (*CLIGitOps)(nil)

// CLIGitOps shells out to git and gh with argument vectors.
type CLIGitOps struct {
	workDir string
}

// NewCLIGitOps creates a CLIGitOps operating in workDir.
func NewCLIGitOps(workDir string) *CLIGitOps {
	return &CLIGitOps{workDir: workDir}
}

func (g *CLIGitOps) run(name string, args ...string) error {
	//nolint:gosec // G204: fixed binary name, argument-vector invocation,
	// inputs pre-validated against the allow-lists above
	cmd := exec.Command(name, args...)
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s: %s", name, args[0], msg)
	}
	return nil
}

// MergePR merges via the host CLI and deletes the remote branch.
func (g *CLIGitOps) MergePR(prURL string) error {
	if err := ValidatePRURL(prURL); err != nil {
		return err
	}
	return g.run("gh", "pr", "merge", prURL, "--merge", "--delete-branch")
}

// RebaseBranch fetches main, rebases branch onto it, and force-pushes with
// lease. The checkout of main afterwards leaves the work dir off the task
// branch.
func (g *CLIGitOps) RebaseBranch(branch, mainBranch string) error {
	if err := ValidateBranch(branch); err != nil {
		return err
	}
	if err := ValidateBranch(mainBranch); err != nil {
		return err
	}
	steps := [][]string{
		{"fetch", "origin", mainBranch},
		{"checkout", branch},
		{"rebase", "origin/" + mainBranch},
		{"push", "--force-with-lease", "origin", branch},
		{"checkout", mainBranch},
	}
	for _, args := range steps {
		if err := g.run("git", args...); err != nil {
			// Leave no half-done rebase behind.
			if args[0] == "rebase" {
				_ = g.run("git", "rebase", "--abort")
				_ = g.run("git", "checkout", mainBranch)
			}
			return err
		}
	}
	return nil
}
