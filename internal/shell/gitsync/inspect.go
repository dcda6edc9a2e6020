package gitsync

import (
	"github.com/go-git/go-git/v5"
)

// Inspector reads repository state without modifying it.
type Inspector interface {
	// LocalChanges counts tracked paths that differ from HEAD.
	LocalChanges(repoPath string) (int, error)
	// Head returns the commit hash HEAD points at.
	Head(repoPath string) (string, error)
}

// GoGitInspector implements Inspector with go-git.
type GoGitInspector struct{}

func (GoGitInspector) LocalChanges(repoPath string) (int, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return 0, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return 0, err
	}
	status, err := worktree.Status()
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, fs := range status {
		if fs.Worktree == git.Untracked && fs.Staging == git.Untracked {
			continue
		}
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			changed++
		}
	}
	return changed, nil
}

func (GoGitInspector) Head(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}
