package gitio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	defaultName  = "monorel"
	defaultEmail = "monorel@localhost"
)

// signature builds the author from the repository (or global) git config.
func (r *Repository) signature() *object.Signature {
	sig := &object.Signature{Name: defaultName, Email: defaultEmail, When: time.Now()}
	cfg, err := r.repo.ConfigScoped(config.GlobalScope)
	if err != nil {
		return sig
	}
	if cfg.User.Name != "" {
		sig.Name = cfg.User.Name
	}
	if cfg.User.Email != "" {
		sig.Email = cfg.User.Email
	}
	return sig
}

// Commit stages paths and records a commit with message. Paths may be
// absolute or relative to the worktree root. It returns the new commit hash.
func (r *Repository) Commit(ctx context.Context, message string, paths []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	for _, path := range paths {
		rel := path
		if filepath.IsAbs(path) {
			if rel, err = filepath.Rel(r.root, canonical(path)); err != nil {
				return "", fmt.Errorf("staging %s: %w", path, err)
			}
		}
		if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
			return "", fmt.Errorf("staging %s: %w", path, err)
		}
	}

	sig := r.signature()
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// Tag creates an annotated tag on HEAD.
func (r *Repository) Tag(ctx context.Context, name, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	head, err := r.head()
	if err != nil {
		return err
	}
	if message == "" {
		message = name
	}
	_, err = r.repo.CreateTag(name, head.Hash, &git.CreateTagOptions{
		Tagger:  r.signature(),
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("creating tag %s: %w", name, err)
	}
	return nil
}

// DeleteTag removes a tag created by an aborted release.
func (r *Repository) DeleteTag(name string) error {
	if err := r.repo.DeleteTag(name); err != nil {
		return fmt.Errorf("deleting tag %s: %w", name, err)
	}
	return nil
}

// Push pushes the current branch and the given tags to remote.
func (r *Repository) Push(ctx context.Context, remote string, tags []string) error {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	branch, err := r.CurrentBranch()
	if err != nil {
		return err
	}

	var specs []config.RefSpec
	if branch != "" {
		ref := plumbing.NewBranchReferenceName(branch)
		specs = append(specs, config.RefSpec(ref+":"+ref))
	}
	for _, tag := range tags {
		ref := plumbing.NewTagReferenceName(tag)
		specs = append(specs, config.RefSpec(ref+":"+ref))
	}

	err = r.repo.PushContext(ctx, &git.PushOptions{RemoteName: remote, RefSpecs: specs})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing to %s: %w", remote, err)
	}
	return nil
}
