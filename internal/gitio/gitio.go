// Package gitio provides Git repository I/O operations using go-git.
package gitio

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	root string
}

// Open opens the Git repository containing path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	return &Repository{repo: repo, root: canonical(wt.Filesystem.Root())}, nil
}

// Root returns the worktree root directory.
func (r *Repository) Root() string { return r.root }

func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// ResolveRef resolves a branch, tag, commit hash or revision expression such
// as "v1.0.0^" to a commit. Annotated tags are peeled.
func (r *Repository) ResolveRef(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: %w", ref, err)
	}
	if commit, err := r.repo.CommitObject(*hash); err == nil {
		return commit, nil
	}
	tag, err := r.repo.TagObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a commit or tag", ref)
	}
	commit, err := tag.Commit()
	if err != nil {
		return nil, fmt.Errorf("peeling tag %q: %w", ref, err)
	}
	return commit, nil
}

func (r *Repository) head() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	return commit, nil
}

// CurrentSHA returns the full hash of HEAD.
func (r *Repository) CurrentSHA(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	head, err := r.head()
	if err != nil {
		return "", err
	}
	return head.Hash.String(), nil
}

// CurrentBranch returns the short name of the checked out branch, or "" when
// HEAD is detached.
func (r *Repository) CurrentBranch() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", nil
	}
	return ref.Name().Short(), nil
}

// HasTags reports whether the repository has at least one tag.
func (r *Repository) HasTags(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	iter, err := r.repo.Tags()
	if err != nil {
		return false, fmt.Errorf("listing tags: %w", err)
	}
	defer iter.Close()

	found := false
	err = iter.ForEach(func(*plumbing.Reference) error {
		found = true
		return storer.ErrStop
	})
	if err != nil {
		return false, fmt.Errorf("listing tags: %w", err)
	}
	return found, nil
}

// tagsByCommit maps peeled commit hashes to the names of their tags.
func (r *Repository) tagsByCommit(match string) (map[plumbing.Hash][]string, error) {
	iter, err := r.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !MatchTag(match, name) {
			return nil
		}
		hash := ref.Hash()
		if tag, err := r.repo.TagObject(hash); err == nil {
			commit, err := tag.Commit()
			if err != nil {
				return nil
			}
			hash = commit.Hash
		}
		out[hash] = append(out[hash], name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	return out, nil
}

// LastTag returns the tag matching the glob that is closest to HEAD in
// history, or "" when none is reachable. When one commit carries several
// matching tags the lexically greatest wins.
func (r *Repository) LastTag(ctx context.Context, match string) (string, error) {
	tags, err := r.tagsByCommit(match)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return "", nil
	}
	head, err := r.head()
	if err != nil {
		return "", err
	}

	seen := map[plumbing.Hash]bool{head.Hash: true}
	queue := []*object.Commit{head}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		commit := queue[0]
		queue = queue[1:]

		if names := tags[commit.Hash]; len(names) > 0 {
			sort.Strings(names)
			return names[len(names)-1], nil
		}
		err := commit.Parents().ForEach(func(parent *object.Commit) error {
			if !seen[parent.Hash] {
				seen[parent.Hash] = true
				queue = append(queue, parent)
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("walking history: %w", err)
		}
	}
	return "", nil
}

// TagsAtHead returns the names of the tags pointing at HEAD, sorted.
func (r *Repository) TagsAtHead(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tags, err := r.tagsByCommit("")
	if err != nil {
		return nil, err
	}
	head, err := r.head()
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), tags[head.Hash]...)
	sort.Strings(names)
	return names, nil
}

// ancestors returns every commit reachable from from, including itself.
func (r *Repository) ancestors(ctx context.Context, from plumbing.Hash) (map[plumbing.Hash]bool, error) {
	iter, err := r.repo.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash]bool)
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out[c.Hash] = true
		return nil
	})
	return out, err
}

// CommitsSince counts commits reachable from HEAD but not from ref.
func (r *Repository) CommitsSince(ctx context.Context, ref string) (int, error) {
	commits, err := r.commitsSince(ctx, ref, nil)
	if err != nil {
		return 0, err
	}
	return len(commits), nil
}

// Commit is one entry of the history.
type Commit struct {
	SHA     string
	Message string
}

// CommitMessagesSince returns the commits reachable from HEAD but not from
// ref that touch files under path, newest first. An empty ref walks the whole
// history and an empty path matches every file.
func (r *Repository) CommitMessagesSince(ctx context.Context, ref, path string) ([]Commit, error) {
	var filter func(string) bool
	if rel := r.relative(path); rel != "" {
		filter = func(name string) bool { return underDir(name, rel) }
	}
	commits, err := r.commitsSince(ctx, ref, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Commit, len(commits))
	for i, c := range commits {
		out[i] = Commit{SHA: c.Hash.String(), Message: c.Message}
	}
	return out, nil
}

func (r *Repository) commitsSince(ctx context.Context, ref string, pathFilter func(string) bool) ([]*object.Commit, error) {
	head, err := r.head()
	if err != nil {
		return nil, err
	}

	exclude := map[plumbing.Hash]bool{}
	if ref != "" {
		base, err := r.ResolveRef(ref)
		if err != nil {
			return nil, err
		}
		exclude, err = r.ancestors(ctx, base.Hash)
		if err != nil {
			return nil, err
		}
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash, PathFilter: pathFilter})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var out []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !exclude[c.Hash] {
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return out, nil
}

// DiffFiles returns the paths of files that differ between two commits.
func (r *Repository) DiffFiles(baseCommit, headCommit *object.Commit) ([]string, error) {
	baseTree, err := baseCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting base tree: %w", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting head tree: %w", err)
	}

	changes, err := object.DiffTree(baseTree, headTree)
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}

	var paths []string
	for _, change := range changes {
		name := change.To.Name
		if name == "" {
			name = change.From.Name
		}
		paths = append(paths, name)
		if change.From.Name != "" && change.From.Name != name {
			paths = append(paths, change.From.Name)
		}
	}
	return paths, nil
}

// HasDiff reports whether any file under location differs in committish,
// ignoring files matched by the ignore globs. committish is either a single
// ref compared with HEAD or a "from..to" range.
func (r *Repository) HasDiff(ctx context.Context, committish, location string, ignore []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	from, to, _ := strings.Cut(committish, "..")
	if to == "" {
		to = "HEAD"
	}
	base, err := r.ResolveRef(from)
	if err != nil {
		return false, err
	}
	head, err := r.ResolveRef(to)
	if err != nil {
		return false, err
	}

	paths, err := r.DiffFiles(base, head)
	if err != nil {
		return false, err
	}

	rel := r.relative(location)
	for _, path := range paths {
		if rel != "" && !underDir(path, rel) {
			continue
		}
		inPackage := strings.TrimPrefix(strings.TrimPrefix(path, rel), "/")
		if Ignored(inPackage, ignore) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// relative converts an absolute or root-relative location to a slash
// separated path inside the worktree. The root itself yields "".
func (r *Repository) relative(location string) string {
	if location == "" {
		return ""
	}
	if filepath.IsAbs(location) {
		rel, err := filepath.Rel(r.root, canonical(location))
		if err != nil || strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(location)
		}
		location = rel
	}
	location = filepath.ToSlash(filepath.Clean(location))
	if location == "." {
		return ""
	}
	return location
}

func underDir(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// ErrDirty is returned when the worktree has uncommitted changes.
var ErrDirty = errors.New("EUNCOMMIT: working tree has uncommitted changes")

// IsClean reports whether the worktree has no changes to tracked or
// untracked files.
func (r *Repository) IsClean() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return status.IsClean(), nil
}
