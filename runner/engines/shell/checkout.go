package shell

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Source is a git repository checked out into every job's working
// directory before its first step.
type Source struct {
	// URL is anything go-git can clone: a remote URL or a local path.
	URL string
	// Ref is a branch name or a full reference such as refs/tags/v1.0;
	// empty means the remote HEAD.
	Ref string
	// Depth limits history; zero clones everything.
	Depth int
}

func (s Source) IsEmpty() bool {
	return s.URL == ""
}

func checkout(ctx context.Context, src Source, dir string) (plumbing.Hash, error) {
	opts := &git.CloneOptions{
		URL:   src.URL,
		Depth: src.Depth,
	}
	if src.Ref != "" {
		opts.ReferenceName = plumbing.ReferenceName(src.Ref)
		if !strings.HasPrefix(src.Ref, "refs/") {
			opts.ReferenceName = plumbing.NewBranchReferenceName(src.Ref)
		}
		opts.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("cloning %s: %w", src.URL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash(), nil
}
