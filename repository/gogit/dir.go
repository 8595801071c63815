package gogit

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/lxr/go.git-serve/repository"
)

// Dir returns a Finder that resolves repository names to Git
// directories beneath root.  A name resolves to the first of
// <root>/<name>, <root>/<name>.git and <root>/<name>/.git that looks
// like a Git directory.  Every name resolves to at most one cached
// Repository instance, so the per-ref update serialization holds
// across all sessions of this process.
func Dir(root string, opts ...Option) repository.Finder {
	return &dirFinder{root: root, opts: opts, repos: make(map[string]*Repository)}
}

type dirFinder struct {
	root string
	opts []Option

	mu    sync.Mutex
	repos map[string]*Repository
}

func (d *dirFinder) Find(ctx context.Context, name string) (repository.Interface, error) {
	// Normalize and confine the name below root.
	name = strings.TrimSuffix(path.Clean("/"+name), ".git")
	if name == "/" {
		return nil, repository.ErrNotExist
	}
	name = name[1:]

	d.mu.Lock()
	defer d.mu.Unlock()
	if repo, ok := d.repos[name]; ok {
		return repo, nil
	}

	base := filepath.Join(d.root, filepath.FromSlash(name))
	for _, dir := range []string{base, base + ".git", filepath.Join(base, ".git")} {
		if !isGitDir(dir) {
			continue
		}
		s := filesystem.NewStorage(osfs.New(dir), cache.NewObjectLRUDefault())
		repo := New(s, d.opts...)
		d.repos[name] = repo
		return repo, nil
	}
	return nil, repository.ErrNotExist
}

// isGitDir applies the classic Git directory signature check: an
// objects database and a ref database under the directory.
func isGitDir(dir string) bool {
	for _, sub := range []string{"objects", "refs"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}
