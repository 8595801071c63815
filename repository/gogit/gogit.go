// Package gogit implements repository.Interface on top of a go-git
// storage backend, so the protocol engines can serve any repository
// go-git can open: bare on-disk repositories through osfs, in-memory
// ones in tests.
package gogit

import (
	"context"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"

	"github.com/lxr/go.git-serve/repository"
)

// A HookFunc implements one policy hook.  Returning a
// *repository.HookDeniedError rejects the updates; any other non-nil
// error is an internal failure.
type HookFunc func(ctx context.Context, hctx *repository.HookContext) error

// An Option configures a Repository.
type Option func(*Repository)

// WithHook installs fn as the hook of the given kind.
func WithHook(kind repository.HookKind, fn HookFunc) Option {
	return func(r *Repository) {
		r.hooks[kind] = fn
	}
}

// A Repository adapts a go-git storer to repository.Interface.  It is
// safe for concurrent use; ref updates serialize per ref name, giving
// the compare-and-swap semantics the receive-pack engine relies on.
type Repository struct {
	storer storage.Storer
	hooks  map[repository.HookKind]HookFunc

	mu       sync.Mutex
	refLocks map[string]*sync.Mutex
}

// New returns a Repository over the given go-git storer.
func New(s storage.Storer, opts ...Option) *Repository {
	r := &Repository{
		storer:   s,
		hooks:    make(map[repository.HookKind]HookFunc),
		refLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Storer exposes the underlying go-git storer, mainly so tests can
// seed and inspect repository contents directly.
func (r *Repository) Storer() storage.Storer { return r.storer }

func (r *Repository) refLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.refLocks[name]
	if !ok {
		l = new(sync.Mutex)
		r.refLocks[name] = l
	}
	return l
}

func (r *Repository) ListRefs(ctx context.Context) ([]repository.Ref, error) {
	it, err := r.storer.IterReferences()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var refs []repository.Ref
	err = it.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || ref.Name() == plumbing.HEAD {
			return nil
		}
		refs = append(refs, repository.Ref{
			Name:   ref.Name().String(),
			ID:     repository.ID(ref.Hash().String()),
			Peeled: r.peel(ref.Hash()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// peel follows a chain of annotated tags to the first non-tag object,
// returning a zero ID for refs that do not point at one.
func (r *Repository) peel(h plumbing.Hash) repository.ID {
	peeled := h
	for {
		tag, err := object.GetTag(r.storer, peeled)
		if err != nil {
			break
		}
		peeled = tag.Target
	}
	if peeled == h {
		return ""
	}
	return repository.ID(peeled.String())
}

func (r *Repository) Head(ctx context.Context) (string, error) {
	ref, err := r.storer.Reference(plumbing.HEAD)
	if err != nil || ref.Type() != plumbing.SymbolicReference {
		return "", repository.ErrRefNotExist
	}
	return ref.Target().String(), nil
}

func (r *Repository) HasObject(ctx context.Context, id repository.ID) (bool, error) {
	switch err := r.storer.HasEncodedObject(plumbing.NewHash(string(id))); err {
	case nil:
		return true, nil
	case plumbing.ErrObjectNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (r *Repository) GetRef(ctx context.Context, name string) (repository.ID, error) {
	ref, err := storer.ResolveReference(r.storer, plumbing.ReferenceName(name))
	if err != nil {
		return "", repository.ErrRefNotExist
	}
	return repository.ID(ref.Hash().String()), nil
}

func (r *Repository) UpdateRef(ctx context.Context, name string, oldID, newID repository.ID) error {
	if !repository.IsValidRef(name) {
		return repository.ErrInvalidRef
	}
	lock := r.refLock(name)
	lock.Lock()
	defer lock.Unlock()

	refName := plumbing.ReferenceName(name)
	cur, err := r.storer.Reference(refName)
	switch {
	case err == plumbing.ErrReferenceNotFound:
		if !oldID.IsZero() {
			return repository.ErrRefNotExist
		}
	case err != nil:
		return err
	case repository.ID(cur.Hash().String()) != oldID:
		if oldID.IsZero() {
			return repository.ErrRefExist
		}
		return repository.ErrRefMismatch
	}

	if newID.IsZero() {
		if err == plumbing.ErrReferenceNotFound {
			return nil
		}
		return r.storer.RemoveReference(refName)
	}
	hash := plumbing.NewHash(string(newID))
	if err := r.storer.HasEncodedObject(hash); err != nil {
		return repository.ErrObjectNotExist
	}
	return r.storer.SetReference(plumbing.NewHashReference(refName, hash))
}

func (r *Repository) RunHook(ctx context.Context, kind repository.HookKind, hctx *repository.HookContext) error {
	fn := r.hooks[kind]
	if fn == nil {
		return nil
	}
	return fn(ctx, hctx)
}
