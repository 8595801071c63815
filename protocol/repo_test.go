package protocol_test

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/lxr/go.git-serve/repository"
)

// oid builds a syntactically valid SHA-1 object ID from a single hex
// digit, for tests that care about identity rather than content.
func oid(c byte) repository.ID {
	return repository.ID(strings.Repeat(string(c), 40))
}

// fakeRepo is an in-memory repository.Interface that records the calls
// the protocol engines make on it.  Pack data is opaque: GeneratePack
// emits the canned pack bytes and ApplyPack captures whatever it is
// handed.
type fakeRepo struct {
	mu      sync.Mutex
	refs    map[string]repository.ID
	peeled  map[string]repository.ID
	head    string
	objects map[repository.ID]bool
	pack    []byte

	hooks     map[repository.HookKind]func(*repository.HookContext) error
	applyErr  error
	updateErr map[string]error // forced UpdateRef failures, by ref name

	gotWants  []repository.ID
	gotHaves  []repository.ID
	gotPack   []byte
	packSent  bool
	hookCalls []repository.HookKind
	hookCtxs  map[repository.HookKind]*repository.HookContext
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		refs:      make(map[string]repository.ID),
		peeled:    make(map[string]repository.ID),
		objects:   make(map[repository.ID]bool),
		pack:      []byte("PACKfake"),
		hooks:     make(map[repository.HookKind]func(*repository.HookContext) error),
		hookCtxs:  make(map[repository.HookKind]*repository.HookContext),
		updateErr: make(map[string]error),
	}
}

func (f *fakeRepo) ListRefs(ctx context.Context) ([]repository.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]repository.Ref, 0, len(f.refs))
	for name, id := range f.refs {
		refs = append(refs, repository.Ref{Name: name, ID: id, Peeled: f.peeled[name]})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (f *fakeRepo) Head(ctx context.Context) (string, error) {
	if f.head == "" {
		return "", repository.ErrRefNotExist
	}
	return f.head, nil
}

func (f *fakeRepo) HasObject(ctx context.Context, id repository.ID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[id], nil
}

func (f *fakeRepo) GetRef(ctx context.Context, name string) (repository.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.refs[name]
	if !ok {
		return "", repository.ErrRefNotExist
	}
	return id, nil
}

func (f *fakeRepo) UpdateRef(ctx context.Context, name string, oldID, newID repository.ID) error {
	if !repository.IsValidRef(name) {
		return repository.ErrInvalidRef
	}
	if err := f.updateErr[name]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, exists := f.refs[name]
	switch {
	case oldID.IsZero():
		if exists {
			return repository.ErrRefExist
		}
	case !exists:
		return repository.ErrRefNotExist
	case current != oldID:
		return repository.ErrRefMismatch
	}
	if newID.IsZero() {
		delete(f.refs, name)
		return nil
	}
	if !f.objects[newID] {
		return repository.ErrObjectNotExist
	}
	f.refs[name] = newID
	return nil
}

func (f *fakeRepo) GeneratePack(ctx context.Context, w io.Writer, wants, haves []repository.ID) error {
	f.gotWants, f.gotHaves = wants, haves
	f.packSent = true
	_, err := w.Write(f.pack)
	return err
}

func (f *fakeRepo) ApplyPack(ctx context.Context, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.gotPack = data
	return f.applyErr
}

func (f *fakeRepo) RunHook(ctx context.Context, kind repository.HookKind, hctx *repository.HookContext) error {
	f.hookCalls = append(f.hookCalls, kind)
	f.hookCtxs[kind] = hctx
	if fn := f.hooks[kind]; fn != nil {
		return fn(hctx)
	}
	return nil
}
