// Package repository defines the storage interface consumed by the
// Git transfer protocol engines, together with the common ref and
// object-ID types exchanged across it.
package repository

import (
	"context"
	"errors"
	"io"
)

// Repository error conditions.
var (
	ErrInvalidRef     = errors.New("repository: malformed refname")
	ErrRefMismatch    = errors.New("repository: ref value is different from expected")
	ErrRefExist       = errors.New("repository: ref already exists")
	ErrRefNotExist    = errors.New("repository: ref does not exist")
	ErrObjectNotExist = errors.New("repository: object does not exist")
	ErrNotExist       = errors.New("repository: repository does not exist")
)

// A HookDeniedError is returned by RunHook when a policy hook rejects
// a ref update.  The reason is reported to the client verbatim.
type HookDeniedError struct {
	Hook   HookKind
	Reason string
}

func (e *HookDeniedError) Error() string {
	return "repository: " + string(e.Hook) + " hook declined: " + e.Reason
}

// A Ref is a single entry of a repository's ref database.  Peeled is
// the target of an annotated tag, or zero for refs that do not point
// at one.
type Ref struct {
	Name   string
	ID     ID
	Peeled ID
}

// A RefUpdate describes one requested ref mutation.  A zero OldID
// requests creation, a zero NewID deletion, and two non-zero IDs an
// update from OldID to NewID.
type RefUpdate struct {
	OldID ID
	NewID ID
	Name  string
}

// IsDelete returns true if the update requests deleting the ref.
func (u RefUpdate) IsDelete() bool { return u.NewID.IsZero() }

// Kinds of policy hooks run during a push.
type HookKind string

const (
	PreReceiveHook  HookKind = "pre-receive"
	UpdateHook      HookKind = "update"
	PostReceiveHook HookKind = "post-receive"
)

// A HookContext carries the ref updates a hook invocation is about
// (all of them for pre- and post-receive, exactly one for update) and
// any push options the client sent.
type HookContext struct {
	Updates []RefUpdate
	Options []string
}

// Interface defines the interface of a Git repository as seen by the
// transfer protocols.  Object storage, pack encoding and decoding are
// entirely behind it; the protocol layer treats pack data as opaque
// bytes.
//
// Implementations must be safe for concurrent use by multiple
// sessions.  UpdateRef in particular must be atomic per ref name, so
// that concurrent pushes touching the same ref serialize and the
// loser observes a mismatch rather than a lost update.
type Interface interface {
	// ListRefs lists all refs in the repository in ascending order
	// by name, with annotated tags peeled.
	ListRefs(ctx context.Context) ([]Ref, error)

	// Head returns the name of the ref HEAD points to, or
	// ErrRefNotExist if HEAD is unset or dangling.
	Head(ctx context.Context) (string, error)

	// HasObject returns true if and only if an object with the
	// given ID exists in the repository.
	HasObject(ctx context.Context, id ID) (bool, error)

	// GetRef returns the ID of the object the named ref points to.
	GetRef(ctx context.Context, name string) (ID, error)

	// UpdateRef atomically changes the named ref to point from
	// oldID to newID.  It returns ErrRefMismatch if the ref does
	// not point at oldID at the time of the call, and
	// ErrObjectNotExist if the object named by newID does not
	// exist in the repository.  The function is special-cased when
	// one or both of oldID and newID is zero:
	//
	//   - if oldID is zero, the ref is created if it does not
	//     exist, and ErrRefExist is returned if it does;
	//   - if newID is zero, the ref is deleted if it exists.
	UpdateRef(ctx context.Context, name string, oldID, newID ID) error

	// GeneratePack writes to w a pack containing the objects
	// reachable from wants but not from haves.  The pack is
	// streamed; GeneratePack must not buffer it whole.
	GeneratePack(ctx context.Context, w io.Writer, wants, haves []ID) error

	// ApplyPack reads a pack from r and stores all its objects in
	// the repository.  An empty pack is not an error.
	ApplyPack(ctx context.Context, r io.Reader) error

	// RunHook runs the named policy hook.  A *HookDeniedError
	// return rejects the updates in hctx; any other non-nil error
	// is an internal failure.
	RunHook(ctx context.Context, kind HookKind, hctx *HookContext) error
}

// A Finder resolves the repository path of an incoming request to a
// repository.  It returns ErrNotExist if no repository answers to the
// name.
type Finder interface {
	Find(ctx context.Context, name string) (Interface, error)
}

// FinderFunc adapts a function to the Finder interface.
type FinderFunc func(ctx context.Context, name string) (Interface, error)

// Find calls f.
func (f FinderFunc) Find(ctx context.Context, name string) (Interface, error) {
	return f(ctx, name)
}
