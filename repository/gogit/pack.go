package gogit

import (
	"context"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"

	"github.com/lxr/go.git-serve/repository"
)

// GeneratePack streams a pack of the objects reachable from wants but
// not from haves, computed with go-git's revlist walk.  Haves that
// name no object here are dropped rather than rejected; the client is
// allowed to know more history than the server.
func (r *Repository) GeneratePack(ctx context.Context, w io.Writer, wants, haves []repository.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wantHashes := make([]plumbing.Hash, 0, len(wants))
	for _, id := range wants {
		wantHashes = append(wantHashes, plumbing.NewHash(string(id)))
	}
	haveHashes := make([]plumbing.Hash, 0, len(haves))
	for _, id := range haves {
		h := plumbing.NewHash(string(id))
		if err := r.storer.HasEncodedObject(h); err == nil {
			haveHashes = append(haveHashes, h)
		}
	}

	objects, err := revlist.Objects(r.storer, wantHashes, haveHashes)
	if err != nil {
		return err
	}

	// Delta compression is disabled: a delta-free pack is valid for
	// every client regardless of which delta capabilities it asked
	// for, and the encoder streams it without buffering.
	enc := packfile.NewEncoder(w, r.storer, false)
	_, err = enc.Encode(objects, 0)
	return err
}

// ApplyPack stores every object of the pack read from pack in the
// repository.  The bytes are consumed as they arrive; an empty pack
// (as sent by a delete-only push on some clients) is not an error.
func (r *Repository) ApplyPack(ctx context.Context, pack io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch err := packfile.UpdateObjectStorage(r.storer, pack); err {
	case nil, packfile.ErrEmptyPackfile:
		return nil
	default:
		return err
	}
}
