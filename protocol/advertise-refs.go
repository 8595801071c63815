package protocol

import (
	"context"
	"io"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/repository"
)

// AdvertiseRefs writes the initial ref advertisement for service on
// repo to w in pkt-line format: HEAD first if resolvable, then all
// refs in name order with peeled lines after annotated tags, the
// first line carrying the server capability set.  An empty repository
// advertises a single capabilities^{} line so the client still learns
// the capability set.  The advertisement is terminated by a
// flush-pkt.
//
// AdvertiseRefs returns a non-nil error only if it could not list the
// references; errors writing individual lines to w surface through
// the final flush.
func AdvertiseRefs(ctx context.Context, repo repository.Interface, w io.Writer, service Service) error {
	refs, err := repo.ListRefs(ctx)
	if err != nil {
		return err
	}

	caps := serverCapabilities(service)
	pktw := pktline.NewWriter(w)
	first := true

	if head, err := repo.Head(ctx); err == nil {
		if id, err := repo.GetRef(ctx, head); err == nil {
			if service == UploadPackService {
				caps.Add(CapSymref, "HEAD:"+head)
			}
			fmtLprintf(pktw, "%s HEAD\x00%s\n", id, caps)
			first = false
		}
	}
	for _, ref := range refs {
		if first {
			fmtLprintf(pktw, "%s %s\x00%s\n", ref.ID, ref.Name, caps)
			first = false
		} else {
			fmtLprintf(pktw, "%s %s\n", ref.ID, ref.Name)
		}
		if !ref.Peeled.IsZero() {
			fmtLprintf(pktw, "%s %s^{}\n", ref.Peeled, ref.Name)
		}
	}
	if first {
		fmtLprintf(pktw, "%s capabilities^{}\x00%s\n", repository.ZeroID, caps)
	}
	return pktw.Flush()
}
