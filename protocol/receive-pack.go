package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/repository"
)

// Per-command rejection reasons reported in ng status lines.
const (
	reasonStale     = "stale info"
	reasonMissing   = "missing necessary objects"
	reasonBadRef    = "funny refname"
	reasonNoDelete  = "deletion prohibited"
	reasonDuplicate = "duplicate ref"
	reasonAtomic    = "atomic transaction failed"
	reasonUnpack    = "unpacker error"
	reasonInternal  = "failed to update ref"
)

// ReceivePack runs the push state machine against repo: it reads from
// r a pkt-line stream of ref update commands followed by pack data,
// validates and applies the updates, and, if the report-status
// capability was negotiated, writes a status report to w.
//
// Per-command failures (stale refs, hook denials) are recovered into
// ng status lines; ReceivePack returns a non-nil error only when the
// command stream itself cannot be parsed.
func ReceivePack(ctx context.Context, repo repository.Interface, w io.Writer, r io.Reader) error {
	s := &receivePackSession{
		repo: repo,
		r:    r,
		w:    w,
		pktr: pktline.NewReader(r),
	}
	return s.run(ctx)
}

// A receivePackSession holds the state of one push exchange.
type receivePackSession struct {
	repo repository.Interface
	r    io.Reader
	w    io.Writer
	pktr *pktline.Reader

	caps    CapList
	cmds    []repository.RefUpdate
	options []string

	unpackErr error
	status    []string // per-command status lines, submission order
}

func (s *receivePackSession) run(ctx context.Context) error {
	if err := s.readCommands(); err != nil {
		return err
	}
	if len(s.cmds) == 0 {
		// The client had nothing to push; the session ends
		// after its flush-pkt with no response.
		return nil
	}
	if err := s.readOptions(); err != nil {
		return err
	}
	s.readPackData(ctx)
	s.applyUpdates(ctx)
	return s.reportStatus()
}

// readCommands reads the ref update command list.  Capabilities are
// parsed from the NUL-separated tail of the first command and fix the
// session's capability set.
func (s *receivePackSession) readCommands() error {
	if err := s.pktr.Next(); err != nil {
		if err == io.EOF {
			return nil // empty request
		}
		return err
	}
	seen := make(map[string]bool)
	for {
		msg, err := s.pktr.ReadMsgString()
		if err == io.EOF {
			// io.EOF also stands for the raw stream ending
			// between frames; a command list cut off before
			// its flush-pkt must not be applied.
			if !s.pktr.Terminated() {
				return pktline.FramingError("stream ends inside command list")
			}
			return nil
		} else if err != nil {
			return err
		}
		line, capList, hasCaps := strings.Cut(strings.TrimSuffix(msg, "\n"), "\x00")
		if s.caps == nil {
			if hasCaps {
				s.caps = ParseCapList(capList).Intersect(receivePackCapabilities())
			} else {
				s.caps = make(CapList)
			}
		} else if hasCaps {
			return fmt.Errorf("protocol: unexpected capabilities in command %q", msg)
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return fmt.Errorf("protocol: malformed update command %q", msg)
		}
		oldID, err := repository.ParseID(fields[0])
		if err != nil {
			return fmt.Errorf("protocol: malformed update command %q: %w", msg, err)
		}
		newID, err := repository.ParseID(fields[1])
		if err != nil {
			return fmt.Errorf("protocol: malformed update command %q: %w", msg, err)
		}
		name := fields[2]
		if seen[name] {
			return fmt.Errorf("protocol: %s for %q", reasonDuplicate, name)
		}
		seen[name] = true
		s.cmds = append(s.cmds, repository.RefUpdate{OldID: oldID, NewID: newID, Name: name})
	}
}

// readOptions reads the push-option substream when the capability was
// negotiated.
func (s *receivePackSession) readOptions() error {
	if !s.caps.Has(CapPushOptions) {
		return nil
	}
	if err := s.pktr.Next(); err != nil {
		if err == io.EOF {
			return pktline.FramingError("stream ends before push options")
		}
		return err
	}
	for {
		msg, err := s.pktr.ReadMsgString()
		if err == io.EOF {
			if !s.pktr.Terminated() {
				return pktline.FramingError("stream ends inside push options")
			}
			return nil
		} else if err != nil {
			return err
		}
		s.options = append(s.options, strings.TrimSuffix(msg, "\n"))
	}
}

// readPackData hands the remainder of the request stream to the
// storage layer as opaque pack bytes.  A push consisting solely of
// deletes carries no pack.
func (s *receivePackSession) readPackData(ctx context.Context) {
	needPack := false
	for _, c := range s.cmds {
		if !c.IsDelete() {
			needPack = true
			break
		}
	}
	if !needPack {
		return
	}
	if err := s.repo.ApplyPack(ctx, s.r); err != nil {
		s.unpackErr = &PackApplyError{Err: err}
	}
}

// applyUpdates validates every command and applies the accepted ones,
// recording one status per command in submission order.  Under the
// atomic capability a single rejection aborts the whole batch with no
// ref mutated.
func (s *receivePackSession) applyUpdates(ctx context.Context) {
	s.status = make([]string, len(s.cmds))

	if s.unpackErr != nil {
		for i := range s.cmds {
			s.rejectCmd(i, reasonUnpack)
		}
		return
	}

	hctx := &repository.HookContext{Updates: s.cmds, Options: s.options}
	if reason, ok := hookReason(s.repo.RunHook(ctx, repository.PreReceiveHook, hctx)); !ok {
		for i := range s.cmds {
			s.rejectCmd(i, reason)
		}
		return
	}

	rejected := false
	for i, c := range s.cmds {
		if reason := s.validateCmd(ctx, c); reason != "" {
			s.rejectCmd(i, reason)
			rejected = true
		}
	}
	if rejected && s.caps.Has(CapAtomic) {
		for i := range s.cmds {
			if s.status[i] == "" {
				s.rejectCmd(i, reasonAtomic)
			}
		}
		return
	}

	var applied []repository.RefUpdate
	for i, c := range s.cmds {
		if s.status[i] != "" {
			continue
		}
		// The compare-and-swap in UpdateRef is authoritative;
		// validation above can lose a race with a concurrent
		// push, in which case the loser is rejected here.
		err := s.repo.UpdateRef(ctx, c.Name, c.OldID, c.NewID)
		if err == nil {
			s.status[i] = fmt.Sprintf("ok %s", c.Name)
			applied = append(applied, c)
			continue
		}
		s.rejectCmd(i, updateReason(err))
		if s.caps.Has(CapAtomic) {
			// A CAS loss partway through an atomic batch must
			// not leave it half applied: undo the commands
			// already applied and fail the rest.
			s.rollback(ctx, applied)
			applied = nil
			for j := range s.cmds {
				if j != i {
					s.rejectCmd(j, reasonAtomic)
				}
			}
			break
		}
	}
	if len(applied) > 0 {
		// Post-receive runs for information only; it can no
		// longer affect the outcome.
		s.repo.RunHook(ctx, repository.PostReceiveHook,
			&repository.HookContext{Updates: applied, Options: s.options})
	}
}

// rollback undoes the applied prefix of a failed atomic batch, newest
// first.  A rollback CAS can itself lose to a concurrent push; the
// ref then already belongs to the winner and is left alone.
func (s *receivePackSession) rollback(ctx context.Context, applied []repository.RefUpdate) {
	for i := len(applied) - 1; i >= 0; i-- {
		c := applied[i]
		s.repo.UpdateRef(ctx, c.Name, c.NewID, c.OldID)
	}
}

// updateReason maps an UpdateRef error to a rejection reason.
func updateReason(err error) string {
	switch err {
	case repository.ErrRefMismatch, repository.ErrRefExist, repository.ErrRefNotExist:
		return reasonStale
	case repository.ErrObjectNotExist:
		return reasonMissing
	case repository.ErrInvalidRef:
		return reasonBadRef
	default:
		return reasonInternal
	}
}

// validateCmd checks a single command against the current ref value
// and the update hook, returning a rejection reason or "".
func (s *receivePackSession) validateCmd(ctx context.Context, c repository.RefUpdate) string {
	if !repository.IsValidRef(c.Name) {
		return reasonBadRef
	}
	if c.IsDelete() && !s.caps.Has(CapDeleteRefs) {
		return reasonNoDelete
	}
	current, err := s.repo.GetRef(ctx, c.Name)
	switch err {
	case nil:
		if current != c.OldID {
			return reasonStale
		}
	case repository.ErrRefNotExist:
		if !c.OldID.IsZero() {
			return reasonStale
		}
	default:
		return reasonInternal
	}
	if !c.IsDelete() {
		ok, err := s.repo.HasObject(ctx, c.NewID)
		if err != nil {
			return reasonInternal
		}
		if !ok {
			return reasonMissing
		}
	}
	hctx := &repository.HookContext{Updates: []repository.RefUpdate{c}, Options: s.options}
	if reason, ok := hookReason(s.repo.RunHook(ctx, repository.UpdateHook, hctx)); !ok {
		return reason
	}
	return ""
}

func (s *receivePackSession) rejectCmd(i int, reason string) {
	s.status[i] = fmt.Sprintf("ng %s %s", s.cmds[i].Name, reason)
}

// hookReason maps a RunHook result to a rejection reason; ok is true
// when the hook allowed the updates.
func hookReason(err error) (string, bool) {
	switch err := err.(type) {
	case nil:
		return "", true
	case *repository.HookDeniedError:
		return err.Reason, false
	default:
		return reasonInternal, false
	}
}

// reportStatus emits the status report when report-status was
// negotiated: the unpack result, then one line per command in
// submission order, terminated by a flush-pkt.  The report rides the
// side band when that was negotiated too.
func (s *receivePackSession) reportStatus() error {
	if !s.caps.Has(CapReportStatus) {
		return nil
	}
	outer := pktline.NewWriter(s.w)
	pktw := outer
	var mux *sidebandMuxer
	if s.caps.Has(CapSideBand64k) {
		mux = newSidebandMuxer(outer)
		pktw = pktline.NewWriter(mux.PackData())
	}

	if s.unpackErr != nil {
		fmtLprintf(pktw, "unpack %s\n", s.unpackErr.(*PackApplyError).Err)
	} else {
		fmtLprintf(pktw, "unpack ok\n")
	}
	for _, line := range s.status {
		fmtLprintf(pktw, "%s\n", line)
	}
	if err := pktw.Flush(); err != nil {
		return err
	}
	if mux != nil {
		return mux.Close()
	}
	return nil
}
