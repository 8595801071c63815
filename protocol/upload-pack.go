package protocol

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/repository"
)

// UploadPackOptions configure a fetch session.
type UploadPackOptions struct {
	// MaxRounds bounds the number of negotiation rounds; once
	// reached the server proceeds as if the client had sent done.
	// Zero means no bound.
	MaxRounds int

	// AllowTipSHA1InWant and AllowReachableSHA1InWant let clients
	// want objects that no advertised ref points at, lifting the
	// not-our-ref check.
	AllowTipSHA1InWant       bool
	AllowReachableSHA1InWant bool
}

// UploadPack runs the fetch state machine against repo: it reads from
// r a pkt-line stream of refs the client wants and has, acknowledges
// common objects according to the negotiated multi_ack mode, and
// writes a pack bridging the two sets to w, multiplexed through the
// side band if negotiated.
//
// If the stream ends before the client sends done, UploadPack returns
// nil without sending a pack; a stateless-rpc client continues the
// negotiation with its cumulative have list in a fresh request.
func UploadPack(ctx context.Context, repo repository.Interface, w io.Writer, r io.Reader, opts *UploadPackOptions) error {
	if opts == nil {
		opts = &UploadPackOptions{}
	}
	server := uploadPackCapabilities()
	if opts.AllowTipSHA1InWant {
		server.Add(CapAllowTipSHA1InWant, "")
	}
	if opts.AllowReachableSHA1InWant {
		server.Add(CapAllowReachableSHA1InWant, "")
	}
	s := &uploadPackSession{
		repo:      repo,
		w:         w,
		pktr:      pktline.NewReader(r),
		pktw:      pktline.NewWriter(w),
		maxRounds: opts.MaxRounds,
		server:    server,
	}
	return s.run(ctx)
}

// An uploadPackSession holds the state of one fetch exchange: the
// capability set fixed by the first want line, the want and common
// sets, and the acknowledgement strategy the capabilities select.
type uploadPackSession struct {
	repo      repository.Interface
	w         io.Writer
	pktr      *pktline.Reader
	pktw      *pktline.Writer
	maxRounds int
	server    CapList

	caps   CapList
	wants  []repository.ID
	common []repository.ID
}

func (s *uploadPackSession) run(ctx context.Context) error {
	if err := s.collectWants(); err != nil {
		return err
	}
	if len(s.wants) == 0 {
		// Nothing to send; answer the no-op fetch with a lone
		// flush-pkt.
		return s.pktw.Flush()
	}
	if err := s.checkWants(ctx); err != nil {
		return err
	}

	done, err := s.negotiate(ctx, s.ackStrategy())
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	return s.sendPack(ctx)
}

// collectWants reads the initial want substream.  Capabilities are
// parsed from the first want line only and fix the session's
// capability set.
func (s *uploadPackSession) collectWants() error {
	if err := s.pktr.Next(); err != nil {
		if err == io.EOF {
			return nil // empty request
		}
		return err
	}
	for {
		msg, err := s.pktr.ReadMsgString()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		fields := strings.Fields(strings.TrimSuffix(msg, "\n"))
		if len(fields) < 2 || fields[0] != "want" {
			return fmt.Errorf("protocol: unexpected pkt-line %q", msg)
		}
		id, err := repository.ParseID(fields[1])
		if err != nil {
			return fmt.Errorf("protocol: malformed want %q: %w", msg, err)
		}
		if s.caps == nil {
			s.caps = ParseCapList(strings.Join(fields[2:], " ")).
				Intersect(s.server)
		}
		s.wants = append(s.wants, id)
	}
	return nil
}

// checkWants rejects wants that name no object in the repository,
// unless a capability lifting the restriction was negotiated.  The
// rejection is reported in-band as an ERR pkt-line.
func (s *uploadPackSession) checkWants(ctx context.Context) error {
	if s.caps.Has(CapAllowTipSHA1InWant) || s.caps.Has(CapAllowReachableSHA1InWant) {
		return nil
	}
	for _, id := range s.wants {
		ok, err := s.repo.HasObject(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			fmtLprintf(s.pktw, "ERR upload-pack: not our ref %s\n", id)
			return &NegotiationError{ID: id}
		}
	}
	return nil
}

// ackStrategy selects the acknowledgement policy once from the
// negotiated capability set.
func (s *uploadPackSession) ackStrategy() ackStrategy {
	switch {
	case s.caps.Has(CapMultiAckDetailed):
		return multiAckDetailed{}
	case s.caps.Has(CapMultiAck):
		return multiAck{}
	default:
		return singleAck{}
	}
}

// negotiate loops over the have substreams of the request until it
// encounters a done line, the round bound, or the end of the stream.
// It reports whether pack transfer should follow.
func (s *uploadPackSession) negotiate(ctx context.Context, strat ackStrategy) (bool, error) {
	if err := s.pktr.Next(); err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	var last repository.ID
	rounds := 0
	for {
		msg, err := s.pktr.ReadMsgString()
		switch {
		case err == io.EOF:
			// Flush-pkt: one round of haves is over.
			rounds++
			strat.endRound(s.pktw, last, len(s.common) > 0)
			if s.maxRounds > 0 && rounds >= s.maxRounds {
				strat.done(s.pktw, last, len(s.common) > 0)
				return true, nil
			}
			if err := s.pktr.Next(); err == io.EOF {
				return false, nil
			} else if err != nil {
				return false, err
			}
			continue
		case err != nil:
			return false, err
		case strings.TrimSuffix(msg, "\n") == "done":
			strat.done(s.pktw, last, len(s.common) > 0)
			return true, nil
		}

		var id repository.ID
		if _, err := fmt.Sscanf(msg, "have %v", &id); err != nil {
			return false, fmt.Errorf("protocol: unexpected pkt-line %q", msg)
		}
		ok, err := s.repo.HasObject(ctx, id)
		if err != nil {
			return false, err
		}
		if ok {
			last = id
			s.common = append(s.common, id)
			strat.common(s.pktw, id)
		}
	}
}

// sendPack streams the pack for the session's want/common sets to the
// client, through the side band when negotiated.  The pack bytes are
// forwarded as the storage layer produces them.
func (s *uploadPackSession) sendPack(ctx context.Context) error {
	if !s.caps.Has(CapSideBand64k) {
		return s.repo.GeneratePack(ctx, s.w, s.wants, s.common)
	}
	mux := newSidebandMuxer(s.pktw)
	if err := s.repo.GeneratePack(ctx, mux.PackData(), s.wants, s.common); err != nil {
		mux.Error(err.Error())
		return err
	}
	return mux.Close()
}

// An ackStrategy is the acknowledgement policy of one negotiation
// mode, selected once per session from the capability set rather than
// branched on throughout the engine.
type ackStrategy interface {
	// common acknowledges a have that named an existing object.
	common(lw lineWriter, id repository.ID)
	// endRound answers the flush-pkt closing one round of haves.
	endRound(lw lineWriter, last repository.ID, any bool)
	// done answers the client's done line.
	done(lw lineWriter, last repository.ID, any bool)
}

// singleAck is the policy without multi_ack: silent while haves
// arrive, a single ACK or NAK when done comes.
type singleAck struct{}

func (singleAck) common(lineWriter, repository.ID) {}

func (singleAck) endRound(lw lineWriter, _ repository.ID, _ bool) {
	fmtLprintf(lw, "NAK\n")
}

func (singleAck) done(lw lineWriter, last repository.ID, any bool) {
	if any {
		fmtLprintf(lw, "ACK %s\n", last)
	} else {
		fmtLprintf(lw, "NAK\n")
	}
}

// multiAck acknowledges every common have with "continue" so the
// client can drop that line of history from the negotiation.
type multiAck struct{}

func (multiAck) common(lw lineWriter, id repository.ID) {
	fmtLprintf(lw, "ACK %s continue\n", id)
}

func (multiAck) endRound(lw lineWriter, _ repository.ID, _ bool) {
	fmtLprintf(lw, "NAK\n")
}

func (multiAck) done(lw lineWriter, last repository.ID, any bool) {
	if any {
		fmtLprintf(lw, "ACK %s\n", last)
	} else {
		fmtLprintf(lw, "NAK\n")
	}
}

// multiAckDetailed distinguishes "this have is an ancestor" (common)
// from "the server can cut a pack now" (ready).
type multiAckDetailed struct{}

func (multiAckDetailed) common(lw lineWriter, id repository.ID) {
	fmtLprintf(lw, "ACK %s common\n", id)
}

func (multiAckDetailed) endRound(lw lineWriter, last repository.ID, any bool) {
	if any {
		fmtLprintf(lw, "ACK %s ready\n", last)
	}
	fmtLprintf(lw, "NAK\n")
}

func (multiAckDetailed) done(lw lineWriter, last repository.ID, any bool) {
	if any {
		fmtLprintf(lw, "ACK %s\n", last)
	} else {
		fmtLprintf(lw, "NAK\n")
	}
}
