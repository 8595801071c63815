package protocol

import (
	"errors"

	"github.com/lxr/go.git-serve/repository"
)

// Fatal pre-session error conditions.  Transports surface these on
// the protocol's own error channel: an ERR pkt-line on the native
// transport, an HTTP error status on smart HTTP.
var (
	ErrUnknownService = errors.New("protocol: unknown service")
	ErrAccessDenied   = errors.New("protocol: access denied")
)

// A NegotiationError reports a want that does not resolve to an
// object in the repository.  It is fatal to the session that sent it.
type NegotiationError struct {
	ID repository.ID
}

func (e *NegotiationError) Error() string {
	return "protocol: not our ref " + string(e.ID)
}

// A PackApplyError reports that the pack data of a push could not be
// applied.  It is fatal for the push and reported to the client as an
// "unpack" status line; no refs are mutated.
type PackApplyError struct {
	Err error
}

func (e *PackApplyError) Error() string {
	return "protocol: unpack failed: " + e.Err.Error()
}

func (e *PackApplyError) Unwrap() error { return e.Err }
