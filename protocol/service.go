package protocol

import (
	"context"
	"strings"
)

// A Service identifies one of the two smart transfer services.
type Service string

const (
	UploadPackService  Service = "git-upload-pack"
	ReceivePackService Service = "git-receive-pack"
)

// String returns the full service name, e.g. "git-upload-pack".
func (s Service) String() string { return string(s) }

// Name returns the service name without the "git-" prefix.
func (s Service) Name() string { return strings.TrimPrefix(string(s), "git-") }

// ParseService validates a client-supplied service name.
func ParseService(s string) (Service, error) {
	switch Service(s) {
	case UploadPackService, ReceivePackService:
		return Service(s), nil
	}
	return "", ErrUnknownService
}

// Credentials carry whatever identity the transport extracted from
// the caller; on smart HTTP this is the Basic auth pair.  A nil
// *Credentials means the caller is anonymous.
type Credentials struct {
	Username string
	Password string
}

// An Authorizer decides whether a caller may run a service against
// the named repository.  A nil error allows the session; returning
// ErrAccessDenied (or anything else) rejects it before any protocol
// exchange takes place.
type Authorizer interface {
	Authorize(ctx context.Context, repo string, service Service, creds *Credentials) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, repo string, service Service, creds *Credentials) error

// Authorize calls f.
func (f AuthorizerFunc) Authorize(ctx context.Context, repo string, service Service, creds *Credentials) error {
	return f(ctx, repo, service, creds)
}
