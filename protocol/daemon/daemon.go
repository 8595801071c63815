// Package daemon implements the server side of the native Git
// transport (the git:// URL scheme).  See
// https://www.kernel.org/pub/software/scm/git/docs/technical/pack-protocol.html#_git_transport
// for details.
//
// A session is one TCP connection: the client opens with a single
// pkt-line request naming the service and repository, the server
// advertises its refs, and the requested engine then runs over the
// same socket until the exchange completes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/protocol"
	"github.com/lxr/go.git-serve/repository"
)

// DefaultPort is the IANA-assigned port of the git protocol.
const DefaultPort = 9418

// DefaultReadTimeout is how long a session may sit idle between
// client pkt-lines before it is aborted.
const DefaultReadTimeout = 10 * time.Minute

// A TimeoutError reports a session aborted for idling past the read
// timeout.  No partial ref mutations survive it.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("daemon: session idle for more than %v", e.Timeout)
}

// A request is the parsed form of the initial pkt-line
//
//	git-proto-request = request-command SP pathname NUL
//	                    [ host-parameter NUL ] [ NUL extra-parameters ]
type request struct {
	service protocol.Service
	path    string
	host    string
	extra   []string
}

// A Server serves the native Git protocol for every repository its
// Finder can resolve.
type Server struct {
	// Repos resolves request pathnames to repositories.
	Repos repository.Finder

	// Auth, if non-nil, is consulted before any protocol
	// exchange.  The native transport carries no credentials, so
	// the Authorizer is always handed anonymous callers.
	Auth protocol.Authorizer

	// ReadTimeout overrides DefaultReadTimeout if positive.
	ReadTimeout time.Duration

	// MaxRounds bounds upload-pack negotiation rounds.  Zero
	// means no bound.
	MaxRounds int
}

// ListenAndServe accepts native protocol connections on listen until
// ctx is canceled.  The address actually listened on is posted to
// addrCh, which is closed if the listener cannot be created.
func (s *Server) ListenAndServe(ctx context.Context, listen string, addrCh chan<- net.Addr) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		close(addrCh)
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	addrCh <- ln.Addr()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs one session.  All resources are released on every
// exit path; fatal errors are surfaced to the client as an ERR
// pkt-line where the protocol still allows one.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Unblock any pending socket I/O if the server shuts
		// down mid-session.
		<-ctx.Done()
		conn.SetDeadline(time.Now())
	}()

	if err := s.serveRequest(ctx, conn); err != nil {
		klog.Warningf("session from %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) serveRequest(ctx context.Context, conn net.Conn) error {
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	rd := &idleConn{conn: conn, timeout: timeout}

	req, err := readRequest(rd)
	if err != nil {
		writeErr(conn, "invalid request")
		return err
	}
	klog.V(4).Infof("%s requests %s for %q (host=%q)",
		conn.RemoteAddr(), req.service, req.path, req.host)

	if s.Auth != nil {
		if err := s.Auth.Authorize(ctx, req.path, req.service, nil); err != nil {
			writeErr(conn, "access denied")
			return err
		}
	}
	repo, err := s.Repos.Find(ctx, req.path)
	if err == repository.ErrNotExist {
		writeErr(conn, fmt.Sprintf("repository not found: %s", req.path))
		return err
	} else if err != nil {
		writeErr(conn, "internal error")
		return err
	}

	if err := protocol.AdvertiseRefs(ctx, repo, conn, req.service); err != nil {
		writeErr(conn, "internal error")
		return err
	}

	switch req.service {
	case protocol.UploadPackService:
		err = protocol.UploadPack(ctx, repo, conn, rd,
			&protocol.UploadPackOptions{MaxRounds: s.MaxRounds})
	case protocol.ReceivePackService:
		err = protocol.ReceivePack(ctx, repo, conn, rd)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Timeout: timeout}
	}
	return err
}

// readRequest reads and parses the initial request pkt-line.
func readRequest(r io.Reader) (*request, error) {
	pktr := pktline.NewReader(r)
	if err := pktr.Next(); err != nil {
		return nil, err
	}
	line, err := pktr.ReadMsgString()
	if err != nil {
		return nil, err
	}

	params := strings.Split(strings.TrimSuffix(line, "\n"), "\x00")
	service, path, ok := strings.Cut(params[0], " ")
	if !ok {
		return nil, fmt.Errorf("daemon: malformed request line %q", line)
	}
	req := &request{path: strings.TrimPrefix(path, "/")}
	if req.service, err = protocol.ParseService(service); err != nil {
		return nil, err
	}

	// The tail of the request is [ host NUL ] [ NUL extra NUL* ]:
	// params[1:] is "" for the bare form, or the host parameter
	// followed by "", optionally followed by extra parameters and
	// a final "".
	rest := params[1:]
	if len(rest) > 0 && strings.HasPrefix(rest[0], "host=") {
		hostport := strings.TrimPrefix(rest[0], "host=")
		req.host, _, _ = strings.Cut(hostport, ":")
		rest = rest[1:]
	}
	for _, param := range rest {
		if param != "" {
			req.extra = append(req.extra, param)
		}
	}
	return req, nil
}

// writeErr reports a fatal pre-session error on the protocol's error
// channel.  Write failures are moot: the session is over either way.
func writeErr(conn net.Conn, msg string) {
	pktw := pktline.NewWriter(conn)
	fmt.Fprintf(pktw, "ERR %s\n", msg)
}

// An idleConn reads from a connection under a rolling deadline, so a
// session whose client goes quiet is aborted rather than pinned
// forever.
type idleConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.conn.Read(p)
}
