// Package http implements the server side of the Git smart HTTP
// protocol.  See
// https://www.kernel.org/pub/software/scm/git/docs/technical/http-protocol.html
// for details.
//
// Each request is a fully self-contained exchange (stateless-rpc):
// the GET info/refs endpoint returns the service announcement and ref
// advertisement, and each POST carries one complete batch of the
// client's pkt-lines and returns the framed response.  Multi-round
// negotiation arrives as successive POSTs with cumulative have lists.
package http

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/protocol"
	"github.com/lxr/go.git-serve/repository"
)

// A Handler serves the smart HTTP endpoints for every repository its
// Finder can resolve:
//
//	GET  /{repo}/info/refs?service={service}
//	POST /{repo}/git-upload-pack
//	POST /{repo}/git-receive-pack
//
// Repository paths may carry a ".git" suffix or not; both resolve to
// the same repository.
type Handler struct {
	// Repos resolves request paths to repositories.
	Repos repository.Finder

	// Auth, if non-nil, is consulted before any protocol exchange.
	// Credentials are taken from HTTP Basic auth.
	Auth protocol.Authorizer

	// MaxRounds bounds upload-pack negotiation rounds within one
	// request.  Zero means no bound.
	MaxRounds int
}

// ServeHTTP dispatches a smart HTTP request to the advertisement or
// service endpoint it names.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	repoName, endpoint, ok := splitPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var service protocol.Service
	var err error
	switch endpoint {
	case "info/refs":
		service, err = protocol.ParseService(r.FormValue("service"))
		if err != nil {
			// The dumb protocol is not served here.
			http.Error(w, "smart service required", http.StatusForbidden)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
	default:
		service, err = protocol.ParseService(endpoint)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
	}

	ctx := r.Context()
	if !h.authorize(w, r, repoName, service) {
		return
	}
	repo, err := h.Repos.Find(ctx, repoName)
	if err == repository.ErrNotExist {
		klog.Warningf("404 for %s %s (repository not found)", r.Method, r.URL)
		http.NotFound(w, r)
		return
	} else if err != nil {
		klog.Warningf("500 for %s %s: %v", r.Method, r.URL, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if endpoint == "info/refs" {
		h.advertiseRefs(w, r, repo, service)
		return
	}
	h.serve(w, r, repo, service)
}

// splitPath splits a request path into the repository name and the
// protocol endpoint, stripping an optional ".git" suffix off the
// repository.
func splitPath(path string) (repo, endpoint string, ok bool) {
	path = strings.TrimPrefix(path, "/")
	for _, endpoint := range []string{
		"info/refs",
		protocol.UploadPackService.String(),
		protocol.ReceivePackService.String(),
	} {
		if repo, found := strings.CutSuffix(path, "/"+endpoint); found && repo != "" {
			return strings.TrimSuffix(repo, ".git"), endpoint, true
		}
	}
	return "", "", false
}

// authorize runs the access-control hook, translating a rejection to
// 401 for anonymous callers (inviting credentials) and 403 for
// authenticated ones.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, repo string, service protocol.Service) bool {
	if h.Auth == nil {
		return true
	}
	var creds *protocol.Credentials
	if username, password, ok := r.BasicAuth(); ok {
		creds = &protocol.Credentials{Username: username, Password: password}
	}
	if err := h.Auth.Authorize(r.Context(), repo, service, creds); err != nil {
		if creds == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		} else {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		}
		return false
	}
	return true
}

// advertiseRefs serves the info/refs (discovery) endpoint.
func (h *Handler) advertiseRefs(w http.ResponseWriter, r *http.Request, repo repository.Interface, service protocol.Service) {
	// The advertisement is buffered so that a storage failure can
	// still be reported with a real error status; once the first
	// byte is written the 200 is on the wire.
	buf := new(bytes.Buffer)
	if err := protocol.AdvertiseRefs(r.Context(), repo, buf, service); err != nil {
		klog.Warningf("500 for %s %s: %v", r.Method, r.URL, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	setNoCache(w.Header())
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)

	pktw := pktline.NewWriter(w)
	fmt.Fprintf(pktw, "# service=%s\n", service)
	pktw.Flush()
	io.Copy(w, buf)
}

// serve runs one stateless-rpc exchange of the named service over a
// single request/response pair.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, repo repository.Interface, service protocol.Service) {
	body := io.Reader(r.Body)
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "":
	case "gzip":
		gzr, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer gzr.Close()
		body = gzr
	default:
		http.Error(w, fmt.Sprintf("unknown content-encoding %q", enc), http.StatusUnsupportedMediaType)
		return
	}

	setNoCache(w.Header())
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-result", service))

	// The status line goes out with the engine's first write, so a
	// request whose pkt-lines cannot even be parsed can still be
	// answered with an error status.
	dw := &deferredWriter{ResponseWriter: w}
	var err error
	switch service {
	case protocol.UploadPackService:
		err = protocol.UploadPack(r.Context(), repo, dw, body,
			&protocol.UploadPackOptions{MaxRounds: h.MaxRounds})
	case protocol.ReceivePackService:
		err = protocol.ReceivePack(r.Context(), repo, dw, body)
	}
	if err != nil {
		if !dw.wrote {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Too late for an error status; the engine has already
		// reported what it could in-band.
		klog.Warningf("%s for %s %s: %v", service, r.Method, r.URL, err)
	}
}

// A deferredWriter remembers whether the response body has been
// started, i.e. whether the 200 is already on the wire.
type deferredWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *deferredWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

// setNoCache forbids caching of smart HTTP responses, which are never
// reusable across requests.
func setNoCache(h http.Header) {
	h.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}

// ListenAndServe serves h on listen until ctx is canceled.  The
// address actually listened on is posted to addrCh, which is closed
// if the listener cannot be created.
func ListenAndServe(ctx context.Context, listen string, h *Handler, addrCh chan<- net.Addr) error {
	httpServer := &http.Server{
		Addr:           listen,
		Handler:        h,
		ReadTimeout:    10 * time.Minute,
		WriteTimeout:   10 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		close(addrCh)
		return err
	}

	go func() {
		<-ctx.Done()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			klog.Warningf("error from git httpServer.Shutdown: %v", err)
		}
		if err := httpServer.Close(); err != nil {
			klog.Warningf("error from git httpServer.Close: %v", err)
		}
	}()

	addrCh <- ln.Addr()

	return httpServer.Serve(ln)
}
