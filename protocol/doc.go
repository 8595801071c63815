// Package protocol implements the server side of the Git packfile
// transfer protocol: the ref advertisement, the upload-pack (fetch)
// and receive-pack (push) state machines, and the side-band
// multiplexing of pack data.  See
// https://www.kernel.org/pub/software/scm/git/docs/technical/pack-protocol.html
// for details.
//
// The engines operate on a plain io.Reader/io.Writer pair in pkt-line
// framing, so the same code serves both the persistent native
// transport (package protocol/daemon) and the stateless smart HTTP
// transport (package protocol/http).
package protocol
