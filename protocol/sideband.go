package protocol

import (
	"io"

	"github.com/lxr/go.git-serve/pktline"
)

// Side-band channels.  Each side-band frame is a pkt-line whose first
// payload byte names the channel the rest belongs to.
const (
	chanPackData = 1
	chanProgress = 2
	chanError    = 3
)

// maxSidebandPayload is the most data one side-band-64k frame can
// carry: a full pkt-line payload minus the channel byte.
const maxSidebandPayload = pktline.MaxPayloadLen - 1

// A sidebandMuxer multiplexes the pack stream, progress messages and
// fatal errors over a single pkt-line stream, one channel-tagged
// frame per pkt-line.
type sidebandMuxer struct {
	pktw *pktline.Writer
}

func newSidebandMuxer(pktw *pktline.Writer) *sidebandMuxer {
	return &sidebandMuxer{pktw}
}

// PackData returns the writer for channel 1, the pack stream.
func (m *sidebandMuxer) PackData() io.Writer {
	return chanWriter{m.pktw, chanPackData}
}

// Progress returns the writer for channel 2, sideband progress
// messages.
func (m *sidebandMuxer) Progress() io.Writer {
	return chanWriter{m.pktw, chanProgress}
}

// Error reports a fatal server error on channel 3.
func (m *sidebandMuxer) Error(msg string) error {
	_, err := chanWriter{m.pktw, chanError}.Write([]byte(msg + "\n"))
	return err
}

// Close terminates the multiplexed stream with a flush-pkt.
func (m *sidebandMuxer) Close() error {
	return m.pktw.Flush()
}

type chanWriter struct {
	pktw *pktline.Writer
	ch   byte
}

func (c chanWriter) Write(p []byte) (int, error) {
	wrote := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxSidebandPayload {
			n = maxSidebandPayload
		}
		frame := make([]byte, 0, n+1)
		frame = append(frame, c.ch)
		frame = append(frame, p[:n]...)
		if _, err := c.pktw.Write(frame); err != nil {
			return wrote, err
		}
		wrote += n
		p = p[n:]
	}
	return wrote, nil
}
