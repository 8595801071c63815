// Package pktline provides support for reading and writing the Git
// pkt-line wire protocol.  See https://www.kernel.org/pub/software/scm/git/docs/technical/protocol-common.html#_pkt_line_format
// for details.
package pktline

import (
	"errors"
	"io"
)

// MaxPayloadLen is the maximum length of a pkt-line payload.
const MaxPayloadLen = 65516

// ErrTooLong is returned by Writer.Write if the payload length exceeds
// MaxPayloadLen.
var ErrTooLong = errors.New("pktline: pkt-line too long")

// A FramingError reports a malformed pkt-line frame: a length header
// that is not four hex digits, a reserved length (0002, 0003), or a
// stream that ends mid-frame.  Framing errors are always fatal to the
// session that encounters them.
type FramingError string

func (e FramingError) Error() string { return "pktline: " + string(e) }

// States of Reader.want when not inside a data frame.
const (
	flushPkt = -1 // stopped at a flush-pkt
	delimPkt = -2 // stopped at a delimiter-pkt
	needLen  = -3 // between frames; length header not yet read
)

// A Reader reads pkt-line records from an underlying reader.  The
// method Next must be called to start reading the first pkt-line
// substream.  The Reader performs explicit fixed-size reads and never
// consumes bytes beyond the frames it has decoded, so the underlying
// reader can be handed off mid-stream, e.g. to read the pack data
// that follows a command list.
type Reader struct {
	r    io.Reader
	want int
	hdr  [4]byte
}

// NewReader creates a new Reader from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, want: flushPkt}
}

// readLineLen reads and parses the four-byte length header of the
// next pkt-line and stores the payload length (or a control-frame
// sentinel) in r.want.  It returns io.EOF on a clean end of the
// underlying stream.
func (r *Reader) readLineLen() error {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return FramingError("truncated length header")
		}
		return err
	}
	n := 0
	for _, c := range r.hdr {
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c >= 'a' && c <= 'f':
			d = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = int(c-'A') + 10
		default:
			return FramingError("length header is not hex: " + string(r.hdr[:]))
		}
		n = n<<4 | d
	}
	switch n {
	case 0:
		r.want = flushPkt
	case 1:
		r.want = delimPkt
	case 2, 3:
		return FramingError("reserved pkt-line length: " + string(r.hdr[:]))
	default:
		r.want = n - 4
	}
	return nil
}

// Len returns the number of bytes remaining on the current pkt-line.
// Zero is returned only at the start of an empty pkt-line.  Len
// returns a negative number when the Reader is not inside a data
// frame.
func (r *Reader) Len() int {
	return r.want
}

// Delim returns true if the control frame the Reader last stopped at
// was a delimiter-pkt rather than a flush-pkt.
func (r *Reader) Delim() bool {
	return r.want == delimPkt
}

// Terminated reports whether the io.EOF last observed from Read or
// ReadMsg came from a flush-pkt or delimiter-pkt.  When it returns
// false the underlying stream itself ended between frames: the
// current substream was cut off before its terminating control frame.
func (r *Reader) Terminated() bool {
	return r.want == flushPkt || r.want == delimPkt
}

// Next advances the reader to the next pkt-line substream (including
// the first), skipping any remaining pkt-lines in the current
// substream.  It returns io.EOF if at the end of the underlying
// reader.
func (r *Reader) Next() error {
	for r.want != flushPkt && r.want != delimPkt {
		if _, err := r.ReadMsg(); err != nil {
			if err == io.EOF && r.want != needLen {
				break // reached the control frame
			}
			return err
		}
	}
	r.want = needLen
	return r.readLineLen()
}

// Read reads bytes from the pkt-line stream.  Reads are truncated at
// pkt-line boundaries, so it is very likely for Read to return
// n < len(p) with a nil error.  (A consequence of this is that an
// empty pkt-line in a stream results in one read returning 0, nil.)
// Read returns 0, io.EOF after it encounters a flush-pkt or
// delimiter-pkt until Next is called.
func (r *Reader) Read(p []byte) (n int, err error) {
	if r.want == needLen {
		if err := r.readLineLen(); err != nil {
			return 0, err
		}
	}
	if r.want < 0 {
		return 0, io.EOF
	}
	if r.want == 0 {
		r.want = needLen
		return 0, nil
	}
	if len(p) > r.want {
		p = p[:r.want]
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err = io.ReadFull(r.r, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = FramingError("truncated pkt-line payload")
	}
	r.want -= n
	if r.want == 0 && err == nil {
		r.want = needLen
	}
	return n, err
}

// ReadMsg returns the next pkt-line payload as a byte slice.  An
// empty slice is returned only for an empty pkt-line.  ReadMsg
// returns nil, io.EOF after it encounters a flush-pkt or
// delimiter-pkt until Next is called.
func (r *Reader) ReadMsg() ([]byte, error) {
	if r.want == needLen {
		if err := r.readLineLen(); err != nil {
			return nil, err
		}
	}
	if r.want < 0 {
		return nil, io.EOF
	}
	p := make([]byte, r.want)
	n, err := io.ReadFull(r.r, p)
	if len(p) > 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		err = FramingError("truncated pkt-line payload")
	}
	r.want -= n
	if r.want == 0 && err == nil {
		r.want = needLen
	}
	return p[:n], err
}

// ReadMsgString behaves like ReadMsg, except it returns the pkt-line
// as a string.
func (r *Reader) ReadMsgString() (string, error) {
	p, err := r.ReadMsg()
	return string(p), err
}

// A Writer writes pkt-line records to an underlying writer.
type Writer struct {
	w io.Writer
}

// NewWriter creates a new Writer from w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w}
}

// Flush sends a flush-pkt to the underlying writer.
func (w *Writer) Flush() error {
	_, err := io.WriteString(w.w, "0000")
	return err
}

// Delim sends a delimiter-pkt to the underlying writer.
func (w *Writer) Delim() error {
	_, err := io.WriteString(w.w, "0001")
	return err
}

const hexdigit = "0123456789abcdef"

// Write writes p as a single pkt-line record.  It returns
// 0, ErrTooLong if len(p) exceeds MaxPayloadLen.  The length header
// and the payload are written in a single Write call on the
// underlying writer so that frames stay intact even on unbuffered
// destinations.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) > MaxPayloadLen {
		return 0, ErrTooLong
	}
	n := len(p) + 4
	buf := make([]byte, 0, n)
	buf = append(buf,
		hexdigit[n>>12&0xf],
		hexdigit[n>>8&0xf],
		hexdigit[n>>4&0xf],
		hexdigit[n&0xf],
	)
	buf = append(buf, p...)
	if _, err := w.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString writes s as a single pkt-line record.  It behaves like
// Write.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}
