package pktline_test

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxr/go.git-serve/pktline"
)

// encode writes each payload as a pkt-line and terminates the stream
// with a flush-pkt.
func encode(t *testing.T, payloads ...string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	for _, p := range payloads {
		_, err := w.WriteString(p)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
	return &buf
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)

	n, err := w.WriteString("hello\n")
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "000ahello\n", buf.String())

	buf.Reset()
	n, err = w.WriteString("")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "0004", buf.String())

	buf.Reset()
	require.NoError(t, w.Flush())
	require.NoError(t, w.Delim())
	assert.Equal(t, "00000001", buf.String())
}

func TestWriteTooLong(t *testing.T) {
	w := pktline.NewWriter(io.Discard)
	_, err := w.Write(make([]byte, pktline.MaxPayloadLen+1))
	assert.Equal(t, pktline.ErrTooLong, err)

	_, err = w.Write(make([]byte, pktline.MaxPayloadLen))
	assert.NoError(t, err)
}

func TestReadMsg(t *testing.T) {
	r := pktline.NewReader(encode(t, "first\n", "second\n"))
	require.NoError(t, r.Next())

	msg, err := r.ReadMsgString()
	require.NoError(t, err)
	assert.Equal(t, "first\n", msg)

	msg, err = r.ReadMsgString()
	require.NoError(t, err)
	assert.Equal(t, "second\n", msg)

	_, err = r.ReadMsg()
	assert.Equal(t, io.EOF, err)
	// io.EOF is sticky until the next substream is entered.
	_, err = r.ReadMsg()
	assert.Equal(t, io.EOF, err)
	assert.False(t, r.Delim())
}

func TestReadEmptyPkt(t *testing.T) {
	r := pktline.NewReader(encode(t, "", "x"))
	require.NoError(t, r.Next())

	msg, err := r.ReadMsg()
	require.NoError(t, err)
	assert.Empty(t, msg)

	msg, err = r.ReadMsg()
	require.NoError(t, err)
	assert.Equal(t, "x", string(msg))
}

func TestReadTruncatedAtBoundary(t *testing.T) {
	r := pktline.NewReader(encode(t, "abcdef"))
	require.NoError(t, r.Next())

	p := make([]byte, 4)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(p[:n]))
	assert.Equal(t, 2, r.Len())

	n, err = r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(p[:n]))

	_, err = r.Read(p)
	assert.Equal(t, io.EOF, err)
}

func TestNextSubstreams(t *testing.T) {
	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	w.WriteString("a")
	w.WriteString("skipped")
	w.Flush()
	w.WriteString("b")
	w.Delim()
	w.WriteString("c")
	w.Flush()

	r := pktline.NewReader(&buf)
	require.NoError(t, r.Next())
	msg, err := r.ReadMsgString()
	require.NoError(t, err)
	assert.Equal(t, "a", msg)

	// Next drains the rest of the current substream.
	require.NoError(t, r.Next())
	msg, err = r.ReadMsgString()
	require.NoError(t, err)
	assert.Equal(t, "b", msg)
	_, err = r.ReadMsg()
	assert.Equal(t, io.EOF, err)
	assert.True(t, r.Delim())

	require.NoError(t, r.Next())
	msg, err = r.ReadMsgString()
	require.NoError(t, err)
	assert.Equal(t, "c", msg)
	_, err = r.ReadMsg()
	assert.Equal(t, io.EOF, err)
	assert.False(t, r.Delim())

	assert.Equal(t, io.EOF, r.Next())
}

// The Reader must not consume bytes past the frames it has decoded,
// so that raw data following a pkt-line section can be read off the
// underlying reader.
func TestReadHandoff(t *testing.T) {
	buf := encode(t, "want\n")
	buf.WriteString("RAWDATA")

	r := pktline.NewReader(buf)
	require.NoError(t, r.Next())
	_, err := r.ReadMsg()
	require.NoError(t, err)
	_, err = r.ReadMsg()
	require.Equal(t, io.EOF, err)

	rest, err := io.ReadAll(buf)
	require.NoError(t, err)
	assert.Equal(t, "RAWDATA", string(rest))
}

func TestFramingErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		in   string
	}{
		{"bad hex", "00zz"},
		{"reserved length 0002", "0002"},
		{"reserved length 0003", "0003"},
		{"truncated header", "00"},
		{"truncated payload", "000ahel"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := pktline.NewReader(strings.NewReader(tt.in))
			err := r.Next()
			if err == nil {
				_, err = r.ReadMsg()
			}
			var fe pktline.FramingError
			assert.ErrorAs(t, err, &fe, "input %q", tt.in)
		})
	}
}

func TestCleanEOF(t *testing.T) {
	r := pktline.NewReader(strings.NewReader(""))
	assert.Equal(t, io.EOF, r.Next())
}

func TestTerminated(t *testing.T) {
	// A substream closed by a flush-pkt and one cut off by the raw
	// stream ending both surface as io.EOF; Terminated tells them
	// apart.
	drain := func(t *testing.T, r *pktline.Reader) {
		t.Helper()
		require.NoError(t, r.Next())
		_, err := r.ReadMsg()
		require.NoError(t, err)
		_, err = r.ReadMsg()
		require.Equal(t, io.EOF, err)
	}

	r := pktline.NewReader(encode(t, "one\n"))
	drain(t, r)
	assert.True(t, r.Terminated())

	var buf bytes.Buffer
	w := pktline.NewWriter(&buf)
	_, err := w.WriteString("one\n")
	require.NoError(t, err)
	r = pktline.NewReader(&buf)
	drain(t, r)
	assert.False(t, r.Terminated())
}

func TestRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode inverts encode", prop.ForAll(
		func(payloads []string) bool {
			var buf bytes.Buffer
			w := pktline.NewWriter(&buf)
			for _, p := range payloads {
				if _, err := w.WriteString(p); err != nil {
					return false
				}
			}
			if err := w.Flush(); err != nil {
				return false
			}

			r := pktline.NewReader(&buf)
			if err := r.Next(); err != nil {
				return false
			}
			var got []string
			for {
				msg, err := r.ReadMsgString()
				if err == io.EOF {
					break
				}
				if err != nil {
					return false
				}
				got = append(got, msg)
			}
			if len(got) != len(payloads) {
				return false
			}
			for i := range got {
				if got[i] != payloads[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
