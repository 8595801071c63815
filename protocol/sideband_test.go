package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxr/go.git-serve/pktline"
)

// readFrames decodes a multiplexed stream into per-channel payloads.
func readFrames(t *testing.T, buf *bytes.Buffer) map[byte][]byte {
	t.Helper()
	chans := make(map[byte][]byte)
	r := pktline.NewReader(buf)
	require.NoError(t, r.Next())
	for {
		frame, err := r.ReadMsg()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotEmpty(t, frame)
		chans[frame[0]] = append(chans[frame[0]], frame[1:]...)
	}
	return chans
}

func TestSidebandMuxer(t *testing.T) {
	var buf bytes.Buffer
	mux := newSidebandMuxer(pktline.NewWriter(&buf))

	_, err := mux.PackData().Write([]byte("PACKDATA"))
	require.NoError(t, err)
	_, err = io.WriteString(mux.Progress(), "Counting objects: 8, done.\n")
	require.NoError(t, err)
	require.NoError(t, mux.Error("out of disk"))
	require.NoError(t, mux.Close())

	chans := readFrames(t, &buf)
	assert.Equal(t, "PACKDATA", string(chans[chanPackData]))
	assert.Equal(t, "Counting objects: 8, done.\n", string(chans[chanProgress]))
	assert.Equal(t, "out of disk\n", string(chans[chanError]))
}

// A write larger than one pkt-line can carry must be split into
// maximal frames, each retagged with the channel byte.
func TestSidebandChunking(t *testing.T) {
	var buf bytes.Buffer
	mux := newSidebandMuxer(pktline.NewWriter(&buf))

	big := bytes.Repeat([]byte{'x'}, maxSidebandPayload+100)
	n, err := mux.PackData().Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	require.NoError(t, mux.Close())

	r := pktline.NewReader(&buf)
	require.NoError(t, r.Next())
	frame, err := r.ReadMsg()
	require.NoError(t, err)
	assert.Len(t, frame, maxSidebandPayload+1)
	frame, err = r.ReadMsg()
	require.NoError(t, err)
	assert.Len(t, frame, 101)
	_, err = r.ReadMsg()
	assert.Equal(t, io.EOF, err)
}
