package protocol_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxr/go.git-serve/pktline"
	"github.com/lxr/go.git-serve/protocol"
	"github.com/lxr/go.git-serve/repository"
)

// readAdvertisement decodes an advertisement into its pkt-line
// payloads, requiring the terminating flush-pkt.
func readAdvertisement(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	r := pktline.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, r.Next())
	var lines []string
	for {
		msg, err := r.ReadMsgString()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, msg)
	}
	assert.False(t, r.Delim())
	return lines
}

// splitFirstLine splits an advertisement's first line into the ref
// part and the capability set following the NUL.
func splitFirstLine(t *testing.T, line string) (string, protocol.CapList) {
	t.Helper()
	ref, caps, ok := strings.Cut(strings.TrimSuffix(line, "\n"), "\x00")
	require.True(t, ok, "first line %q carries no capabilities", line)
	return ref, protocol.ParseCapList(caps)
}

func TestAdvertiseRefs(t *testing.T) {
	repo := newFakeRepo()
	repo.head = "refs/heads/main"
	repo.refs["refs/heads/main"] = oid('a')
	repo.refs["refs/heads/dev"] = oid('b')
	repo.refs["refs/tags/v1"] = oid('c')
	repo.peeled["refs/tags/v1"] = oid('d')

	var buf bytes.Buffer
	err := protocol.AdvertiseRefs(context.Background(), repo, &buf, protocol.UploadPackService)
	require.NoError(t, err)

	lines := readAdvertisement(t, &buf)
	require.Len(t, lines, 5)

	ref, caps := splitFirstLine(t, lines[0])
	assert.Equal(t, string(oid('a'))+" HEAD", ref)
	assert.True(t, caps.Has(protocol.CapMultiAck))
	assert.True(t, caps.Has(protocol.CapMultiAckDetailed))
	assert.True(t, caps.Has(protocol.CapSideBand64k))
	assert.Equal(t, "HEAD:refs/heads/main", caps[protocol.CapSymref])
	assert.False(t, caps.Has(protocol.CapReportStatus))

	// Refs in name order, the peeled line right after its tag.
	assert.Equal(t, string(oid('b'))+" refs/heads/dev\n", lines[1])
	assert.Equal(t, string(oid('a'))+" refs/heads/main\n", lines[2])
	assert.Equal(t, string(oid('c'))+" refs/tags/v1\n", lines[3])
	assert.Equal(t, string(oid('d'))+" refs/tags/v1^{}\n", lines[4])
}

func TestAdvertiseRefsDeterministic(t *testing.T) {
	repo := newFakeRepo()
	repo.head = "refs/heads/main"
	repo.refs["refs/heads/main"] = oid('a')
	repo.refs["refs/heads/dev"] = oid('b')

	var first, second bytes.Buffer
	require.NoError(t, protocol.AdvertiseRefs(context.Background(), repo, &first, protocol.UploadPackService))
	require.NoError(t, protocol.AdvertiseRefs(context.Background(), repo, &second, protocol.UploadPackService))
	if diff := cmp.Diff(first.String(), second.String()); diff != "" {
		t.Errorf("advertisement not deterministic (-first +second):\n%s", diff)
	}
}

func TestAdvertiseRefsEmptyRepo(t *testing.T) {
	repo := newFakeRepo()

	var buf bytes.Buffer
	err := protocol.AdvertiseRefs(context.Background(), repo, &buf, protocol.ReceivePackService)
	require.NoError(t, err)

	lines := readAdvertisement(t, &buf)
	require.Len(t, lines, 1)

	ref, caps := splitFirstLine(t, lines[0])
	assert.Equal(t, string(repository.ZeroID)+" capabilities^{}", ref)
	assert.True(t, caps.Has(protocol.CapReportStatus))
	assert.True(t, caps.Has(protocol.CapDeleteRefs))
	assert.True(t, caps.Has(protocol.CapAtomic))
	assert.False(t, caps.Has(protocol.CapSymref))
}

func TestAdvertiseRefsReceivePackNoSymref(t *testing.T) {
	repo := newFakeRepo()
	repo.head = "refs/heads/main"
	repo.refs["refs/heads/main"] = oid('a')

	var buf bytes.Buffer
	require.NoError(t, protocol.AdvertiseRefs(context.Background(), repo, &buf, protocol.ReceivePackService))

	lines := readAdvertisement(t, &buf)
	_, caps := splitFirstLine(t, lines[0])
	assert.False(t, caps.Has(protocol.CapSymref))
	assert.True(t, caps.Has(protocol.CapPushOptions))
}
