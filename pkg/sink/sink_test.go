package sink

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

func fulfilled(t *testing.T, id int, chunkSize int64, data string) *swarm.Chunk {
	t.Helper()
	c := swarm.NewChunk(id, "s", chunkSize)
	require.NoError(t, c.Fulfill([]byte(data), swarm.SourcePeers))
	return c
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Append(fulfilled(t, 0, 4, "abcd")))
	require.NoError(t, w.Append(fulfilled(t, 1, 4, "ef")))
	assert.Equal(t, "abcdef", buf.String())
	assert.Equal(t, int64(6), w.Written())
}

func TestFileWritesAtChunkOffset(t *testing.T) {
	fs := afero.NewMemMapFs()
	f, err := NewFile(fs, "out/video.webm")
	require.NoError(t, err)

	require.NoError(t, f.Append(fulfilled(t, 0, 4, "abcd")))
	require.NoError(t, f.Append(fulfilled(t, 2, 4, "ij")))
	require.NoError(t, f.Append(fulfilled(t, 1, 4, "efgh")))
	require.NoError(t, f.Close())

	data, err := afero.ReadFile(fs, "out/video.webm")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(data))
}

func TestFileTruncates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "video.webm", []byte("stale content"), 0644))

	f, err := NewFile(fs, "video.webm")
	require.NoError(t, err)
	require.NoError(t, f.Append(fulfilled(t, 0, 4, "new")))
	require.NoError(t, f.Close())

	data, err := afero.ReadFile(fs, "video.webm")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
