package tarstream

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildArchive constructs a valid tar stream using the standard library's
// writer, purely as a test fixture; production parsing never uses
// archive/tar, which cannot restart mid-stream.
func buildArchive(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, name := range order {
		content := files[name]
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name: name,
			Size: int64(len(content)),
			Mode: 0o644,
		}))
		_, err := w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type observed struct {
	headers []FileHeader
	data    map[string][]byte
}

// drain feeds archive into the parser in chunks of the given size and
// collects the sequence of headers and reassembled payloads.
func drain(t *testing.T, archive []byte, chunkSize int) observed {
	t.Helper()
	p := New()
	out := observed{data: make(map[string][]byte)}
	var currentName string

	feed := func(chunk []byte) {
		for len(chunk) > 0 {
			consumed, ev, err := p.Parse(chunk)
			require.NoError(t, err)
			switch ev.Kind {
			case Header:
				out.headers = append(out.headers, ev.Header)
				currentName = ev.Header.Name
			case Data:
				out.data[currentName] = append(out.data[currentName], ev.Data...)
			case EOF:
				chunk = chunk[consumed:]
				continue
			}
			chunk = chunk[consumed:]
		}
	}

	if chunkSize <= 0 {
		feed(archive)
		return out
	}
	for i := 0; i < len(archive); i += chunkSize {
		end := i + chunkSize
		if end > len(archive) {
			end = len(archive)
		}
		feed(archive[i:end])
	}
	return out
}

func TestChunkingInvariance(t *testing.T) {
	order := []string{"version", "header-info", "data/0000.tar"}
	files := map[string][]byte{
		"version":       []byte(`{"format":"mender","version":3}`),
		"header-info":   []byte(`{"payloads":[{"type":"rootfs-image"}]}`),
		"data/0000.tar": bytes.Repeat([]byte{0xAB}, 4096),
	}
	archive := buildArchive(t, files, order)

	baseline := drain(t, archive, 0)

	for _, chunkSize := range []int{1, 3, 7, 512, 513, 4096, 10_000} {
		chunked := drain(t, archive, chunkSize)
		assert.Equal(t, baseline.headers, chunked.headers, "chunk size %d", chunkSize)
		for name := range baseline.data {
			assert.True(t, bytes.Equal(baseline.data[name], chunked.data[name]), "chunk size %d file %s", chunkSize, name)
		}
	}
}

func TestZeroByteFileTransitionsImmediately(t *testing.T) {
	archive := buildArchive(t, map[string][]byte{"empty": {}}, []string{"empty"})
	out := drain(t, archive, 0)
	require.Len(t, out.headers, 1)
	assert.Equal(t, "empty", out.headers[0].Name)
	assert.Equal(t, int64(0), out.headers[0].Size)
	assert.Empty(t, out.data["empty"])
}

func TestMalformedHeaderChecksum(t *testing.T) {
	archive := buildArchive(t, map[string][]byte{"f": []byte("hi")}, []string{"f"})
	// Corrupt a byte inside the header block (name field), which changes
	// the checksum without changing the stored checksum field.
	archive[5] ^= 0xFF

	p := New()
	_, _, err := p.Parse(archive)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSingleByteChunks(t *testing.T) {
	archive := buildArchive(t, map[string][]byte{"f": []byte("hello world")}, []string{"f"})
	out := drain(t, archive, 1)
	require.Len(t, out.headers, 1)
	assert.Equal(t, "hello world", string(out.data["f"]))
}
