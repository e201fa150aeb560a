package blockcompress

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecompressDeflateRoundTrip(t *testing.T) {
	data := []byte("HELLO, this is a block of template data that gets deflated")
	compressed := zlibCompress(t, data)

	out, err := Decompress(Deflate, compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecompressDeflateTruncated(t *testing.T) {
	data := []byte("some longer payload that should not decode when truncated")
	compressed := zlibCompress(t, data)

	_, err := Decompress(Deflate, compressed[:len(compressed)-4], len(data))
	require.Error(t, err)
	var decodeErr *ErrDecodeFailed
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecompressWrongExpectedSize(t *testing.T) {
	data := []byte("fixed payload")
	compressed := zlibCompress(t, data)

	_, err := Decompress(Deflate, compressed, len(data)+5)
	require.Error(t, err)
}

func TestKindByMagic(t *testing.T) {
	k, ok := KindByMagic([4]byte{'D', 'A', 'T', 'A'})
	require.True(t, ok)
	assert.Equal(t, Deflate, k)

	k, ok = KindByMagic([4]byte{'B', 'Z', 'I', 'P'})
	require.True(t, ok)
	assert.Equal(t, Bzip2, k)

	_, ok = KindByMagic([4]byte{'Z', 'Z', 'Z', 'Z'})
	assert.False(t, ok)
}

func TestDecompressBzip2RejectsGarbage(t *testing.T) {
	// The standard library only ships a bzip2 decoder (matching this
	// package's decode-only contract for the algorithm); exercising
	// the success path against a hand-built stream isn't reliable
	// without an encoder, so the bzip2 branch is covered on its error
	// path: garbage input must surface as ErrDecodeFailed, not panic
	// or silently return zero bytes.
	_, err := Decompress(Bzip2, []byte("not a bzip2 stream"), 5)
	require.Error(t, err)
	var decodeErr *ErrDecodeFailed
	assert.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, Bzip2, decodeErr.Kind)
}
