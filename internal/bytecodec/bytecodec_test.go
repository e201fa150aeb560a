package bytecodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLE48RoundTrip(t *testing.T) {
	buf := make([]byte, 6)
	for _, v := range []uint64{0, 1, 0xff, 0xffffffffffff, 0x123456789abc} {
		WriteLE48(buf, v)
		assert.Equal(t, v, ReadLE48(buf))
	}
}

func TestLE48TopBitsZero(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	got := ReadLE48(buf)
	assert.Equal(t, uint64(0xffffffffffff), got)
	assert.Equal(t, uint64(0), got>>48)
}

func TestLE48OverflowPanics(t *testing.T) {
	buf := make([]byte, 6)
	assert.Panics(t, func() {
		WriteLE48(buf, 1<<48)
	})
}

func TestReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteLE48(12345)
	w.WriteLE32(67890)
	w.WriteBE32(111)
	w.WriteBytes([]byte("DESC"))
	require.NoError(t, w.Err())

	r := NewReader(&buf)
	assert.Equal(t, uint64(12345), r.ReadLE48())
	assert.Equal(t, uint32(67890), r.ReadLE32())
	assert.Equal(t, uint32(111), r.ReadBE32())
	assert.Equal(t, []byte("DESC"), r.ReadBytes(4))
	require.NoError(t, r.Err())
}

func TestReaderSticksOnFirstError(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	v := r.ReadLE48()
	assert.Equal(t, uint64(0), v)
	require.Error(t, r.Err())

	// Further reads stay zero and don't panic once err is set.
	assert.Equal(t, uint32(0), r.ReadLE32())
}
