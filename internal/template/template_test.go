package template

import (
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/d4l3k/messagediff"
	"github.com/stretchr/testify/require"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// fakeFile is an in-memory io.ReadWriteSeeker backed by a growing
// byte slice, standing in for the on-disk template file.
type fakeFile struct {
	buf []byte
	pos int64
}

func (f *fakeFile) Write(p []byte) (int, error) {
	if f.pos < int64(len(f.buf)) {
		// writer.go only ever appends; this path is unused but kept
		// honest rather than assumed away.
		f.buf = append(f.buf[:f.pos], p...)
	} else {
		f.buf = append(f.buf, p...)
	}
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.pos:])
	f.pos += int64(n)
	if f.pos >= int64(len(f.buf)) {
		return n, nil
	}
	return n, nil
}

func (f *fakeFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = f.pos
	case 2:
		base = int64(len(f.buf))
	}
	f.pos = base + offset
	return f.pos, nil
}

func buildSimpleTemplate(t *testing.T) *fakeFile {
	t.Helper()
	f := &fakeFile{}

	w, err := NewWriter(f, Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	lit := bytes.Repeat([]byte("literal-bytes-"), 1000)
	w.WriteData(lit)
	w.AddDataDescriptor(uint64(len(lit)))

	fileDigest := sha256.Sum256([]byte("contents-of-matched-file"))
	const matchLen = 24 // len("contents-of-matched-file")
	w.AddMatchDescriptor(TagMatchSHA256, matchLen, 0xdeadbeefcafebabe, fileDigest[:])

	whole := sha256.Sum256(append(append([]byte{}, lit...), []byte("contents-of-matched-file")...))
	w.SetTerminal(digest.SHA256, whole[:], 2048)

	require.NoError(t, w.Finish())
	f.pos = 0
	return f
}

func TestWriterReaderRoundTrip(t *testing.T) {
	f := buildSimpleTemplate(t)

	r, err := Open(f, OpenOptions{})
	require.NoError(t, err)

	require.Equal(t, "2.0", r.Header.FormatVersion)
	require.Equal(t, "jigdo-project/jigdo", r.Header.GeneratorID)

	descs, terminal := r.Descriptors()
	require.Len(t, descs, 2)
	require.Equal(t, TagData, descs[0].Tag)
	require.Equal(t, uint64(0), descs[0].ImageOffset)
	require.Equal(t, TagMatchSHA256, descs[1].Tag)
	require.Equal(t, descs[0].Length, descs[1].ImageOffset)

	require.Equal(t, digest.SHA256, terminal.Kind)
	require.Equal(t, uint32(2048), terminal.RsyncBlockLen)
	require.Equal(t, descs[0].Length+descs[1].Length, terminal.ImageLength)
}

// TestLengthSumInvariant checks the core reconstructability
// invariant: the sum of every non-terminal descriptor's Length equals
// the terminal IMAGE_* descriptor's declared image length.
func TestLengthSumInvariant(t *testing.T) {
	f := buildSimpleTemplate(t)
	r, err := Open(f, OpenOptions{})
	require.NoError(t, err)

	descs, terminal := r.Descriptors()
	var sum uint64
	for _, d := range descs {
		sum += d.Length
	}
	require.Equal(t, terminal.ImageLength, sum)
}

// TestDescriptorShapeStable re-parses a template twice and diffs the
// two descriptor slices, catching any accidental nondeterminism in the
// reader (e.g. a field left unzeroed across calls) with a readable
// diff rather than a terse reflect.DeepEqual failure.
func TestDescriptorShapeStable(t *testing.T) {
	f := buildSimpleTemplate(t)

	f.pos = 0
	r1, err := Open(f, OpenOptions{})
	require.NoError(t, err)
	descs1, terminal1 := r1.Descriptors()

	f.pos = 0
	r2, err := Open(f, OpenOptions{})
	require.NoError(t, err)
	descs2, terminal2 := r2.Descriptors()

	if diff, equal := messagediff.PrettyDiff(descs1, descs2); !equal {
		t.Errorf("re-parsing the same template produced different descriptors. Diff:\n%s", diff)
	}
	if diff, equal := messagediff.PrettyDiff(terminal1, terminal2); !equal {
		t.Errorf("re-parsing the same template produced a different terminal descriptor. Diff:\n%s", diff)
	}
}

// TestDataStreamRoundTrip checks that the DATA descriptor's bytes read
// back byte-for-byte identical through the DataStream cursor.
func TestDataStreamRoundTrip(t *testing.T) {
	f := buildSimpleTemplate(t)
	r, err := Open(f, OpenOptions{})
	require.NoError(t, err)

	descs, _ := r.Descriptors()
	want := bytes.Repeat([]byte("literal-bytes-"), 1000)

	cache, err := NewBlockCache(4)
	require.NoError(t, err)
	ds := r.DataStream(cache)

	got, err := ds.Read(int(descs[0].Length))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// TestSkipMatchesRead verifies Skip leaves the cursor at the same
// DATA-stream offset that an equivalent Read would.
func TestSkipMatchesRead(t *testing.T) {
	f1 := buildSimpleTemplate(t)
	f2 := buildSimpleTemplate(t)

	r1, err := Open(f1, OpenOptions{})
	require.NoError(t, err)
	r2, err := Open(f2, OpenOptions{})
	require.NoError(t, err)

	cache1, _ := NewBlockCache(4)
	cache2, _ := NewBlockCache(4)
	ds1 := r1.DataStream(cache1)
	ds2 := r2.DataStream(cache2)

	const n = 5000
	_, err = ds1.Read(n)
	require.NoError(t, err)
	require.NoError(t, ds2.Skip(n))

	require.Equal(t, ds1.Offset(), ds2.Offset())

	rest1, err := ds1.Read(100)
	require.NoError(t, err)
	rest2, err := ds2.Read(100)
	require.NoError(t, err)
	require.Equal(t, rest1, rest2)
}

// TestDataStreamMultiBlock drives the block cursor across several
// fixed-size blocks: a literal run larger than one block must read
// back intact, and a backward seek into an earlier block must be
// served from the decompression cache.
func TestDataStreamMultiBlock(t *testing.T) {
	f := &fakeFile{}
	w, err := NewWriter(f, Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	lit := make([]byte, blockTargetSize*2+blockTargetSize/2)
	for i := range lit {
		lit[i] = byte(i % 251)
	}
	w.WriteData(lit)
	w.AddDataDescriptor(uint64(len(lit)))

	whole := sha256.Sum256(lit)
	w.SetTerminal(digest.SHA256, whole[:], 2048)
	require.NoError(t, w.Finish())

	f.pos = 0
	r, err := Open(f, OpenOptions{})
	require.NoError(t, err)

	cache, err := NewBlockCache(8)
	require.NoError(t, err)
	ds := r.DataStream(cache)

	got, err := ds.Read(len(lit))
	require.NoError(t, err)
	require.Equal(t, lit, got)

	// Every decoded block is cached, so a backward seek into the first
	// block must succeed and re-read the same bytes.
	require.NoError(t, ds.Seek(10))
	again, err := ds.Read(100)
	require.NoError(t, err)
	require.Equal(t, lit[10:110], again)
}

// TestDataStreamBackwardSeekUncached: with a capacity-1 cache, seeking
// back past the current block must fail with ErrSeekUnsupported.
func TestDataStreamBackwardSeekUncached(t *testing.T) {
	f := &fakeFile{}
	w, err := NewWriter(f, Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	lit := make([]byte, blockTargetSize*2)
	for i := range lit {
		lit[i] = byte(i % 13)
	}
	w.WriteData(lit)
	w.AddDataDescriptor(uint64(len(lit)))

	whole := sha256.Sum256(lit)
	w.SetTerminal(digest.SHA256, whole[:], 2048)
	require.NoError(t, w.Finish())

	f.pos = 0
	r, err := Open(f, OpenOptions{})
	require.NoError(t, err)

	cache, err := NewBlockCache(1)
	require.NoError(t, err)
	ds := r.DataStream(cache)

	_, err = ds.Read(len(lit))
	require.NoError(t, err)

	err = ds.Seek(0)
	require.Error(t, err)
	var seekErr *ErrSeekUnsupported
	require.ErrorAs(t, err, &seekErr)
}

// TestTrailerPointerIdentity: the trailer's inner length field and its
// EOF-anchored outer pointer must be literal duplicates of the same
// value.
func TestTrailerPointerIdentity(t *testing.T) {
	f := buildSimpleTemplate(t)
	buf := f.buf

	pointer := uint64(buf[len(buf)-6]) | uint64(buf[len(buf)-5])<<8 | uint64(buf[len(buf)-4])<<16 |
		uint64(buf[len(buf)-3])<<24 | uint64(buf[len(buf)-2])<<32 | uint64(buf[len(buf)-1])<<40

	trailerStart := int64(len(buf)) - int64(pointer)
	require.GreaterOrEqual(t, trailerStart, int64(0))
	require.Equal(t, "DESC", string(buf[trailerStart:trailerStart+4]))

	inner := uint64(buf[trailerStart+4]) | uint64(buf[trailerStart+5])<<8 | uint64(buf[trailerStart+6])<<16 |
		uint64(buf[trailerStart+7])<<24 | uint64(buf[trailerStart+8])<<32 | uint64(buf[trailerStart+9])<<40

	require.Equal(t, pointer, inner)
}

// TestMalformedTrailerOnLengthMismatch: a template whose inner and
// outer trailer length fields disagree must be rejected as
// MalformedTrailer, not silently accepted.
func TestMalformedTrailerOnLengthMismatch(t *testing.T) {
	f := buildSimpleTemplate(t)
	// Corrupt only the outer pointer (last 6 bytes), leaving the inner
	// length field pointing at the true trailer start.
	n := len(f.buf)
	f.buf[n-6] ^= 0xff

	f.pos = 0
	_, err := Open(f, OpenOptions{})
	require.Error(t, err)
	var malformed *ErrMalformedTrailer
	require.ErrorAs(t, err, &malformed)
}

func TestSyntheticOpenSkipsHeader(t *testing.T) {
	f := buildSimpleTemplate(t)
	f.pos = 0

	r, err := Open(f, OpenOptions{Synthetic: true})
	require.NoError(t, err)
	require.Empty(t, r.Header.FormatVersion)

	_, terminal := r.Descriptors()
	require.Equal(t, digest.SHA256, terminal.Kind)
}
