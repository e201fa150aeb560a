package reconstruct

import (
	"bytes"
	"context"
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/manifest"
	"github.com/jigdo-project/jigdo/internal/template"
)

// memFile is a minimal in-memory io.ReadWriteSeeker, standing in for
// an on-disk template file across this package's tests.
type memFile struct {
	buf []byte
	pos int64
}

func (f *memFile) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	f.pos += int64(len(p))
	return len(p), nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = int64(len(f.buf))
	}
	f.pos = base + offset
	return f.pos, nil
}

func openReader(t *testing.T, f *memFile) *template.Reader {
	t.Helper()
	f.pos = 0
	r, err := template.Open(f, template.OpenOptions{})
	require.NoError(t, err)
	return r
}

// TestS1DataOnly: a single DATA descriptor whose bytes, reconstructed
// with any manifest, must match exactly.
func TestS1DataOnly(t *testing.T) {
	f := &memFile{}
	w, err := template.NewWriter(f, template.Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	w.WriteData([]byte("HELLO"))
	w.AddDataDescriptor(5)
	sum := md5.Sum([]byte("HELLO"))
	w.SetTerminal(digest.MD5, sum[:], 0)
	require.NoError(t, w.Finish())

	r := openReader(t, f)
	sess := NewSession(manifest.NewFileIndex(0), nil, nil, nil)

	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, Options{})
	require.NoError(t, err)
	require.Equal(t, "HELLO", out.String())
	require.Equal(t, int64(5), result.BytesWritten)
	require.True(t, result.ImageDigestVerified)
}

func buildMatchTemplate(t *testing.T, content string) (*memFile, [16]byte) {
	t.Helper()
	f := &memFile{}
	w, err := template.NewWriter(f, template.Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	sum := md5.Sum([]byte(content))
	w.AddMatchDescriptor(template.TagMatchMD5, uint64(len(content)), 0, sum[:])
	w.SetTerminal(digest.MD5, sum[:], 4096)
	require.NoError(t, w.Finish())
	return f, sum
}

// TestS2MatchResolved: a single MATCH_MD5 descriptor resolved
// against a manifest file with matching contents.
func TestS2MatchResolved(t *testing.T) {
	f, sum := buildMatchTemplate(t, "hello world")

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.MD5, Digest: sum[:], ResolvedPath: path})

	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, Options{})
	require.NoError(t, err)
	require.Equal(t, "hello world", out.String())
	require.True(t, result.ImageDigestVerified)
}

// TestS3MatchDigestMismatch: the resolved file exists but its
// contents don't match the descriptor's digest.
func TestS3MatchDigestMismatch(t *testing.T) {
	f, sum := buildMatchTemplate(t, "hello world")

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello WORLD"), 0o644))

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.MD5, Digest: sum[:], ResolvedPath: path})

	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	_, err := sess.Reconstruct(context.Background(), r, &out, Options{})
	require.Error(t, err)
	var reconErr *ReconError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, KindFileDigestMismatch, reconErr.Kind)
	require.Equal(t, sum[:], reconErr.Digest)
}

// TestS4MissingModeCollectsFiles: an unresolved MATCH descriptor in
// missing mode is recorded, not fatal, but the overall call still
// fails with SomeFilesMissing.
func TestS4MissingModeCollectsFiles(t *testing.T) {
	f, _ := buildMatchTemplate(t, "hello world")

	idx := manifest.NewFileIndex(0) // empty: nothing resolves
	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, Options{MissingMode: true})
	require.Error(t, err)
	var reconErr *ReconError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, KindSomeFilesMissing, reconErr.Kind)
	require.Len(t, result.Missing, 1)
	require.False(t, result.ImageDigestVerified)
	require.Equal(t, []byte("\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"), out.Bytes())
}

// TestMissingModeUnresolvedManifestRecord: a [Parts] entry loaded with
// missing_ok has a FileRecord in the index but no resolved path; it
// must take the missing-mode branch, not fail as an I/O error on
// opening an empty path.
func TestMissingModeUnresolvedManifestRecord(t *testing.T) {
	f, sum := buildMatchTemplate(t, "hello world")

	dir := t.TempDir()
	b64 := digest.Base64Encode(sum[:])
	manifestPath := filepath.Join(dir, "image.jigdo")
	contents := "# JigsawDownload\r\n\r\n[Parts]\r\n" + b64 + "=Mirror:nope.bin\r\n"
	require.NoError(t, os.WriteFile(manifestPath, []byte(contents), 0o644))

	idx := manifest.NewFileIndex(1)
	mappings := manifest.Mappings{{Label: "Mirror", Base: dir}}
	require.NoError(t, manifest.LoadManifest(manifestPath, false, mappings, true, idx))
	require.Equal(t, 1, idx.Len())

	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, Options{MissingMode: true})
	require.Error(t, err)
	var reconErr *ReconError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, KindSomeFilesMissing, reconErr.Kind)
	require.Len(t, result.Missing, 1)
}

// TestUnresolvedManifestRecordFatalWithoutMissingMode: the same
// path-less record is FileUnresolved (not Io) when missing mode is off.
func TestUnresolvedManifestRecordFatalWithoutMissingMode(t *testing.T) {
	f, sum := buildMatchTemplate(t, "hello world")

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.MD5, Digest: sum[:]})

	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	_, err := sess.Reconstruct(context.Background(), r, &out, Options{})
	require.Error(t, err)
	var reconErr *ReconError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, KindFileUnresolved, reconErr.Kind)
}

// TestS5WindowReconstruction: reconstructing a byte window spanning a
// DATA and a MATCH descriptor must not verify the whole-image digest.
func TestS5WindowReconstruction(t *testing.T) {
	f := &memFile{}
	w, err := template.NewWriter(f, template.Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	w.WriteData([]byte("ABCD"))
	w.AddDataDescriptor(4)

	wxyzSum := md5.Sum([]byte("wxyz"))
	w.AddMatchDescriptor(template.TagMatchMD5, 4, 0, wxyzSum[:])

	whole := md5.Sum([]byte("ABCDwxyz"))
	w.SetTerminal(digest.MD5, whole[:], 4096)
	require.NoError(t, w.Finish())

	dir := t.TempDir()
	path := filepath.Join(dir, "wxyz.txt")
	require.NoError(t, os.WriteFile(path, []byte("wxyz"), 0o644))

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.MD5, Digest: wxyzSum[:], ResolvedPath: path})

	r := openReader(t, f)
	sess := NewSession(idx, nil, nil, nil)

	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, Options{Start: 2, End: 6, HasEnd: true})
	require.NoError(t, err)
	require.Equal(t, "CDwx", out.String())
	require.False(t, result.ImageDigestVerified)
}

func TestInvalidRangeRejected(t *testing.T) {
	f, _ := buildMatchTemplate(t, "hello world")
	r := openReader(t, f)
	sess := NewSession(manifest.NewFileIndex(0), nil, nil, nil)

	var out bytes.Buffer
	_, err := sess.Reconstruct(context.Background(), r, &out, Options{Start: 999, End: 5, HasEnd: true})
	require.Error(t, err)
	var reconErr *ReconError
	require.ErrorAs(t, err, &reconErr)
	require.Equal(t, KindInvalidRange, reconErr.Kind)
}
