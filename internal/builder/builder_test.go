package builder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/manifest"
	"github.com/jigdo-project/jigdo/internal/reconstruct"
	"github.com/jigdo-project/jigdo/internal/template"
)

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

// TestBuildThenReconstructRoundTrip checks that reconstructing a built
// template reproduces the original image byte-for-byte.
func TestBuildThenReconstructRoundTrip(t *testing.T) {
	dir := t.TempDir()
	matchedContent := "this region comes from an external mirrored file\n"
	matchedPath := filepath.Join(dir, "mirror", "pkg", "data.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(matchedPath), 0o755))
	require.NoError(t, os.WriteFile(matchedPath, []byte(matchedContent), 0o644))

	image := "leading literal bytes -- " + matchedContent + " -- trailing literal bytes"

	f := &memFile{}
	tw, err := template.NewWriter(f, template.Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	subs := []Substitution{{From: filepath.Join(dir, "mirror"), To: "Pkg"}}
	b := New(tw, subs)

	leading := "leading literal bytes -- "
	_, err = b.Write([]byte(leading))
	require.NoError(t, err)

	matchSum := sha256.Sum256([]byte(matchedContent))
	require.NoError(t, b.BeginMatch(digest.SHA256, matchSum[:], uint64(len(matchedContent)), matchedPath, false))
	_, err = b.Write([]byte(matchedContent))
	require.NoError(t, err)
	require.NoError(t, b.EndMatch())

	trailing := " -- trailing literal bytes"
	_, err = b.Write([]byte(trailing))
	require.NoError(t, err)

	whole := sha256.Sum256([]byte(image))
	parts, err := b.Finish(digest.SHA256, whole[:], 4096)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "Pkg:pkg/data.bin", parts[0].Label)

	f.pos = 0
	r, err := template.Open(f, template.OpenOptions{})
	require.NoError(t, err)

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.SHA256, Digest: matchSum[:], ResolvedPath: matchedPath})

	sess := reconstruct.NewSession(idx, nil, nil, nil)
	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, reconstruct.Options{})
	require.NoError(t, err)
	require.Equal(t, image, out.String())
	require.True(t, result.ImageDigestVerified)
}

// TestWrittenMatchRoundTrip builds a template whose match region is
// inlined into the data stream (WRITTEN_*), with literal data on both
// sides, and verifies reconstruction still reproduces the image
// byte-for-byte: the driver has to step the data-stream cursor over the
// inlined span so the trailing literal bytes stay aligned.
func TestWrittenMatchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	matchedContent := "inlined region that also lives on the mirror\n"
	matchedPath := filepath.Join(dir, "part.bin")
	require.NoError(t, os.WriteFile(matchedPath, []byte(matchedContent), 0o644))

	image := "before " + matchedContent + " after"

	f := &memFile{}
	tw, err := template.NewWriter(f, template.Header{FormatVersion: "2.0", GeneratorID: "jigdo-project/jigdo"})
	require.NoError(t, err)

	b := New(tw, nil)
	_, err = b.Write([]byte("before "))
	require.NoError(t, err)

	matchSum := sha256.Sum256([]byte(matchedContent))
	require.NoError(t, b.BeginMatch(digest.SHA256, matchSum[:], uint64(len(matchedContent)), matchedPath, true))
	_, err = b.Write([]byte(matchedContent))
	require.NoError(t, err)
	require.NoError(t, b.EndMatch())

	_, err = b.Write([]byte(" after"))
	require.NoError(t, err)

	whole := sha256.Sum256([]byte(image))
	_, err = b.Finish(digest.SHA256, whole[:], 4096)
	require.NoError(t, err)

	f.pos = 0
	r, err := template.Open(f, template.OpenOptions{})
	require.NoError(t, err)

	descs, _ := r.Descriptors()
	require.Len(t, descs, 3)
	require.Equal(t, template.TagWrittenSHA256, descs[1].Tag)

	idx := manifest.NewFileIndex(1)
	idx.Insert(&manifest.FileRecord{Kind: digest.SHA256, Digest: matchSum[:], ResolvedPath: matchedPath})

	sess := reconstruct.NewSession(idx, nil, nil, nil)
	var out bytes.Buffer
	result, err := sess.Reconstruct(context.Background(), r, &out, reconstruct.Options{})
	require.NoError(t, err)
	require.Equal(t, image, out.String())
	require.True(t, result.ImageDigestVerified)
}

func TestApplySubstitutionLongestPrefix(t *testing.T) {
	subs := []Substitution{
		{From: "/mirror", To: "Root"},
		{From: "/mirror/debian", To: "Debian"},
	}
	require.Equal(t, "Debian:pool/a.deb", apply(subs, "/mirror/debian/pool/a.deb"))
	require.Equal(t, "Root:other/file", apply(subs, "/mirror/other/file"))
	require.Equal(t, "Unknown:/elsewhere/file", apply(subs, "/elsewhere/file"))
}
