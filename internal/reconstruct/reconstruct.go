// Package reconstruct implements the reconstruction driver: walking a
// template's descriptors in order, pulling bytes from the template's
// own data stream or from externally resolved files, and verifying
// per-file and whole-image digests.
package reconstruct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/jlog"
	"github.com/jigdo-project/jigdo/internal/manifest"
	"github.com/jigdo-project/jigdo/internal/metrics"
	"github.com/jigdo-project/jigdo/internal/template"
)

// Options configures one Reconstruct call.
type Options struct {
	Start int64
	// End is the exclusive end of the output window. If HasEnd is
	// false, End defaults to the template's declared image length.
	End    int64
	HasEnd bool

	// Quick disables whole-image digesting and per-file digest checks.
	Quick bool

	// MissingMode converts FileUnresolved from a fatal error into a
	// recorded entry in Result.Missing.
	MissingMode bool
}

// Result is what a successful (or missing-mode-partial) Reconstruct
// call reports back.
type Result struct {
	BytesWritten        int64
	Missing             []string
	ImageDigestVerified bool
}

// Session is the single context object a reconstruction run hangs off
// of: it owns the manifest index, the decompression cache, the
// logger, and the metrics registry used across one or more
// Reconstruct calls. It holds no other mutable state between calls.
type Session struct {
	Index   *manifest.FileIndex
	Cache   *lru.Cache[template.CacheKey, []byte]
	Logger  *jlog.Logger
	Metrics *metrics.Registry
}

// NewSession constructs a Session. cache may be nil (no caching,
// equivalent to capacity 0) and logger/metrics may be nil (no-op).
func NewSession(idx *manifest.FileIndex, cache *lru.Cache[template.CacheKey, []byte], logger *jlog.Logger, m *metrics.Registry) *Session {
	return &Session{Index: idx, Cache: cache, Logger: logger, Metrics: m}
}

const copyChunkSize = 1 << 16

// Reconstruct walks r's descriptors in order, writing the portion of
// each descriptor's span that intersects [opts.Start, end) to sink,
// and (outside quick mode) verifies per-file and whole-image digests.
func (s *Session) Reconstruct(ctx context.Context, r *template.Reader, sink io.Writer, opts Options) (Result, error) {
	descs, terminal := r.Descriptors()

	end := opts.End
	if !opts.HasEnd {
		end = int64(terminal.ImageLength)
	}
	if opts.Start > end || opts.Start > int64(terminal.ImageLength) {
		return Result{}, newError(KindInvalidRange, opts.Start, -1, nil,
			fmt.Sprintf("start %d exceeds end %d or image length %d", opts.Start, end, terminal.ImageLength), nil)
	}

	ds := r.DataStream(s.Cache)
	defer func() {
		if s.Metrics == nil {
			return
		}
		hits, misses := ds.CacheStats()
		s.Metrics.CacheHits.Add(float64(hits))
		s.Metrics.CacheMisses.Add(float64(misses))
	}()

	var imageHasher hash.Hash
	if !opts.Quick {
		imageHasher = terminal.Kind.New()
	}

	var result Result
	var missingErrs *multierror.Error

	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			return result, newError(KindIo, int64(d.ImageOffset), i, nil, "context canceled", err)
		}

		descStart := int64(d.ImageOffset)
		descEnd := int64(d.End())
		inStart := max(descStart, opts.Start)
		inEnd := min(descEnd, end)

		if inStart >= inEnd {
			// DATA spans live in the data stream, and so do the inlined
			// bytes behind a WRITTEN_* span; both must be skipped to keep
			// the decompression cursor aligned with later DATA spans.
			if d.Tag == template.TagData || d.Tag.IsWritten() {
				if err := ds.Skip(int64(d.Length)); err != nil {
					return result, s.wrapDataStreamErr(err, descStart, i)
				}
			}
			continue
		}

		switch {
		case d.Tag == template.TagData:
			n, err := s.reconstructDataSpan(ds, sink, imageHasher, descStart, inStart, inEnd, i)
			result.BytesWritten += n
			if err != nil {
				return result, err
			}

		case d.Tag.IsMatch():
			n, missingID, err := s.reconstructMatchSpan(d, i, descStart, descEnd, inStart, inEnd, sink, imageHasher, opts)
			result.BytesWritten += n
			if err != nil {
				return result, err
			}
			if d.Tag.IsWritten() {
				if serr := ds.Skip(int64(d.Length)); serr != nil {
					return result, s.wrapDataStreamErr(serr, descStart, i)
				}
			}
			if missingID != "" {
				result.Missing = append(result.Missing, missingID)
				missingErrs = multierror.Append(missingErrs, newError(KindFileUnresolved, descStart, i, d.Digest, missingID, nil))
			}

		default:
			return result, newError(KindMalformedTemplate, descStart, i, nil, fmt.Sprintf("unexpected descriptor tag %s", d.Tag), nil)
		}
	}

	fullWindow := opts.Start == 0 && end == int64(terminal.ImageLength)
	if fullWindow && !opts.Quick && len(result.Missing) == 0 {
		sum := imageHasher.Sum(nil)
		if !bytes.Equal(sum, terminal.Digest) {
			return result, newError(KindImageDigestMismatch, int64(terminal.ImageLength), len(descs), terminal.Digest,
				fmt.Sprintf("got %s, want %s", digest.Base64Encode(sum), digest.Base64Encode(terminal.Digest)), nil)
		}
		result.ImageDigestVerified = true
	}

	if len(result.Missing) > 0 {
		missingErrs.ErrorFormat = func(errs []error) string {
			return fmt.Sprintf("%d file(s) unresolved", len(errs))
		}
		return result, newError(KindSomeFilesMissing, int64(terminal.ImageLength), len(descs), nil,
			missingErrs.Error(), missingErrs.ErrorOrNil())
	}

	return result, nil
}

func (s *Session) wrapDataStreamErr(err error, offset int64, descIdx int) error {
	var seekErr *template.ErrSeekUnsupported
	if errors.As(err, &seekErr) {
		return newError(KindSeekUnsupported, offset, descIdx, nil, "", err)
	}
	var malformed *template.ErrMalformedTemplate
	if errors.As(err, &malformed) {
		return newError(KindMalformedTemplate, offset, descIdx, nil, err.Error(), err)
	}
	return newError(KindDecodeFailed, offset, descIdx, nil, err.Error(), err)
}

func (s *Session) reconstructDataSpan(ds *template.DataStream, sink io.Writer, imageHasher hash.Hash, descStart, inStart, inEnd int64, descIdx int) (int64, error) {
	if skip := inStart - descStart; skip > 0 {
		if err := ds.Skip(skip); err != nil {
			return 0, s.wrapDataStreamErr(err, descStart, descIdx)
		}
	}

	n := inEnd - inStart
	buf, err := ds.Read(int(n))
	if err != nil {
		return 0, s.wrapDataStreamErr(err, inStart, descIdx)
	}
	if imageHasher != nil {
		imageHasher.Write(buf)
	}
	if _, err := sink.Write(buf); err != nil {
		return 0, newError(KindIo, inStart, descIdx, nil, "sink write failed", err)
	}
	if s.Metrics != nil {
		s.Metrics.BytesReconstructed.Add(float64(n))
	}
	return n, nil
}

func (s *Session) reconstructMatchSpan(d template.Descriptor, descIdx int, descStart, descEnd, inStart, inEnd int64, sink io.Writer, imageHasher hash.Hash, opts Options) (int64, string, error) {
	rec, ok := s.Index.Lookup(d.Digest)
	// A manifest entry loaded with missing_ok has a record but no
	// resolved path; it is just as unresolved as a digest absent from
	// the index entirely.
	if ok && rec.ResolvedPath == "" {
		ok = false
	}
	if !ok {
		if opts.MissingMode {
			if s.Metrics != nil {
				s.Metrics.FilesMissing.Inc()
			}
			if s.Logger != nil {
				s.Logger.Warn(jlog.Fields{Offset: descStart, DescriptorIdx: descIdx, Digest: d.Digest}, "file unresolved, recorded as missing")
			}
			// Zero-fill the unresolved span so every later descriptor's
			// offset in the sink still matches its image-space offset.
			n, werr := zeroFill(sink, inEnd-inStart)
			if werr != nil {
				return n, "", newError(KindIo, inStart, descIdx, d.Digest, "sink write failed", werr)
			}
			return n, missingIdentifier(d), nil
		}
		return 0, "", newError(KindFileUnresolved, descStart, descIdx, d.Digest, "", nil)
	}

	f, err := os.Open(rec.ResolvedPath)
	if err != nil {
		return 0, "", newError(KindIo, descStart, descIdx, d.Digest, "opening resolved file: "+err.Error(), err)
	}
	defer f.Close()

	if state, size := rec.SizeState(); state != manifest.SizeMissing && size < int64(d.Length) {
		return 0, "", newError(KindSourceTruncated, descStart, descIdx, d.Digest,
			fmt.Sprintf("resolved file %s is %d bytes, descriptor declares %d", rec.ResolvedPath, size, d.Length), nil)
	}

	seekTo := inStart - descStart
	if _, err := f.Seek(seekTo, io.SeekStart); err != nil {
		return 0, "", newError(KindIo, inStart, descIdx, d.Digest, "seeking resolved file: "+err.Error(), err)
	}

	wholeSpan := inStart == descStart && inEnd == descEnd
	var fileHasher hash.Hash
	if wholeSpan && !opts.Quick {
		kind, _ := d.Tag.DigestKind()
		fileHasher = kind.New()
	}

	toRead := inEnd - inStart
	n, err := copyChunked(f, sink, toRead, imageHasher, fileHasher)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return n, "", newError(KindSourceTruncated, inStart+n, descIdx, d.Digest, "resolved file ended before descriptor's declared length", err)
		}
		return n, "", newError(KindIo, inStart+n, descIdx, d.Digest, err.Error(), err)
	}

	if wholeSpan && fileHasher != nil {
		sum := fileHasher.Sum(nil)
		if !bytes.Equal(sum, d.Digest) {
			return n, "", newError(KindFileDigestMismatch, descStart, descIdx, d.Digest,
				fmt.Sprintf("got %s, want %s", digest.Base64Encode(sum), digest.Base64Encode(d.Digest)), nil)
		}
	}

	if s.Metrics != nil {
		s.Metrics.FilesMatched.Inc()
		s.Metrics.BytesReconstructed.Add(float64(n))
	}
	return n, "", nil
}

// copyChunked streams exactly n bytes from src to dst, folding every
// chunk into whichever of imageHasher/fileHasher are non-nil before
// writing it onward, so per-file digesters see bytes in file order for
// the portion of the file that falls in the current descriptor span.
func copyChunked(src io.Reader, dst io.Writer, n int64, imageHasher, fileHasher hash.Hash) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var copied int64
	for copied < n {
		want := n - copied
		if want > copyChunkSize {
			want = copyChunkSize
		}
		read, err := io.ReadFull(src, buf[:want])
		if read > 0 {
			chunk := buf[:read]
			if imageHasher != nil {
				imageHasher.Write(chunk)
			}
			if fileHasher != nil {
				fileHasher.Write(chunk)
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return copied + int64(read), werr
			}
			copied += int64(read)
		}
		if err != nil {
			return copied, err
		}
	}
	return copied, nil
}

// zeroFill writes n zero bytes to dst in fixed-size chunks.
func zeroFill(dst io.Writer, n int64) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for written < n {
		want := n - written
		if want > copyChunkSize {
			want = copyChunkSize
		}
		wn, err := dst.Write(buf[:want])
		written += int64(wn)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func missingIdentifier(d template.Descriptor) string {
	kind, _ := d.Tag.DigestKind()
	return fmt.Sprintf("%s:%s", kind, digest.Base64Encode(d.Digest))
}
