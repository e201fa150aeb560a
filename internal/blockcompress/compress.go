// Package blockcompress implements a uniform decompression adaptor: a
// single atomic call that inflates a fully-buffered compressed block
// into its known-size decompressed form, for each of the two
// algorithms the template format carries (deflate-wrapped and bzip2).
package blockcompress

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Kind identifies which of the two compressed-block algorithms a
// template data block uses, selected by its 4-byte magic prefix:
// "DATA" for deflate, "BZIP" for bzip2.
type Kind int

const (
	// Deflate blocks are zlib-wrapped deflate streams (not bare
	// deflate), carrying the "DATA" magic.
	Deflate Kind = iota + 1
	// Bzip2 blocks carry the "BZIP" magic.
	Bzip2
)

// Magic returns the 4-byte on-disk magic prefix for the given kind.
func (k Kind) Magic() [4]byte {
	switch k {
	case Deflate:
		return [4]byte{'D', 'A', 'T', 'A'}
	case Bzip2:
		return [4]byte{'B', 'Z', 'I', 'P'}
	default:
		panic(fmt.Sprintf("blockcompress: unknown kind %d", int(k)))
	}
}

// KindByMagic returns the Kind for a 4-byte magic prefix, or false if
// it matches neither known algorithm (the template codec turns that
// into a MalformedTemplate error).
func KindByMagic(magic [4]byte) (Kind, bool) {
	switch magic {
	case Kind(Deflate).Magic():
		return Deflate, true
	case Kind(Bzip2).Magic():
		return Bzip2, true
	default:
		return 0, false
	}
}

// ErrDecodeFailed wraps any decompression failure: a truncated
// stream, a stream that ends before producing the expected number of
// bytes, or any decoder error other than clean end-of-stream.
type ErrDecodeFailed struct {
	Kind Kind
	Err  error
}

func (e *ErrDecodeFailed) Error() string {
	return fmt.Sprintf("blockcompress: %v decode failed: %v", e.Kind, e.Err)
}

func (e *ErrDecodeFailed) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case Deflate:
		return "deflate"
	case Bzip2:
		return "bzip2"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Decompress inflates src (a complete compressed block) into exactly
// expectedSize bytes. Decoding is atomic: partial/resumable
// decompression is not supported, since the builder bounds block size
// so a full buffer is cheap and matches the driver's own
// block-at-a-time access pattern.
func Decompress(kind Kind, src []byte, expectedSize int) ([]byte, error) {
	var r io.Reader
	switch kind {
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, &ErrDecodeFailed{Kind: kind, Err: err}
		}
		defer zr.Close()
		r = zr
	case Bzip2:
		r = bzip2.NewReader(bytes.NewReader(src))
	default:
		return nil, &ErrDecodeFailed{Kind: kind, Err: fmt.Errorf("unknown compression kind %d", int(kind))}
	}

	out := make([]byte, expectedSize)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, &ErrDecodeFailed{Kind: kind, Err: err}
	}
	if n != expectedSize {
		return nil, &ErrDecodeFailed{Kind: kind, Err: fmt.Errorf("produced %d bytes, expected %d", n, expectedSize)}
	}

	// The stream must not have more data than expected: reading one
	// more byte should report a clean EOF.
	var extra [1]byte
	m, err := r.Read(extra[:])
	if m != 0 {
		return nil, &ErrDecodeFailed{Kind: kind, Err: fmt.Errorf("stream produced more than the expected %d bytes", expectedSize)}
	}
	if err != nil && err != io.EOF {
		return nil, &ErrDecodeFailed{Kind: kind, Err: err}
	}

	return out, nil
}
