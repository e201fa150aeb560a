package template

import (
	"fmt"
	"io"

	"github.com/jigdo-project/jigdo/internal/blockcompress"
	"github.com/jigdo-project/jigdo/internal/bytecodec"
	"github.com/jigdo-project/jigdo/internal/digest"
)

// TerminalInfo summarizes the single terminal IMAGE_* descriptor of a
// template.
type TerminalInfo struct {
	Kind          digest.Kind
	Digest        []byte
	ImageLength   uint64
	RsyncBlockLen uint32
}

// Reader parses a jigdo template envelope: the header, the compressed
// data-block stream, and the trailer descriptor table.
type Reader struct {
	src  io.ReadSeeker
	size int64

	// Header is the parsed header line, kept for callers that want
	// to report the format version/generator.
	Header Header

	// dataStart is the offset of the first data-block magic.
	dataStart int64

	descriptors []Descriptor
	terminal    TerminalInfo

	// templateID lazily identifies this Reader for decompression-cache
	// keys; see id() in datastream.go.
	templateID uint64
}

// synthetic templates (used by inspection tools) have no header at
// all — the file is treated as containing only the trailer, located
// purely via the EOF-anchored pointer.
type OpenOptions struct {
	// Synthetic, when true, skips header parsing entirely: the Reader
	// exposes only the trailer (Descriptors), and DataStream
	// is not usable.
	Synthetic bool
}

// Open parses a template's header and trailer. The data-block stream
// itself is not read until DataStream().Read is called.
func Open(src io.ReadSeeker, opts OpenOptions) (*Reader, error) {
	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	r := &Reader{src: src, size: size}

	if !opts.Synthetic {
		if err := r.readHeaderSection(); err != nil {
			return nil, err
		}
	}

	if err := r.readTrailer(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Reader) readHeaderSection() error {
	if _, err := r.src.Seek(0, io.SeekStart); err != nil {
		return err
	}

	hdr, n, err := readHeader(r.src)
	if err != nil {
		return err
	}
	r.Header = hdr
	pos := n

	// Peek 4 bytes to decide whether a comment line follows, or data
	// blocks start immediately (the comment+blank pair is optional as a
	// whole). A template with no DATA descriptors has its DESC trailer
	// directly after the header, so that magic also ends the text
	// section.
	var magic [4]byte
	if _, err := io.ReadFull(r.src, magic[:]); err != nil && err != io.EOF {
		return &ErrMalformedTemplate{Reason: "failed reading after header line: " + err.Error()}
	}
	_, isBlock := blockcompress.KindByMagic(magic)
	if isBlock || string(magic[:]) == "DESC" {
		// No comment: rewind the 4 bytes we just peeked.
		if _, err := r.src.Seek(pos, io.SeekStart); err != nil {
			return err
		}
		r.dataStart = pos
		return nil
	}

	// Not a data-block magic: those 4 bytes are the start of a
	// comment line. Rewind and read the comment + blank line pair.
	if _, err := r.src.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	comment, n2, err := readOptionalCommentAndBlank(r.src)
	if err != nil {
		return err
	}
	r.Header.Comment = comment
	r.dataStart = pos + n2
	if _, err := r.src.Seek(r.dataStart, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// readTrailer locates and parses the DESC trailer: seek to EOF-6, read
// the 48-bit pointer, seek back that far, verify the DESC magic and
// inner length, then decode descriptor records up to EOF-6.
func (r *Reader) readTrailer() error {
	if r.size < 16 {
		return &ErrMalformedTrailer{Reason: fmt.Sprintf("file too small (%d bytes) to contain a trailer", r.size)}
	}

	if _, err := r.src.Seek(r.size-6, io.SeekStart); err != nil {
		return err
	}
	var ptrBuf [6]byte
	if _, err := io.ReadFull(r.src, ptrBuf[:]); err != nil {
		return &ErrMalformedTrailer{Reason: "failed reading trailer pointer: " + err.Error()}
	}
	pointer := bytecodec.ReadLE48(ptrBuf[:])

	trailerStart := r.size - int64(pointer)
	if trailerStart < 0 || trailerStart > r.size-16 {
		return &ErrMalformedTrailer{Reason: fmt.Sprintf("trailer pointer %d out of range for file size %d", pointer, r.size)}
	}

	if _, err := r.src.Seek(trailerStart, io.SeekStart); err != nil {
		return err
	}
	var magic [4]byte
	if _, err := io.ReadFull(r.src, magic[:]); err != nil {
		return &ErrMalformedTrailer{Reason: "failed reading DESC magic: " + err.Error()}
	}
	if string(magic[:]) != "DESC" {
		return &ErrMalformedTrailer{Reason: fmt.Sprintf("expected DESC magic at offset %d, got %q", trailerStart, magic)}
	}

	var innerBuf [6]byte
	if _, err := io.ReadFull(r.src, innerBuf[:]); err != nil {
		return &ErrMalformedTrailer{Reason: "failed reading inner trailer length: " + err.Error()}
	}
	inner := bytecodec.ReadLE48(innerBuf[:])
	if inner != pointer {
		return &ErrMalformedTrailer{Reason: fmt.Sprintf("inner trailer length %d does not match outer pointer %d", inner, pointer)}
	}

	descEnd := r.size - 6
	descStart := trailerStart + 10
	if descStart > descEnd {
		return &ErrMalformedTrailer{Reason: "trailer has no room for descriptor records"}
	}

	descs, terminal, err := decodeDescriptors(r.src, descEnd-descStart)
	if err != nil {
		return err
	}

	pos, err := r.src.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos != descEnd {
		return &ErrMalformedTrailer{Reason: fmt.Sprintf("descriptor records consumed %d bytes, expected %d", pos-descStart, descEnd-descStart)}
	}

	r.descriptors = descs
	r.terminal = terminal
	return nil
}

// decodeDescriptors reads exactly descBytes bytes of descriptor
// records from r, returning the non-terminal descriptors (with
// ImageOffset filled in by running sum) and the terminal IMAGE_*
// descriptor's summary.
func decodeDescriptors(r io.Reader, descBytes int64) ([]Descriptor, TerminalInfo, error) {
	cr := bytecodec.NewReader(&io.LimitedReader{R: r, N: descBytes})

	var out []Descriptor
	var running uint64
	var terminal TerminalInfo
	var sawTerminal bool

	for {
		tagByte, err := readTag(cr)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: err.Error()}
		}

		tag := Tag(tagByte)
		var d Descriptor
		d.Tag = tag

		switch tag {
		case TagData:
			d.Length = cr.ReadLE48()
		case TagMatchMD5, TagWrittenMD5:
			d.Length = cr.ReadLE48()
			d.RsyncSum = cr.ReadLE64()
			d.Digest = cr.ReadBytes(digest.MD5.Size())
		case TagMatchSHA256, TagWrittenSHA256:
			d.Length = cr.ReadLE48()
			d.RsyncSum = cr.ReadLE64()
			d.Digest = cr.ReadBytes(digest.SHA256.Size())
		case TagImageMD5:
			d.Length = cr.ReadLE48()
			d.Digest = cr.ReadBytes(digest.MD5.Size())
			d.RsyncBlockLen = cr.ReadLE32()
		case TagImageSHA256:
			d.Length = cr.ReadLE48()
			d.Digest = cr.ReadBytes(digest.SHA256.Size())
			d.RsyncBlockLen = cr.ReadLE32()
		default:
			return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: fmt.Sprintf("unknown descriptor tag %d", tagByte)}
		}

		if cr.Err() != nil {
			return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: "truncated descriptor record: " + cr.Err().Error()}
		}

		if tag.IsImage() {
			if sawTerminal {
				return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: "more than one IMAGE_* descriptor"}
			}
			sawTerminal = true
			kind, _ := tag.DigestKind()
			terminal = TerminalInfo{
				Kind:          kind,
				Digest:        d.Digest,
				ImageLength:   d.Length,
				RsyncBlockLen: d.RsyncBlockLen,
			}
			// The terminal descriptor is not appended to out: its
			// Length is the whole-image length, not a span of its
			// own in image space.
			continue
		}

		d.ImageOffset = running
		running += d.Length
		out = append(out, d)
	}

	if !sawTerminal {
		return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: "trailer has no terminal IMAGE_* descriptor"}
	}
	if running != terminal.ImageLength {
		return nil, TerminalInfo{}, &ErrMalformedTemplate{Reason: fmt.Sprintf("sum of descriptor lengths %d does not match image length %d", running, terminal.ImageLength)}
	}

	return out, terminal, nil
}

// readTag reads a single tag byte, returning io.EOF (not wrapped) once
// the limited descriptor-bytes region is exhausted cleanly.
func readTag(cr *bytecodec.Reader) (byte, error) {
	b := cr.ReadBytes(1)
	if err := cr.Err(); err != nil {
		return 0, io.EOF
	}
	return b[0], nil
}

// Descriptors returns the non-terminal descriptors in file order, plus
// the terminal IMAGE_* descriptor's summary.
func (r *Reader) Descriptors() ([]Descriptor, TerminalInfo) {
	return r.descriptors, r.terminal
}

// Size returns the total template file size in bytes.
func (r *Reader) Size() int64 { return r.size }
