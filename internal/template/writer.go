package template

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/jigdo-project/jigdo/internal/blockcompress"
	"github.com/jigdo-project/jigdo/internal/bytecodec"
	"github.com/jigdo-project/jigdo/internal/digest"
)

// blockTargetSize bounds how much uncompressed data Writer accumulates
// before flushing a compressed block. Real-world templates typically
// block at a few hundred KiB to a few MiB; this does not have to match
// any particular template's original blocking, since a template only
// has to be self-consistent.
const blockTargetSize = 1 << 18

// Writer builds a template envelope: the header line, a stream of
// compressed data blocks, and the DESC trailer. It is the encoding
// half used by the reverse-path Builder; Reader is its decoding
// counterpart.
type Writer struct {
	w   io.Writer
	err error

	pending bytes.Buffer

	descriptors []Descriptor
	imageLength uint64

	terminalKind   digest.Kind
	terminalDigest []byte
	rsyncBlockLen  uint32
}

// NewWriter writes hdr immediately and returns a Writer ready to
// accept WriteData / AddDataDescriptor / AddMatchDescriptor calls.
func NewWriter(w io.Writer, hdr Header) (*Writer, error) {
	if err := writeHeader(w, hdr); err != nil {
		return nil, err
	}
	return &Writer{w: w}, nil
}

// WriteData appends literal bytes to the template's own DATA stream,
// flushing full fixed-size blocks as they fill. Blocks and descriptors
// are independent: a DATA descriptor may span several blocks, and one
// block may carry bytes from several descriptors. WriteData does not
// itself add a descriptor; call AddDataDescriptor with the same length
// once the caller knows the full span it covers.
func (wr *Writer) WriteData(p []byte) {
	if wr.err != nil {
		return
	}
	wr.pending.Write(p)
	for wr.err == nil && wr.pending.Len() >= blockTargetSize {
		wr.writeBlock(wr.pending.Next(blockTargetSize))
	}
}

// writeBlock compresses uncompressed and writes it out as one data
// block with its magic/size header.
func (wr *Writer) writeBlock(uncompressed []byte) {
	if wr.err != nil {
		return
	}

	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		wr.err = err
		return
	}
	if _, err := zw.Write(uncompressed); err != nil {
		wr.err = err
		return
	}
	if err := zw.Close(); err != nil {
		wr.err = err
		return
	}

	kind := blockcompress.Deflate
	magic := kind.Magic()
	compressedSize := uint64(blockHeaderSize + compressed.Len())

	var hdr [blockHeaderSize]byte
	copy(hdr[:4], magic[:])
	bytecodec.WriteLE48(hdr[4:10], compressedSize)
	bytecodec.WriteLE48(hdr[10:16], uint64(len(uncompressed)))

	if _, err := wr.w.Write(hdr[:]); err != nil {
		wr.err = err
		return
	}
	if _, err := wr.w.Write(compressed.Bytes()); err != nil {
		wr.err = err
	}
}

// AddDataDescriptor records a DATA descriptor covering length bytes
// most recently passed to WriteData, and advances the running image
// offset. Callers normally pair every WriteData call with exactly one
// AddDataDescriptor call of the same length.
func (wr *Writer) AddDataDescriptor(length uint64) {
	if wr.err != nil {
		return
	}
	wr.descriptors = append(wr.descriptors, Descriptor{
		Tag:         TagData,
		Length:      length,
		ImageOffset: wr.imageLength,
	})
	wr.imageLength += length
}

// AddMatchDescriptor records a MATCH_* or WRITTEN_* descriptor for a
// span resolved from an external file rather than the template's own
// data stream. tag must be one of TagMatchMD5/TagWrittenMD5/
// TagMatchSHA256/TagWrittenSHA256.
func (wr *Writer) AddMatchDescriptor(tag Tag, length uint64, rsyncSum uint64, fileDigest []byte) {
	if wr.err != nil {
		return
	}
	if !tag.IsMatch() {
		wr.err = &ErrMalformedTemplate{Reason: "AddMatchDescriptor called with a non-match tag"}
		return
	}
	wr.descriptors = append(wr.descriptors, Descriptor{
		Tag:         tag,
		Length:      length,
		RsyncSum:    rsyncSum,
		Digest:      fileDigest,
		ImageOffset: wr.imageLength,
	})
	wr.imageLength += length
}

// SetTerminal records the whole-image digest and rsync block length
// that Finish will write as the terminal IMAGE_* descriptor.
func (wr *Writer) SetTerminal(kind digest.Kind, imageDigest []byte, rsyncBlockLen uint32) {
	wr.terminalKind = kind
	wr.terminalDigest = imageDigest
	wr.rsyncBlockLen = rsyncBlockLen
}

// Finish flushes any buffered data, writes the DESC trailer (inner
// length, descriptor records, outer length/pointer — both length
// fields equal the same total trailer size, measured from the 'D' of
// DESC through the outer field itself), and returns any error
// encountered over the Writer's lifetime.
func (wr *Writer) Finish() error {
	if wr.pending.Len() > 0 {
		wr.writeBlock(wr.pending.Bytes())
		wr.pending.Reset()
	}
	if wr.err != nil {
		return wr.err
	}
	if wr.terminalDigest == nil {
		return &ErrMalformedTemplate{Reason: "Finish called without SetTerminal"}
	}

	var body bytes.Buffer
	cw := bytecodec.NewWriter(&body)

	for _, d := range wr.descriptors {
		cw.WriteBytes([]byte{byte(d.Tag)})
		switch {
		case d.Tag == TagData:
			cw.WriteLE48(d.Length)
		case d.Tag.IsMatch():
			cw.WriteLE48(d.Length)
			cw.WriteLE64(d.RsyncSum)
			cw.WriteBytes(d.Digest)
		}
	}

	terminalTag := TagImageMD5
	if wr.terminalKind == digest.SHA256 {
		terminalTag = TagImageSHA256
	}
	cw.WriteBytes([]byte{byte(terminalTag)})
	cw.WriteLE48(wr.imageLength)
	cw.WriteBytes(wr.terminalDigest)
	cw.WriteLE32(wr.rsyncBlockLen)

	if err := cw.Err(); err != nil {
		return err
	}

	trailerSize := uint64(16 + body.Len())

	if _, err := io.WriteString(wr.w, "DESC"); err != nil {
		return err
	}
	var lenBuf [6]byte
	bytecodec.WriteLE48(lenBuf[:], trailerSize)
	if _, err := wr.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := wr.w.Write(body.Bytes()); err != nil {
		return err
	}
	if _, err := wr.w.Write(lenBuf[:]); err != nil {
		return err
	}

	return nil
}
