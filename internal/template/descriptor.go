// Package template implements the jigdo template binary envelope:
// header line, a stream of compressed data blocks, and a trailing
// descriptor table located in O(1) from end-of-file via a 48-bit
// back-pointer.
package template

import (
	"fmt"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// Tag identifies the kind of a descriptor record, using the on-disk
// tag numbers the jigdo template format assigns.
type Tag uint8

const (
	TagData          Tag = 2
	TagImageMD5      Tag = 5
	TagMatchMD5      Tag = 6
	TagWrittenMD5    Tag = 7
	TagImageSHA256   Tag = 8
	TagMatchSHA256   Tag = 9
	TagWrittenSHA256 Tag = 10
)

func (t Tag) String() string {
	switch t {
	case TagData:
		return "DATA"
	case TagImageMD5:
		return "IMAGE_MD5"
	case TagMatchMD5:
		return "MATCH_MD5"
	case TagWrittenMD5:
		return "WRITTEN_MD5"
	case TagImageSHA256:
		return "IMAGE_SHA256"
	case TagMatchSHA256:
		return "MATCH_SHA256"
	case TagWrittenSHA256:
		return "WRITTEN_SHA256"
	default:
		return fmt.Sprintf("Tag(%d)", int(t))
	}
}

// IsImage reports whether t is one of the two terminal IMAGE_* tags.
func (t Tag) IsImage() bool { return t == TagImageMD5 || t == TagImageSHA256 }

// IsMatch reports whether t is a MATCH_* or WRITTEN_* tag — i.e. a
// descriptor whose bytes come from an externally resolved file rather
// than the template's own data stream.
func (t Tag) IsMatch() bool {
	switch t {
	case TagMatchMD5, TagWrittenMD5, TagMatchSHA256, TagWrittenSHA256:
		return true
	default:
		return false
	}
}

// IsWritten reports whether t indicates the matched source was also
// inlined into the template's data blocks. A WRITTEN_* descriptor
// still binds a per-file digest for verification and is sourced from
// the resolved file like MATCH_* during reconstruction; the driver
// additionally steps the data stream over its inlined bytes.
func (t Tag) IsWritten() bool { return t == TagWrittenMD5 || t == TagWrittenSHA256 }

// DigestKind returns the digest algorithm a tag carries, for tags that
// carry one (IMAGE_*, MATCH_*, WRITTEN_*). TagData has no digest kind.
func (t Tag) DigestKind() (digest.Kind, bool) {
	switch t {
	case TagImageMD5, TagMatchMD5, TagWrittenMD5:
		return digest.MD5, true
	case TagImageSHA256, TagMatchSHA256, TagWrittenSHA256:
		return digest.SHA256, true
	default:
		return 0, false
	}
}

// Descriptor is the single canonical in-memory representation of a
// trailer record, regardless of its on-disk tag; the on-disk format
// stays isolated to the template codec's encode/decode paths.
type Descriptor struct {
	Tag Tag

	// Length is the span of this descriptor in image-byte space. For
	// an IMAGE_* descriptor it is the whole image length.
	Length uint64

	// RsyncSum is the rsync rolling checksum, present on MATCH_*/
	// WRITTEN_* descriptors. Not consulted during reconstruction; only
	// relevant to the builder and to downstream rsync-aware tooling.
	RsyncSum uint64

	// Digest is the per-file (MATCH_*/WRITTEN_*) or whole-image
	// (IMAGE_*) digest, sized per Tag.DigestKind.
	Digest []byte

	// RsyncBlockLen is present only on IMAGE_* descriptors: the rsync
	// rolling-block length used to produce every MATCH_*/WRITTEN_*
	// RsyncSum in the template.
	RsyncBlockLen uint32

	// ImageOffset is the running start offset of this descriptor in
	// image-byte space, computed during descriptor iteration rather
	// than stored on disk. It is meaningless (zero) for the terminal
	// IMAGE_* descriptor's own notion of "offset" — use Length for
	// that one's total size instead.
	ImageOffset uint64
}

// End returns the exclusive end offset of this descriptor in
// image-byte space (ImageOffset + Length).
func (d Descriptor) End() uint64 { return d.ImageOffset + d.Length }
