package reconstruct

import "fmt"

// Kind is the closed error taxonomy reconstruction can fail with. It is
// a kind, not a Go type: every instance surfaces as a *ReconError with
// this Kind set, so callers switch on Kind rather than doing type
// assertions against a family of distinct error structs.
type Kind int

const (
	KindMalformedTemplate Kind = iota + 1
	KindMalformedTrailer
	KindMalformedManifest
	KindDecodeFailed
	KindFileUnresolved
	KindFileDigestMismatch
	KindImageDigestMismatch
	KindSourceTruncated
	KindSeekUnsupported
	KindInvalidRange
	KindSomeFilesMissing
	KindIo
)

func (k Kind) String() string {
	switch k {
	case KindMalformedTemplate:
		return "MalformedTemplate"
	case KindMalformedTrailer:
		return "MalformedTrailer"
	case KindMalformedManifest:
		return "MalformedManifest"
	case KindDecodeFailed:
		return "DecodeFailed"
	case KindFileUnresolved:
		return "FileUnresolved"
	case KindFileDigestMismatch:
		return "FileDigestMismatch"
	case KindImageDigestMismatch:
		return "ImageDigestMismatch"
	case KindSourceTruncated:
		return "SourceTruncated"
	case KindSeekUnsupported:
		return "SeekUnsupported"
	case KindInvalidRange:
		return "InvalidRange"
	case KindSomeFilesMissing:
		return "SomeFilesMissing"
	case KindIo:
		return "Io"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ReconError is the single error type every fatal reconstruction
// condition surfaces as. DescriptorIndex is -1 when the error is not
// tied to one particular descriptor.
type ReconError struct {
	Kind            Kind
	Offset          int64
	DescriptorIndex int
	Digest          []byte
	Reason          string
	Err             error
}

func (e *ReconError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("reconstruct: %s at offset %d (descriptor %d): %s", e.Kind, e.Offset, e.DescriptorIndex, e.Reason)
	}
	return fmt.Sprintf("reconstruct: %s at offset %d (descriptor %d)", e.Kind, e.Offset, e.DescriptorIndex)
}

func (e *ReconError) Unwrap() error { return e.Err }

func newError(kind Kind, offset int64, descIdx int, digest []byte, reason string, wrapped error) *ReconError {
	return &ReconError{
		Kind:            kind,
		Offset:          offset,
		DescriptorIndex: descIdx,
		Digest:          digest,
		Reason:          reason,
		Err:             wrapped,
	}
}
