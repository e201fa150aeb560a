package template

import "fmt"

// ErrMalformedTemplate indicates a bad magic, an unknown descriptor
// tag, or an internal length mismatch in the data-block stream.
type ErrMalformedTemplate struct {
	Reason string
}

func (e *ErrMalformedTemplate) Error() string {
	return fmt.Sprintf("template: malformed template: %s", e.Reason)
}

// ErrMalformedTrailer indicates the EOF-anchored pointer and the
// DESC trailer's inner/outer length fields disagree, or the trailer
// cannot be located at all.
type ErrMalformedTrailer struct {
	Reason string
}

func (e *ErrMalformedTrailer) Error() string {
	return fmt.Sprintf("template: malformed trailer: %s", e.Reason)
}

// ErrSeekUnsupported indicates a backward seek was requested into a
// template data block no longer held in the decompression cache.
type ErrSeekUnsupported struct {
	TargetOffset int64
}

func (e *ErrSeekUnsupported) Error() string {
	return fmt.Sprintf("template: seek to offset %d unsupported: block is not cached", e.TargetOffset)
}
