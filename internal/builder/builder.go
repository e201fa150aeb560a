// Package builder implements the reverse path of the jigdo format:
// given a stream of image bytes with match regions bracketed by
// BeginMatch/EndMatch, it emits a template (via template.Writer) and a
// jigdo manifest mapping each match back to a local path.
package builder

import (
	"fmt"
	"strings"

	"github.com/chmduquesne/rollinghash/adler32"

	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/template"
)

// Substitution is one `TO=FROM` manifest path-rewrite rule: a path
// matching the longest FROM prefix has that prefix replaced by TO in
// the emitted manifest line.
type Substitution struct {
	From string
	To   string
}

// apply rewrites path using the longest matching FROM prefix in subs,
// returning the manifest-form "LABEL:remainder" string. If no
// substitution matches, the path is emitted as-is under label
// "Unknown".
func apply(subs []Substitution, path string) string {
	bestIdx := -1
	bestLen := -1
	for i, s := range subs {
		if strings.HasPrefix(path, s.From) && len(s.From) > bestLen {
			bestIdx = i
			bestLen = len(s.From)
		}
	}
	if bestIdx < 0 {
		return "Unknown:" + path
	}
	s := subs[bestIdx]
	remainder := strings.TrimPrefix(path, s.From)
	remainder = strings.TrimPrefix(remainder, "/")
	return s.To + ":" + remainder
}

// PartEntry is one resolved `[Parts]` line the Builder accumulates.
type PartEntry struct {
	Kind   digest.Kind
	Digest []byte
	Label  string // the LABEL:remainder form after substitution
}

// Builder streams image bytes into a template.Writer, bracketing
// matched regions so that the region's bytes don't go into the
// template's own data stream (unless Written is requested) and a
// MATCH_*/WRITTEN_* descriptor is emitted for it instead.
type Builder struct {
	tw   *template.Writer
	subs []Substitution

	literalLen uint64

	inMatch      bool
	matchKind    digest.Kind
	matchDigest  []byte
	matchLength  uint64
	matchWritten bool
	matchPath    string
	matchRead    uint64
	roll         *adler32.Adler32

	parts []PartEntry
}

// New starts a Builder writing to tw, using subs to remap matched
// paths into manifest LABEL:remainder form.
func New(tw *template.Writer, subs []Substitution) *Builder {
	return &Builder{tw: tw, subs: subs}
}

// Write appends the next span of image bytes. Outside a match region
// these become literal DATA bytes; inside one, they feed the rolling
// checksum (and, if the current match was opened with Written=true,
// are also inlined into the data stream).
func (b *Builder) Write(p []byte) (int, error) {
	if !b.inMatch {
		b.tw.WriteData(p)
		b.literalLen += uint64(len(p))
		return len(p), nil
	}

	b.roll.Write(p)
	b.matchRead += uint64(len(p))
	if b.matchWritten {
		b.tw.WriteData(p)
	}
	return len(p), nil
}

// flushLiteral closes out any buffered literal run as one DATA
// descriptor, called whenever a match region begins or Finish runs.
func (b *Builder) flushLiteral() {
	if b.literalLen == 0 {
		return
	}
	b.tw.AddDataDescriptor(b.literalLen)
	b.literalLen = 0
}

// BeginMatch opens a matched region: length bytes identified by
// fileDigest, resolved locally at path. written requests that the
// region's bytes also be inlined into the template's data stream
// (emitting a WRITTEN_* descriptor instead of MATCH_*), for templates
// meant to remain self-contained without a mirror.
func (b *Builder) BeginMatch(kind digest.Kind, fileDigest []byte, length uint64, path string, written bool) error {
	if b.inMatch {
		return fmt.Errorf("builder: BeginMatch called while a match region is already open")
	}
	b.flushLiteral()

	b.inMatch = true
	b.matchKind = kind
	b.matchDigest = fileDigest
	b.matchLength = length
	b.matchWritten = written
	b.matchPath = path
	b.matchRead = 0
	b.roll = adler32.New()

	return nil
}

// EndMatch closes the currently open match region, recording its
// descriptor and manifest entry.
func (b *Builder) EndMatch() error {
	if !b.inMatch {
		return fmt.Errorf("builder: EndMatch called with no match region open")
	}
	if b.matchRead != b.matchLength {
		return fmt.Errorf("builder: match region declared length %d but received %d bytes", b.matchLength, b.matchRead)
	}

	sum := uint64(b.roll.Sum32())
	rsyncSum := sum<<32 | sum

	tag := matchTag(b.matchKind, b.matchWritten)
	b.tw.AddMatchDescriptor(tag, b.matchLength, rsyncSum, b.matchDigest)

	b.parts = append(b.parts, PartEntry{
		Kind:   b.matchKind,
		Digest: b.matchDigest,
		Label:  apply(b.subs, b.matchPath),
	})

	b.inMatch = false
	b.roll = nil
	return nil
}

func matchTag(kind digest.Kind, written bool) template.Tag {
	switch {
	case kind == digest.MD5 && !written:
		return template.TagMatchMD5
	case kind == digest.MD5 && written:
		return template.TagWrittenMD5
	case kind == digest.SHA256 && !written:
		return template.TagMatchSHA256
	default:
		return template.TagWrittenSHA256
	}
}

// Finish flushes any trailing literal run, records the terminal
// IMAGE_* descriptor, writes the trailer, and returns the accumulated
// manifest entries.
func (b *Builder) Finish(kind digest.Kind, imageDigest []byte, rsyncBlockLen uint32) ([]PartEntry, error) {
	if b.inMatch {
		return nil, fmt.Errorf("builder: Finish called with a match region still open")
	}
	b.flushLiteral()
	b.tw.SetTerminal(kind, imageDigest, rsyncBlockLen)
	if err := b.tw.Finish(); err != nil {
		return nil, err
	}
	return b.parts, nil
}

// RenderManifest formats parts as the body of a jigdo manifest's
// [Parts] section (one `digest_base64=LABEL:remainder` line per
// entry), for callers that want to write out a .jigdo file directly.
func RenderManifest(parts []PartEntry) string {
	var sb strings.Builder
	sb.WriteString("# JigsawDownload\r\n\r\n[Parts]\r\n")
	for _, p := range parts {
		sb.WriteString(digest.Base64Encode(p.Digest))
		sb.WriteByte('=')
		sb.WriteString(p.Label)
		sb.WriteString("\r\n")
	}
	return sb.String()
}
