package manifest

import (
	"bufio"
	"compress/gzip"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// jigdoHeaderPrefix is the required first line of a jigdo manifest
// unless the caller relaxes the check.
const jigdoHeaderPrefix = "# JigsawDownload"

// gzipMagic is the two leading bytes every gzip stream starts with;
// jigdo manifests are sometimes shipped gzip-compressed and are
// detected by magic sniff rather than by file extension.
var gzipMagic = [2]byte{0x1f, 0x8b}

// LoadManifest parses a jigdo manifest's [Parts] section into idx,
// resolving each LABEL:relative identifier against mappings. Entries
// whose digest is already present in idx are silently skipped, so a
// checksum file loaded first takes precedence. If an
// entry cannot be resolved, it is recorded with an unresolved
// (ResolvedPath == "") record when missingOK is set; otherwise loading
// fails with ErrResolutionFailed.
func LoadManifest(path string, relaxHeader bool, mappings Mappings, missingOK bool, idx *FileIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := maybeGunzip(f)
	if err != nil {
		return &ErrMalformedManifest{Path: path, Reason: "could not open as gzip: " + err.Error()}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	if !scanner.Scan() {
		return &ErrMalformedManifest{Path: path, Reason: "empty file"}
	}
	lineNo++
	firstLine := scanner.Text()
	if !relaxHeader && !strings.HasPrefix(firstLine, jigdoHeaderPrefix) {
		return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: fmt.Sprintf("expected header starting %q", jigdoHeaderPrefix)}
	}

	inParts := false
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if strings.HasPrefix(line, "[") {
			inParts = strings.EqualFold(strings.TrimSpace(line), "[Parts]")
			continue
		}
		if !inParts {
			continue
		}
		if line == "" {
			// Blank lines end the [Parts] scan.
			inParts = false
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: "expected BASE64DIGEST=LABEL:relative/path"}
		}
		b64 := line[:eq]
		rest := line[eq+1:]

		colon := strings.IndexByte(rest, ':')
		if colon < 0 {
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: "expected LABEL:relative/path"}
		}
		label := rest[:colon]
		relative := rest[colon+1:]

		rec, err := parsePartEntry(b64, label, relative, mappings, missingOK)
		if err != nil {
			var resErr *ErrResolutionFailed
			if errors.As(err, &resErr) {
				return err
			}
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: err.Error()}
		}
		idx.Insert(rec)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func parsePartEntry(b64, label, relative string, mappings Mappings, missingOK bool) (*FileRecord, error) {
	// Try both known digest widths; Base64Decode rejects a string
	// whose length does not match the width it is asked for (22 chars
	// for MD5, 43 for SHA-256).
	if md5Bytes, err := digest.Base64Decode(b64, digest.MD5.Size()); err == nil {
		return buildPartRecord(digest.MD5, md5Bytes, label, relative, mappings, missingOK)
	}
	if shaBytes, err := digest.Base64Decode(b64, digest.SHA256.Size()); err == nil {
		return buildPartRecord(digest.SHA256, shaBytes, label, relative, mappings, missingOK)
	}
	return nil, fmt.Errorf("could not interpret %q as an MD5 or SHA-256 jigdo-base64 digest", b64)
}

func buildPartRecord(kind digest.Kind, raw []byte, label, relative string, mappings Mappings, missingOK bool) (*FileRecord, error) {
	rec := &FileRecord{Kind: kind, Digest: raw}
	path, ok := mappings.Resolve(label, relative)
	if !ok {
		if !missingOK {
			return nil, &ErrResolutionFailed{Label: label, Relative: relative}
		}
		rec.sizeState = SizeMissing
		return rec, nil
	}
	rec.ResolvedPath = path
	return rec, nil
}

// maybeGunzip rewinds f and wraps it in a gzip.Reader if its first two
// bytes are the gzip magic; otherwise it returns f itself, rewound so
// those bytes are still read.
func maybeGunzip(f *os.File) (io.Reader, error) {
	var magic [2]byte
	n, err := io.ReadFull(f, magic[:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n == 2 && magic == gzipMagic {
		return gzip.NewReader(f)
	}
	return f, nil
}

// LoadChecksumFile parses a flat checksum-file manifest into idx:
// lines of `HEX_DIGEST<sp><sp>ABSOLUTE_PATH`, digest kind inferred
// from hex length. Each inserted record starts with an unknown size
// state, stat-ed lazily on first SizeState() call.
func LoadChecksumFile(path string, idx *FileIndex) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, "  ", 2)
		if len(fields) != 2 {
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: "expected \"HEX_DIGEST  ABSOLUTE_PATH\""}
		}
		hexDigest := strings.TrimSpace(fields[0])
		absPath := strings.TrimSpace(fields[1])

		kind, ok := digest.KindByHexLen(len(hexDigest))
		if !ok {
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: fmt.Sprintf("digest %q is neither 32 nor 64 hex chars", hexDigest)}
		}
		raw, err := hex.DecodeString(hexDigest)
		if err != nil {
			return &ErrMalformedManifest{Path: path, Line: lineNo, Reason: "invalid hex digest: " + err.Error()}
		}

		idx.Insert(&FileRecord{
			Kind:         kind,
			Digest:       raw,
			ResolvedPath: absPath,
		})
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
