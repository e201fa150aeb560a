package template

import (
	"fmt"
	"io"
	"strings"
)

// headerMagic is the fixed prefix of the template's first line.
const headerMagic = "JigsawDownload template"

// Header is the parsed form of a template's leading text line(s).
type Header struct {
	FormatVersion string
	GeneratorID   string
	Comment       string
}

// readLine reads one byte at a time until a trailing '\n' (kept in
// the returned string) or EOF, returning the exact number of bytes
// consumed. Reading byte-at-a-time (rather than through a buffered
// reader) matters here because the caller needs src left positioned
// exactly at the first byte of the compressed data stream — a
// bufio.Reader would read ahead past that boundary.
func readLine(r io.Reader) (string, int64, error) {
	var sb strings.Builder
	var buf [1]byte
	var n int64
	for {
		m, err := r.Read(buf[:])
		if m == 1 {
			n++
			sb.WriteByte(buf[0])
			if buf[0] == '\n' {
				return sb.String(), n, nil
			}
		}
		if err == io.EOF {
			return sb.String(), n, nil
		}
		if err != nil {
			return sb.String(), n, err
		}
	}
}

// readHeader consumes only the header line from r, returning the
// header and the number of bytes consumed. r is left positioned just
// after that line; the optional comment + blank line pair is read by
// readOptionalCommentAndBlank.
func readHeader(r io.Reader) (Header, int64, error) {
	var consumed int64

	line, n, err := readLine(r)
	consumed += n
	if err != nil {
		return Header{}, consumed, &ErrMalformedTemplate{Reason: "failed reading header line: " + err.Error()}
	}
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, headerMagic) {
		return Header{}, consumed, &ErrMalformedTemplate{Reason: fmt.Sprintf("header line %q does not start with %q", trimmed, headerMagic)}
	}

	fields := strings.Fields(strings.TrimPrefix(trimmed, headerMagic))
	var hdr Header
	if len(fields) > 0 {
		hdr.FormatVersion = fields[0]
	}
	if len(fields) > 1 {
		hdr.GeneratorID = strings.Join(fields[1:], " ")
	}

	return hdr, consumed, nil
}

// readOptionalCommentAndBlank consumes a possible comment line
// followed by a blank line. Unlike readHeader, the caller here
// cannot know in advance whether a comment line is present, so it
// must read one line, and if that line is non-blank treat it as a
// comment and require a second (blank) line; if the first line read
// is already blank, there was no comment.
func readOptionalCommentAndBlank(r io.Reader) (comment string, consumed int64, err error) {
	line, n, err := readLine(r)
	consumed += n
	if err != nil {
		return "", consumed, &ErrMalformedTemplate{Reason: "failed reading header comment/blank line: " + err.Error()}
	}
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return "", consumed, nil
	}

	comment = trimmed
	blank, n, err := readLine(r)
	consumed += n
	if err != nil {
		return comment, consumed, &ErrMalformedTemplate{Reason: "failed reading blank line after comment: " + err.Error()}
	}
	if strings.TrimRight(blank, "\r\n") != "" {
		return comment, consumed, &ErrMalformedTemplate{Reason: "expected blank line after header comment"}
	}
	return comment, consumed, nil
}

// writeHeader writes the header line (and comment + blank line, if
// a comment is set).
func writeHeader(w io.Writer, hdr Header) error {
	line := fmt.Sprintf("%s %s %s\r\n", headerMagic, hdr.FormatVersion, hdr.GeneratorID)
	if _, err := io.WriteString(w, line); err != nil {
		return err
	}
	if hdr.Comment != "" {
		if _, err := io.WriteString(w, hdr.Comment+"\r\n\r\n"); err != nil {
			return err
		}
	}
	return nil
}
