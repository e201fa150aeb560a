package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jigdo-project/jigdo/internal/builder"
	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/template"
)

// buildCmd implements the reverse (template-building) direction as a
// CLI command: given an image and a recipe describing, in order, which
// spans are literal DATA and which are MATCH/WRITTEN regions resolved
// against a local file, it emits a template and a jigdo manifest.
// Recipe discovery — finding which regions of an image correspond to
// which candidate files — is out of scope here; the recipe is the
// caller-supplied list of already-matched candidate files.
type buildCmd struct {
	Image  string `arg:"" help:"Path to the source image to build a template for." type:"existingfile"`
	Recipe string `arg:"" help:"Path to a match recipe: one DATA, MATCH or WRITTEN instruction per line, in image order." type:"existingfile"`

	OutTemplate string `help:"Output path for the built template." required:"" placeholder:"PATH"`
	OutJigdo    string `help:"Output path for the built jigdo manifest." placeholder:"PATH"`

	Sub           []string `help:"TO=FROM manifest path-substitution rule. Repeatable." placeholder:"TO=FROM"`
	Config        string   `help:"Optional YAML file supplying substitution rules in bulk." type:"existingfile"`
	DigestKind    string   `help:"Whole-image digest algorithm: md5 or sha256." default:"sha256" enum:"md5,sha256"`
	RsyncBlockLen uint32   `help:"Rolling-checksum block length recorded in the terminal descriptor." default:"2048"`
	Generator     string   `help:"Generator identifier recorded in the template header." default:"jigdo-project/jigdo"`
}

// recipeLine is one parsed instruction: either a literal DATA span or
// a MATCH/WRITTEN span resolved against a local file.
type recipeLine struct {
	written bool
	isMatch bool
	kind    digest.Kind
	digest  []byte
	length  uint64
	path    string
}

func (c *buildCmd) Run() error {
	subs, err := c.loadSubstitutions()
	if err != nil {
		return fmt.Errorf("jigdo-build: %w", err)
	}

	lines, err := parseRecipe(c.Recipe)
	if err != nil {
		return fmt.Errorf("jigdo-build: %w", err)
	}

	img, err := os.Open(c.Image)
	if err != nil {
		return err
	}
	defer img.Close()

	kind := digest.SHA256
	if c.DigestKind == "md5" {
		kind = digest.MD5
	}
	imageHasher := kind.New()

	outT, err := os.Create(c.OutTemplate)
	if err != nil {
		return err
	}
	defer outT.Close()

	tw, err := template.NewWriter(outT, template.Header{FormatVersion: "2.0", GeneratorID: c.Generator})
	if err != nil {
		return err
	}
	b := builder.New(tw, subs)

	buf := make([]byte, 1<<16)
	for _, ln := range lines {
		if ln.isMatch {
			if err := b.BeginMatch(ln.kind, ln.digest, ln.length, ln.path, ln.written); err != nil {
				return err
			}
		}
		if err := streamSpan(img, b, imageHasher, ln.length, buf); err != nil {
			return err
		}
		if ln.isMatch {
			if err := b.EndMatch(); err != nil {
				return err
			}
		}
	}

	parts, err := b.Finish(kind, imageHasher.Sum(nil), c.RsyncBlockLen)
	if err != nil {
		return err
	}

	if c.OutJigdo != "" {
		if err := os.WriteFile(c.OutJigdo, []byte(builder.RenderManifest(parts)), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// streamSpan copies exactly n bytes from src through b.Write (folding
// them into the running whole-image digest along the way, independent
// of whether the span is a literal or matched region — the whole-image
// digest covers every byte of the reconstructed image).
func streamSpan(src io.Reader, b *builder.Builder, imageHasher io.Writer, n uint64, buf []byte) error {
	remaining := n
	for remaining > 0 {
		want := uint64(len(buf))
		if want > remaining {
			want = remaining
		}
		read, err := io.ReadFull(src, buf[:want])
		if read > 0 {
			chunk := buf[:read]
			imageHasher.Write(chunk)
			if _, werr := b.Write(chunk); werr != nil {
				return werr
			}
			remaining -= uint64(read)
		}
		if err != nil {
			return fmt.Errorf("reading image span: %w", err)
		}
	}
	return nil
}

// parseRecipe reads a match recipe: one instruction per line, in image
// order.
//
//	DATA <length>
//	MATCH <md5|sha256> <hex-digest> <length> <path>
//	WRITTEN <md5|sha256> <hex-digest> <length> <path>
//
// Blank lines and lines starting with '#' are ignored.
func parseRecipe(path string) ([]recipeLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []recipeLine
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToUpper(fields[0]) {
		case "DATA":
			if len(fields) != 2 {
				return nil, fmt.Errorf("recipe:%d: expected \"DATA <length>\"", lineNo)
			}
			n, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("recipe:%d: %w", lineNo, err)
			}
			out = append(out, recipeLine{length: n})

		case "MATCH", "WRITTEN":
			if len(fields) != 5 {
				return nil, fmt.Errorf("recipe:%d: expected \"%s <kind> <hex-digest> <length> <path>\"", lineNo, fields[0])
			}
			kind, err := parseDigestKind(fields[1])
			if err != nil {
				return nil, fmt.Errorf("recipe:%d: %w", lineNo, err)
			}
			raw, err := hex.DecodeString(fields[2])
			if err != nil {
				return nil, fmt.Errorf("recipe:%d: invalid hex digest: %w", lineNo, err)
			}
			n, err := strconv.ParseUint(fields[3], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("recipe:%d: %w", lineNo, err)
			}
			out = append(out, recipeLine{
				isMatch: true,
				written: strings.ToUpper(fields[0]) == "WRITTEN",
				kind:    kind,
				digest:  raw,
				length:  n,
				path:    fields[4],
			})

		default:
			return nil, fmt.Errorf("recipe:%d: unknown instruction %q", lineNo, fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseDigestKind(s string) (digest.Kind, error) {
	switch strings.ToLower(s) {
	case "md5":
		return digest.MD5, nil
	case "sha256":
		return digest.SHA256, nil
	default:
		return 0, fmt.Errorf("unknown digest kind %q", s)
	}
}

func (c *buildCmd) loadSubstitutions() ([]builder.Substitution, error) {
	var out []builder.Substitution
	if c.Config != "" {
		cfg, err := loadConfigFile(c.Config)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg.Substitutions...)
	}
	for _, raw := range c.Sub {
		eq := strings.IndexByte(raw, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid --sub %q, expected TO=FROM", raw)
		}
		out = append(out, builder.Substitution{To: raw[:eq], From: raw[eq+1:]})
	}
	return out, nil
}
