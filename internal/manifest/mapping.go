// Package manifest parses jigdo's two text index formats (the jigdo
// [Parts] manifest and the flat checksum file), resolves LABEL:path
// identifiers against caller-supplied mirror roots, and maintains the
// digest-keyed FileIndex the reconstruction driver looks files up in.
package manifest

import (
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

// PathMapping is one `LABEL=absolute/base` rule. Mappings are tried in
// insertion order; the first whose label matches and whose
// base/relative path exists as a regular file wins.
type PathMapping struct {
	Label string
	Base  string
}

// Mappings is an ordered list of PathMapping, the form a CLI's
// repeated `LABEL=PATH` flags naturally build up.
type Mappings []PathMapping

// Resolve turns a `LABEL:relative/path` identifier into an absolute
// local path, scanning mappings in order and testing each candidate
// with os.Stat. The relative component is normalized to NFC first
// (golang.org/x/text/unicode/norm) since jigdo manifests built on
// case-insensitive or NFD-normalizing filesystems can otherwise fail
// to match an NFC-named mirror file byte for byte.
func (m Mappings) Resolve(label, relative string) (string, bool) {
	normalized := norm.NFC.String(relative)
	for _, mapping := range m {
		if mapping.Label != label {
			continue
		}
		candidate := filepath.Join(mapping.Base, filepath.FromSlash(normalized))
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, true
	}
	return "", false
}
