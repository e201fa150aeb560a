package manifest

import (
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/greatroar/blobloom"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// SizeState tags what FileIndex currently knows about a record's
// resolved size on disk: mutated only to fill in on first size query.
type SizeState int

const (
	SizeUnknown SizeState = iota
	SizePresent
	SizeMissing
)

// FileRecord is the per-digest bookkeeping the manifest index owns for
// the lifetime of a reconstruction session.
type FileRecord struct {
	Kind         digest.Kind
	Digest       []byte
	ExpectedSize int64
	ResolvedPath string

	sizeState  SizeState
	statedSize int64
}

// SizeState reports the record's cached size-on-disk state, stat-ing
// the resolved path on first call and caching the result.
func (r *FileRecord) SizeState() (SizeState, int64) {
	if r.sizeState != SizeUnknown {
		return r.sizeState, r.statedSize
	}
	if r.ResolvedPath == "" {
		r.sizeState = SizeMissing
		return r.sizeState, 0
	}
	info, err := os.Stat(r.ResolvedPath)
	if err != nil {
		r.sizeState = SizeMissing
		return r.sizeState, 0
	}
	r.sizeState = SizePresent
	r.statedSize = info.Size()
	return r.sizeState, r.statedSize
}

// FileIndex maps a file's digest to its FileRecord. It is built once
// (by LoadManifest/LoadChecksumFile, any number of times) and is
// read-only for the rest of a session's lifetime.
type FileIndex struct {
	records map[string]*FileRecord
	filter  *blobloom.Filter
}

// NewFileIndex returns an empty index sized for approximately
// capacityHint records. Any capacity is safe: an undersized Bloom
// filter only reports "maybe present" more often, never a false
// "absent", and the exact map lookup still decides correctness.
func NewFileIndex(capacityHint int) *FileIndex {
	filter := blobloom.NewOptimized(blobloom.Config{
		Capacity: uint64(capacityHint),
		FPRate:   0.01,
	})
	return &FileIndex{
		records: make(map[string]*FileRecord, capacityHint),
		filter:  filter,
	}
}

func digestHash(d []byte) uint64 {
	return xxhash.Sum64(d)
}

// Insert adds rec if no record for the same digest already exists.
// Duplicates are silently skipped, so a caller that loads a checksum
// file before any jigdo manifest lets the checksum-file-supplied
// records take precedence over manifest-resolved ones. Reports
// whether the record was newly inserted.
func (idx *FileIndex) Insert(rec *FileRecord) bool {
	key := string(rec.Digest)
	if _, exists := idx.records[key]; exists {
		return false
	}
	idx.records[key] = rec
	idx.filter.Add(digestHash(rec.Digest))
	return true
}

// Lookup returns the record for digest, if any. The Bloom filter is
// consulted first as a fast negative pre-check; the index never
// needs eviction (it is read-only after construction), so false
// positives only cost one extra map probe.
func (idx *FileIndex) Lookup(d []byte) (*FileRecord, bool) {
	if !idx.filter.Has(digestHash(d)) {
		return nil, false
	}
	rec, ok := idx.records[string(d)]
	return rec, ok
}

// Len returns the number of records currently indexed.
func (idx *FileIndex) Len() int { return len(idx.records) }
