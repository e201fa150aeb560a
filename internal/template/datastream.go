package template

import (
	"fmt"
	"io"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jigdo-project/jigdo/internal/blockcompress"
	"github.com/jigdo-project/jigdo/internal/bytecodec"
)

// templateIDCounter hands out a distinct identity to each opened
// Reader, used as half of a decompression-cache key so that two
// sessions reading different templates (or two opens of the same
// path) never collide in a shared cache: decompression buffers are
// addressed by (template_identity, block_start).
var templateIDCounter uint64

// CacheKey addresses one decoded template data block: which template
// it came from, and its start offset in the template's decompressed
// DATA-stream (not image-space — MATCH regions don't appear in this
// address space at all).
type CacheKey struct {
	TemplateID uint64
	BlockStart int64
}

// NewBlockCache constructs the LRU decompression-buffer cache: fixed
// capacity, strict LRU eviction. Capacity 1 gives pure streaming (the
// CLI's default --cache-size); callers that need backward seeks
// within a window should size it to the number of blocks they expect
// to revisit.
func NewBlockCache(capacity int) (*lru.Cache[CacheKey, []byte], error) {
	return lru.New[CacheKey, []byte](capacity)
}

// DataStream is the cursor over a template's decompressed DATA-stream,
// anchored at the first data block magic after the header. Each block
// is decoded atomically and added to the LRU cache (if any) as soon as
// it is decoded.
type DataStream struct {
	src        io.ReadSeeker
	templateID uint64
	cache      *lru.Cache[CacheKey, []byte]

	fileOffset   int64 // absolute file offset of the next unread block header
	streamOffset int64 // current position in decompressed DATA-stream space

	curBlockOffset int64
	curBuf         []byte
	curPos         int

	cacheHits   int64
	cacheMisses int64
}

func newDataStream(src io.ReadSeeker, dataStart int64, templateID uint64, cache *lru.Cache[CacheKey, []byte]) *DataStream {
	return &DataStream{
		src:        src,
		templateID: templateID,
		cache:      cache,
		fileOffset: dataStart,
	}
}

// DataStream returns the cursor over this template's DATA-stream.
// Calling it more than once returns independent cursors sharing the
// same cache (backward seeks across cursors can therefore hit blocks
// another cursor decoded).
func (r *Reader) DataStream(cache *lru.Cache[CacheKey, []byte]) *DataStream {
	return newDataStream(r.src, r.dataStart, r.id(), cache)
}

func (r *Reader) id() uint64 {
	if r.templateID == 0 {
		r.templateID = atomic.AddUint64(&templateIDCounter, 1)
	}
	return r.templateID
}

// blockHeaderSize is magic(4) + compressed_size:48(6) + uncompressed_size:48(6).
const blockHeaderSize = 16

func (ds *DataStream) readBlockHeaderAt(offset int64) (kind blockcompress.Kind, compSize, uncompSize uint64, err error) {
	if _, err = ds.src.Seek(offset, io.SeekStart); err != nil {
		return 0, 0, 0, err
	}
	var hdr [blockHeaderSize]byte
	if _, err = io.ReadFull(ds.src, hdr[:]); err != nil {
		return 0, 0, 0, err
	}
	var magic [4]byte
	copy(magic[:], hdr[:4])
	kind, ok := blockcompress.KindByMagic(magic)
	if !ok {
		return 0, 0, 0, &ErrMalformedTemplate{Reason: fmt.Sprintf("expected DATA/BZIP magic at offset %d, got %q", offset, magic)}
	}
	compSize = bytecodec.ReadLE48(hdr[4:10])
	uncompSize = bytecodec.ReadLE48(hdr[10:16])
	if compSize < blockHeaderSize {
		return 0, 0, 0, &ErrMalformedTemplate{Reason: fmt.Sprintf("block at offset %d has compressed_size %d smaller than header", offset, compSize)}
	}
	return kind, compSize, uncompSize, nil
}

// advanceBlock decodes the block at ds.fileOffset, making it the
// current buffer, and caches it.
func (ds *DataStream) advanceBlock() error {
	kind, compSize, uncompSize, err := ds.readBlockHeaderAt(ds.fileOffset)
	if err != nil {
		return err
	}

	payload := make([]byte, compSize-blockHeaderSize)
	if _, err := io.ReadFull(ds.src, payload); err != nil {
		return &ErrMalformedTemplate{Reason: "truncated compressed data block: " + err.Error()}
	}

	decoded, err := blockcompress.Decompress(kind, payload, int(uncompSize))
	if err != nil {
		return err
	}

	ds.curBlockOffset = ds.streamOffset
	ds.curBuf = decoded
	ds.curPos = 0
	ds.fileOffset += int64(compSize)

	if ds.cache != nil {
		ds.cache.Add(CacheKey{TemplateID: ds.templateID, BlockStart: ds.curBlockOffset}, decoded)
	}
	return nil
}

// Read returns the next n uncompressed bytes from the DATA-stream,
// transparently decoding as many blocks as needed.
func (ds *DataStream) Read(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if ds.curBuf == nil || ds.curPos >= len(ds.curBuf) {
			if err := ds.advanceBlock(); err != nil {
				return out, err
			}
		}
		avail := len(ds.curBuf) - ds.curPos
		take := n - len(out)
		if take > avail {
			take = avail
		}
		out = append(out, ds.curBuf[ds.curPos:ds.curPos+take]...)
		ds.curPos += take
		ds.streamOffset += int64(take)
	}
	return out, nil
}

// Skip advances the cursor by n bytes without materializing them.
// Whole blocks the skip fully covers are skipped at the compressed
// level (seeking past their payload instead of inflating it); a block
// only partially covered by the skip is still decoded atomically, per
// the atomic-block decompression contract.
func (ds *DataStream) Skip(n int64) error {
	remaining := n
	for remaining > 0 {
		if ds.curBuf != nil && ds.curPos < len(ds.curBuf) {
			avail := int64(len(ds.curBuf) - ds.curPos)
			take := remaining
			if take > avail {
				take = avail
			}
			ds.curPos += int(take)
			ds.streamOffset += take
			remaining -= take
			continue
		}

		_, compSize, uncompSize, err := ds.readBlockHeaderAt(ds.fileOffset)
		if err != nil {
			return err
		}

		if remaining >= int64(uncompSize) {
			ds.fileOffset += int64(compSize)
			ds.streamOffset += int64(uncompSize)
			remaining -= int64(uncompSize)
			continue
		}

		if err := ds.advanceBlock(); err != nil {
			return err
		}
	}
	return nil
}

// Offset returns the DataStream's current position in decompressed
// DATA-stream space.
func (ds *DataStream) Offset() int64 { return ds.streamOffset }

// Seek moves the cursor to an arbitrary DATA-stream offset. Forward
// seeks are always supported (they degrade to Skip); backward seeks
// only succeed if the target block is still held by the cache —
// otherwise this fails with ErrSeekUnsupported.
func (ds *DataStream) Seek(offset int64) error {
	if offset == ds.streamOffset {
		return nil
	}
	if offset > ds.streamOffset {
		return ds.Skip(offset - ds.streamOffset)
	}
	if ds.cache != nil {
		for _, k := range ds.cache.Keys() {
			if k.TemplateID != ds.templateID {
				continue
			}
			buf, ok := ds.cache.Peek(k)
			if !ok {
				continue
			}
			if offset >= k.BlockStart && offset < k.BlockStart+int64(len(buf)) {
				ds.curBlockOffset = k.BlockStart
				ds.curBuf = buf
				ds.curPos = int(offset - k.BlockStart)
				ds.streamOffset = offset
				ds.cacheHits++
				return nil
			}
		}
	}
	ds.cacheMisses++
	return &ErrSeekUnsupported{TargetOffset: offset}
}

// CacheStats reports how many backward Seek calls were served from the
// decompression-buffer cache versus fell through to
// ErrSeekUnsupported, for callers (the reconstruction driver) that
// surface cache effectiveness as a metric.
func (ds *DataStream) CacheStats() (hits, misses int64) {
	return ds.cacheHits, ds.cacheMisses
}
