// Package checksumcache implements a persisted checksum cache: a
// key/value store mapping a local path to the digest/size/mtime jigdo
// last observed for it, with bulk expiry by insertion time. Concrete
// storage is github.com/syndtr/goleveldb, one of several embedded K/V
// stores that would serve equally well here; values are serialized
// with github.com/calmh/xdr.
package checksumcache

import (
	"bytes"
	"time"

	"github.com/calmh/xdr"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// Entry is one cached fact about a local file: what jigdo last saw
// its digest, size, and mtime as, and when that observation was
// recorded.
type Entry struct {
	Kind    digest.Kind
	Digest  []byte
	Size    int64
	ModTime time.Time
	AddedAt time.Time
}

// maxDigestLen bounds ReadBytesMax when decoding: the widest digest
// this cache ever stores is SHA-256's 32 bytes.
const maxDigestLen = 32

// MarshalXDR encodes the entry as the on-disk leveldb value.
func (e Entry) MarshalXDR() []byte {
	aw := make(xdr.AppendWriter, 0, 64)
	xw := xdr.NewWriter(&aw)
	xw.WriteUint32(uint32(e.Kind))
	xw.WriteBytes(e.Digest)
	xw.WriteUint64(uint64(e.Size))
	xw.WriteUint64(uint64(e.ModTime.UnixNano()))
	xw.WriteUint64(uint64(e.AddedAt.UnixNano()))
	return []byte(aw)
}

// UnmarshalXDR decodes an on-disk leveldb value.
func (e *Entry) UnmarshalXDR(bs []byte) error {
	xr := xdr.NewReader(bytes.NewReader(bs))
	e.Kind = digest.Kind(xr.ReadUint32())
	e.Digest = xr.ReadBytesMax(maxDigestLen)
	e.Size = int64(xr.ReadUint64())
	e.ModTime = time.Unix(0, int64(xr.ReadUint64()))
	e.AddedAt = time.Unix(0, int64(xr.ReadUint64()))
	return xr.Error()
}

// Cache is a goleveldb-backed `(path) -> (digest, size, mtime, time_added)` store.
type Cache struct {
	db *leveldb.DB
}

// Open opens (creating if absent) the LevelDB database at dir.
func Open(dir string) (*Cache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put records (or overwrites) the cached entry for path.
func (c *Cache) Put(path string, e Entry) error {
	return c.db.Put([]byte(path), e.MarshalXDR(), nil)
}

// Get returns the cached entry for path, if any.
func (c *Cache) Get(path string) (Entry, bool, error) {
	data, err := c.db.Get([]byte(path), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := e.UnmarshalXDR(data); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Delete removes the cached entry for path, if any.
func (c *Cache) Delete(path string) error {
	return c.db.Delete([]byte(path), nil)
}

// Each calls fn once per cached entry in undefined key order, stopping
// early if fn returns false. Used by callers that want to fold a
// previously populated cache into an in-memory digest index (the
// cache itself is keyed by path, not digest, so building that index
// requires a full scan) rather than looking up one path at a time.
func (c *Cache) Each(fn func(path string, e Entry) bool) error {
	iter := c.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()

	for iter.Next() {
		var e Entry
		if err := e.UnmarshalXDR(iter.Value()); err != nil {
			continue
		}
		if !fn(string(iter.Key()), e) {
			break
		}
	}
	return iter.Error()
}

// DeleteOlderThan removes every entry whose AddedAt is before cutoff,
// batched into a single atomic leveldb write rather than per-key
// deletes.
func (c *Cache) DeleteOlderThan(cutoff time.Time) (int, error) {
	batch := new(leveldb.Batch)
	iter := c.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()

	removed := 0
	for iter.Next() {
		var e Entry
		if err := e.UnmarshalXDR(iter.Value()); err != nil {
			continue
		}
		if e.AddedAt.Before(cutoff) {
			key := append([]byte(nil), iter.Key()...)
			batch.Delete(key)
			removed++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return removed, nil
}
