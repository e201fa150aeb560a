package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jigdo-project/jigdo/internal/checksumcache"
	"github.com/jigdo-project/jigdo/internal/digest"
)

// cacheCmd groups the checksum-cache maintenance commands: populate the
// cache by hashing local files, drop single entries, and expire old
// ones in bulk.
type cacheCmd struct {
	Add   cacheAddCmd   `cmd:"" help:"Hash files and record them in the checksum cache."`
	Del   cacheDelCmd   `cmd:"" help:"Remove cache entries by path."`
	Prune cachePruneCmd `cmd:"" help:"Drop cache entries added before a cutoff."`
}

type cacheAddCmd struct {
	Cache string   `help:"Path to the goleveldb checksum cache." required:"" placeholder:"DIR"`
	Kind  string   `help:"Digest algorithm to record: md5 or sha256." default:"sha256" enum:"md5,sha256"`
	Files []string `arg:"" help:"Files to hash and record." type:"existingfile"`
}

func (c *cacheAddCmd) Run() error {
	cache, err := checksumcache.Open(c.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	kind := digest.SHA256
	if c.Kind == "md5" {
		kind = digest.MD5
	}

	now := time.Now()
	for _, path := range c.Files {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}

		h := kind.New()
		err = digest.ParallelHash(f, h)
		f.Close()
		if err != nil {
			return fmt.Errorf("hashing %s: %w", path, err)
		}

		entry := checksumcache.Entry{
			Kind:    kind,
			Digest:  h.Sum(nil),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			AddedAt: now,
		}
		if err := cache.Put(path, entry); err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", digest.Base64Encode(entry.Digest), path)
	}
	return nil
}

type cacheDelCmd struct {
	Cache string   `help:"Path to the goleveldb checksum cache." required:"" placeholder:"DIR"`
	Files []string `arg:"" help:"Paths whose cache entries should be removed."`
}

func (c *cacheDelCmd) Run() error {
	cache, err := checksumcache.Open(c.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	for _, path := range c.Files {
		if err := cache.Delete(path); err != nil {
			return err
		}
	}
	return nil
}

type cachePruneCmd struct {
	Cache     string        `help:"Path to the goleveldb checksum cache." required:"" placeholder:"DIR"`
	OlderThan time.Duration `help:"Drop entries added longer ago than this duration." required:"" placeholder:"DURATION"`
}

func (c *cachePruneCmd) Run() error {
	cache, err := checksumcache.Open(c.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	removed, err := cache.DeleteOlderThan(time.Now().Add(-c.OlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d entries\n", removed)
	return nil
}
