package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jigdo-project/jigdo/internal/checksumcache"
	"github.com/jigdo-project/jigdo/internal/digest"
	"github.com/jigdo-project/jigdo/internal/jlog"
	"github.com/jigdo-project/jigdo/internal/manifest"
	"github.com/jigdo-project/jigdo/internal/metrics"
	"github.com/jigdo-project/jigdo/internal/reconstruct"
	"github.com/jigdo-project/jigdo/internal/template"
)

// reconstructCmd implements the reconstruction CLI surface: a
// template file, one or more manifest/checksum sources, zero or more
// LABEL=PATH mirror mappings, and the output/window/quick/missing-file
// knobs.
type reconstructCmd struct {
	Template string `arg:"" help:"Path to the jigdo template file." type:"existingfile"`

	Jigdo         []string `help:"Path to a jigdo manifest (.jigdo file). Repeatable." placeholder:"PATH"`
	ChecksumFile  []string `help:"Path to a flat checksum-file manifest. Repeatable." placeholder:"PATH"`
	ChecksumCache string   `help:"Path to a persisted goleveldb checksum cache." placeholder:"DIR"`
	RelaxHeader   bool     `help:"Do not require the '# JigsawDownload' jigdo manifest header."`
	MissingOK     bool     `help:"Allow [Parts] entries that resolve against no mapping, instead of failing the load."`

	Mapping []string `help:"LABEL=/absolute/base mirror-path mapping. Repeatable." placeholder:"LABEL=PATH"`
	Config  string   `help:"Optional YAML file supplying mappings and config in bulk." type:"existingfile"`

	Output string `help:"Output path for the reconstructed image." default:"-" placeholder:"PATH"`
	Log    string `help:"Log path. Defaults to stderr." placeholder:"PATH"`

	Quick       bool   `help:"Skip whole-image and per-file digest verification."`
	Start       int64  `help:"Inclusive start of the output byte window."`
	End         int64  `help:"Exclusive end of the output byte window. 0 means the image's full length." placeholder:"N"`
	SizeOnly    bool   `help:"Print the image length and exit, without reconstructing."`
	MissingFile string `help:"Collect unresolved files into this path instead of failing on the first one." placeholder:"PATH"`

	CacheSize int `help:"Decompression block-cache capacity. 1 is pure streaming." default:"1"`
	Verbose   int `short:"v" type:"counter" help:"Increase log verbosity. Repeatable."`
}

func (c *reconstructCmd) Run() error {
	lg := newLogger(c.Verbose)
	if c.Log != "" {
		logFile, err := os.OpenFile(c.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("jigdo-reconstruct: opening log file: %w", err)
		}
		defer logFile.Close()
		lg.SetOutput(logFile)
	}

	mappings, err := c.loadMappings()
	if err != nil {
		return fmt.Errorf("jigdo-reconstruct: %w", err)
	}

	idx := manifest.NewFileIndex(1024)

	for _, path := range c.ChecksumFile {
		if err := manifest.LoadChecksumFile(path, idx); err != nil {
			return fmt.Errorf("jigdo-reconstruct: loading checksum file %s: %w", path, err)
		}
	}
	if c.ChecksumCache != "" {
		if err := loadChecksumCacheIntoIndex(c.ChecksumCache, idx); err != nil {
			return fmt.Errorf("jigdo-reconstruct: loading checksum cache %s: %w", c.ChecksumCache, err)
		}
	}
	for _, path := range c.Jigdo {
		if err := manifest.LoadManifest(path, c.RelaxHeader, mappings, c.MissingOK, idx); err != nil {
			return fmt.Errorf("jigdo-reconstruct: loading manifest %s: %w", path, err)
		}
	}

	f, err := os.Open(c.Template)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := template.Open(f, template.OpenOptions{})
	if err != nil {
		return fmt.Errorf("jigdo-reconstruct: %w", err)
	}

	if c.SizeOnly {
		_, terminal := r.Descriptors()
		fmt.Println(terminal.ImageLength)
		return nil
	}

	cache, err := template.NewBlockCache(c.CacheSize)
	if err != nil {
		return fmt.Errorf("jigdo-reconstruct: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sess := reconstruct.NewSession(idx, cache, lg, m)

	sink, closeSink, err := c.openSink()
	if err != nil {
		return err
	}
	defer closeSink()

	opts := reconstruct.Options{
		Start:       c.Start,
		End:         c.End,
		HasEnd:      c.End != 0,
		Quick:       c.Quick,
		MissingMode: c.MissingFile != "",
	}

	start := time.Now()
	result, err := sess.Reconstruct(context.Background(), r, sink, opts)
	elapsed := time.Since(start)

	if len(result.Missing) > 0 && c.MissingFile != "" {
		if werr := os.WriteFile(c.MissingFile, []byte(strings.Join(result.Missing, "\n")+"\n"), 0o644); werr != nil {
			lg.Warn(jlog.Fields{}, "failed writing missing-file list: "+werr.Error())
		}
	}

	lg.Info("reconstruction finished", map[string]any{
		"bytes_written":  result.BytesWritten,
		"image_verified": result.ImageDigestVerified,
		"missing":        len(result.Missing),
		"elapsed":        elapsed.String(),
	})

	if err != nil {
		fields := jlog.Fields{}
		var rerr *reconstruct.ReconError
		if errors.As(err, &rerr) {
			kind, _ := digest.KindBySize(len(rerr.Digest))
			fields = jlog.Fields{Offset: rerr.Offset, DescriptorIdx: rerr.DescriptorIndex, Digest: rerr.Digest, DigestKind: kind}
		}
		lg.Fatal(fields, err)
		return err
	}
	return nil
}

// openSink returns the reconstruction output writer and a function
// that closes it. "-" (the default) writes to stdout.
func (c *reconstructCmd) openSink() (io.Writer, func(), error) {
	if c.Output == "" || c.Output == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(c.Output)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func (c *reconstructCmd) loadMappings() (manifest.Mappings, error) {
	var out manifest.Mappings
	if c.Config != "" {
		cfg, err := loadConfigFile(c.Config)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg.Mappings...)
	}
	for _, raw := range c.Mapping {
		eq := strings.IndexByte(raw, '=')
		if eq < 0 {
			return nil, fmt.Errorf("invalid --mapping %q, expected LABEL=PATH", raw)
		}
		out = append(out, manifest.PathMapping{Label: raw[:eq], Base: raw[eq+1:]})
	}
	return out, nil
}

// loadChecksumCacheIntoIndex folds every cached path/digest pair of a
// persisted checksum cache into idx, so a reconstruction can resolve
// files purely from digests a prior run already observed on this
// mirror, without re-reading a checksum-file manifest. The cache is
// keyed by path; building the digest-keyed index this command needs
// requires one full scan via Cache.Each.
func loadChecksumCacheIntoIndex(dir string, idx *manifest.FileIndex) error {
	cache, err := checksumcache.Open(dir)
	if err != nil {
		return err
	}
	defer cache.Close()

	return cache.Each(func(path string, e checksumcache.Entry) bool {
		idx.Insert(&manifest.FileRecord{Kind: e.Kind, Digest: e.Digest, ResolvedPath: path, ExpectedSize: e.Size})
		return true
	})
}
