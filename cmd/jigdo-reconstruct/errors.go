package main

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/jigdo-project/jigdo/internal/reconstruct"
)

// errKind buckets a reconstruct.Kind into the coarser exit-code
// taxonomy exposed on the CLI: the library's own error taxonomy is
// finer-grained than the four exit codes a shell caller gets to see.
type errKind int

const (
	kindOther errKind = iota
	kindSomeFilesMissing
	kindFileUnresolvedOrIO
	kindMalformed
)

func classifyKind(err error) errKind {
	var rerr *reconstruct.ReconError
	if !errors.As(err, &rerr) {
		return kindOther
	}
	switch rerr.Kind {
	case reconstruct.KindSomeFilesMissing:
		return kindSomeFilesMissing
	case reconstruct.KindFileUnresolved, reconstruct.KindIo,
		reconstruct.KindSourceTruncated, reconstruct.KindDecodeFailed,
		reconstruct.KindFileDigestMismatch, reconstruct.KindImageDigestMismatch:
		return kindFileUnresolvedOrIO
	case reconstruct.KindMalformedTemplate, reconstruct.KindMalformedTrailer,
		reconstruct.KindMalformedManifest, reconstruct.KindSeekUnsupported,
		reconstruct.KindInvalidRange:
		return kindMalformed
	default:
		return kindOther
	}
}

// levelForVerbosity turns a `-v` repeat count into a logrus level: 0 is
// quiet, increasing verbosity drops the threshold.
func levelForVerbosity(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.WarnLevel
	case v == 1:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
