// Command jigdo-reconstruct is the reconstruction CLI: it takes a
// template file plus one or more manifest/checksum sources and a local
// mirror, and emits the byte-exact original image while verifying its
// checksum.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/jigdo-project/jigdo/internal/jlog"
)

// Exit codes: 0 success; non-zero on any fatal error, with specific
// codes for ENOENT (missing file), EIO (decompression/read), EINVAL
// (malformed input / bad arguments), and SomeFilesMissing kept
// distinct from a generic ENOENT.
const (
	exitOK               = 0
	exitENOENT           = 2
	exitEIO              = 3
	exitEINVAL           = 4
	exitSomeFilesMissing = 5
)

// cli is the top-level command tree: parsed once by parser.Parse, with
// a Run() method per (sub)command.
var cli struct {
	Reconstruct        reconstructCmd               `cmd:"" default:"withargs" help:"Reconstruct an image from a template, manifest, and mirror."`
	Build              buildCmd                     `cmd:"" help:"Build a template and jigdo manifest from an image and a match recipe."`
	Cache              cacheCmd                     `cmd:"" help:"Maintain the persisted checksum cache."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

func main() {
	// Tune GOMAXPROCS to the container's CPU quota before doing any
	// work. Called explicitly here (rather than via blank import) so
	// automaxprocs' own log output is discarded and a setup failure is
	// reported on stderr like other startup errors.
	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...any) {})); err != nil {
		fmt.Fprintf(os.Stderr, "jigdo-reconstruct: automaxprocs: %v\n", err)
	}

	parser := kong.Must(&cli,
		kong.Name("jigdo-reconstruct"),
		kong.Description("Reconstruct a jigdo-described image from its template, manifest, and a local mirror."),
		kong.UsageOnError(),
	)

	kongplete.Complete(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := ctx.Run(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a fatal error to the CLI's exit-code taxonomy.
// Unrecognized errors (I/O failures from outside the
// reconstruct/manifest/template packages, flag validation failures)
// fall back to EINVAL, since by the time main() sees them they are
// either "bad input" or "bad arguments" in spirit.
func exitCodeFor(err error) int {
	if os.IsNotExist(err) {
		return exitENOENT
	}
	switch classifyKind(err) {
	case kindSomeFilesMissing:
		return exitSomeFilesMissing
	case kindFileUnresolvedOrIO:
		return exitEIO
	case kindMalformed:
		return exitEINVAL
	default:
		return exitEINVAL
	}
}

func newLogger(verbosity int) *jlog.Logger {
	lg := jlog.New(levelForVerbosity(verbosity))
	return lg
}
