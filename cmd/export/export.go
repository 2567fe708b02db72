// Package export implements the "srcpin export" subcommand.
package export

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/cmd/internal/cmdhelper"
	"github.com/srcpin/srcpin/fetch"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
	"github.com/srcpin/srcpin/pinfile"
	"github.com/srcpin/srcpin/resolver"
	"github.com/srcpin/srcpin/store"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("export", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Materializes resolved package sets into a directory.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: srcpin export [ARGS...] DESTINATION\n")
		flagSet.PrintDefaults()
		examples := []string{
			"srcpin export ./vendor/",
			"srcpin export --pinfile=deps.json ./third_party/",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetStore)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
	}
	destDir := flagSet.Arg(0)

	digestFunction, ok := integrity.AlgorithmFromString(globalConfig.DigestFunction)
	if !ok {
		cmdhelper.FatalFmt("invalid digest function: %s", globalConfig.DigestFunction)
	}
	diskStore, err := store.NewDisk(cmdhelper.SubstituteHome(globalConfig.StorePath))
	if err != nil {
		cmdhelper.FatalFmt("creating store at %s: %v", globalConfig.StorePath, err)
	}

	pinfileFile, err := os.Open(globalConfig.PinfilePath)
	if err != nil {
		cmdhelper.FatalFmt("reading pin file: %v", err)
	}
	pins, err := pinfile.Parse(pinfileFile)
	pinfileFile.Close()
	if err != nil {
		cmdhelper.FatalFmt("parsing pin file: %v", err)
	}

	fetcher := fetch.New(diskStore, &http.Client{})
	pinResolver := resolver.New(diskStore, nil, fetcher, integrity.NewCache(), digestFunction, globalConfig.RetrievalTimeout())

	for _, name := range pins.Names() {
		resolved, err := pinResolver.Resolve(ctx, pins.Pins[name], api.ResolveOptions{})
		if err != nil {
			cmdhelper.FatalFmt("resolving %s: %v", name, err)
		}
		packageSet, err := resolved.PackageSet(ctx)
		if err != nil {
			cmdhelper.FatalFmt("importing %s: %v", name, err)
		}
		target := filepath.Join(destDir, name)
		if err := packageSet.Extract(target); err != nil {
			cmdhelper.FatalFmt("extracting %s to %s: %v", name, target, err)
		}
		logging.Basicf("%s: %d files -> %s", name, packageSet.Len(), target)
	}
}
