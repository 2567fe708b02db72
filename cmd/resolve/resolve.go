// Package resolve implements the "srcpin resolve" subcommand.
package resolve

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/artifact"
	"github.com/srcpin/srcpin/cmd/internal/cmdhelper"
	"github.com/srcpin/srcpin/fetch"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
	"github.com/srcpin/srcpin/pinfile"
	"github.com/srcpin/srcpin/resolver"
	"github.com/srcpin/srcpin/store"
)

func Run(ctx context.Context, args []string) {
	var destination string
	var force bool
	var watch bool

	flagSet := flag.NewFlagSet("resolve", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Resolves pins into the local (or remote) store.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: srcpin resolve [ARGS...] [PINS]\n")
		flagSet.PrintDefaults()
		examples := []string{
			"srcpin resolve",
			"srcpin resolve --destination=remote",
			"srcpin resolve nixpkgs",
			"srcpin resolve --watch",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
		os.Exit(1)
	}

	flagSet.StringVar(&destination, "destination", "disk", `The destination of the resolved artifacts. Allowed values: ["disk", "remote"]`)
	flagSet.BoolVar(&force, "force", false, "Re-fetch even if a verified artifact is already in the store")
	flagSet.BoolVar(&watch, "watch", false, "Keep running and re-resolve when the pin file changes")
	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetStore|cmdhelper.FlagPresetRemote)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}
	if destination != "disk" && destination != "remote" {
		logging.Errorf("Invalid destination: %s", destination)
		flagSet.Usage()
	}

	digestFunction, ok := integrity.AlgorithmFromString(globalConfig.DigestFunction)
	if !ok {
		cmdhelper.FatalFmt("invalid digest function: %s", globalConfig.DigestFunction)
	}
	diskStore, err := store.NewDisk(cmdhelper.SubstituteHome(globalConfig.StorePath))
	if err != nil {
		cmdhelper.FatalFmt("creating store at %s: %v", globalConfig.StorePath, err)
	}
	var remoteStore store.Store
	if len(globalConfig.Remote) > 0 {
		remote, err := store.NewRemote(globalConfig.Remote)
		if err != nil {
			cmdhelper.FatalFmt("connecting to remote store at %s: %v", globalConfig.Remote, err)
		}
		defer remote.Close()
		remoteStore = remote
		logging.Basicf("remote store: %s", globalConfig.Remote)
	} else if destination == "remote" {
		cmdhelper.FatalFmt("--destination=remote requires a remote store endpoint")
	}

	checksumCache := integrity.NewCache()
	fetcher := fetch.New(diskStore, &http.Client{})
	pinResolver := resolver.New(diskStore, remoteStore, fetcher, checksumCache, digestFunction, globalConfig.RetrievalTimeout())
	stopResolver, err := pinResolver.Start(ctx)
	if err != nil {
		cmdhelper.FatalFmt("starting resolver: %v", err)
	}
	defer stopResolver()

	opts := api.ResolveOptions{SkipStore: force}
	if destination == "remote" {
		opts.Destination = api.DestinationRemote
	}
	targets := flagSet.Args()

	if !watch {
		pinfileFile, err := os.Open(globalConfig.PinfilePath)
		if err != nil {
			cmdhelper.FatalFmt("reading pin file: %v", err)
		}
		pins, err := pinfile.Parse(pinfileFile)
		pinfileFile.Close()
		if err != nil {
			cmdhelper.FatalFmt("parsing pin file: %v", err)
		}
		if err := resolveAll(pins, targets, opts, pinResolver); err != nil {
			cmdhelper.FatalFmt("%v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	onChange := func(pins pinfile.PinSet) {
		if err := resolveAll(pins, targets, opts, pinResolver); err != nil {
			logging.Errorf("%v", err)
		}
	}
	watcher, initialPins, err := pinfile.NewWatcher(globalConfig.PinfilePath, digestFunction, onChange)
	if err != nil {
		cmdhelper.FatalFmt("watching pin file: %v", err)
	}
	if err := watcher.Start(ctx, wg); err != nil {
		cmdhelper.FatalFmt("starting pin file watcher: %v", err)
	}
	onChange(initialPins)
	<-ctx.Done()
}

func resolveAll(pins pinfile.PinSet, targets []string, opts api.ResolveOptions, pinResolver *resolver.Resolver) error {
	selected, err := selectPins(pins, targets)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(selected),
		progressbar.OptionSetDescription("resolving"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
	)

	results := make(chan error, len(selected))
	for name, pin := range selected {
		name := name
		pinResolver.EnqueueResolve(pin, opts, func(_ api.Pin, _ *artifact.Artifact, err error) {
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			results <- err
		})
	}

	var issues int
	for range selected {
		if err := <-results; err != nil {
			logging.Errorf("resolve: %v", err)
			issues++
		}
		bar.Add(1)
	}
	bar.Finish()
	if issues > 0 {
		return fmt.Errorf("not all pins were resolved successfully: %d errors occurred", issues)
	}
	logging.Basicf("Resolved %d pins", len(selected))
	return nil
}

func selectPins(pins pinfile.PinSet, targets []string) (map[string]api.Pin, error) {
	if len(targets) == 0 {
		return pins.Pins, nil
	}
	selected := make(map[string]api.Pin, len(targets))
	for _, target := range targets {
		pin, ok := pins.Pins[target]
		if !ok {
			return nil, fmt.Errorf("pin %s not found in the pin file", target)
		}
		selected[target] = pin
	}
	return selected, nil
}
