// Package verify implements the "srcpin verify" subcommand.
package verify

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/srcpin/srcpin/cmd/internal/cmdhelper"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
	"github.com/srcpin/srcpin/pinfile"
	"github.com/srcpin/srcpin/store"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("verify", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Re-hashes stored artifacts and checks them against the pin file.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: srcpin verify [ARGS...] [PINS]\n")
		flagSet.PrintDefaults()
		os.Exit(1)
	}

	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetStore)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
	}

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

	targets := flagSet.Args()
	names := pins.Names()
	if len(targets) > 0 {
		names = targets
	}

	var issues int
	for _, name := range names {
		pin, ok := pins.Pins[name]
		if !ok {
			cmdhelper.FatalFmt("pin %s not found in the pin file", name)
		}
		switch err := verifyPin(ctx, name, pin.Integrity, diskStore, digestFunction); {
		case err == errNotInStore:
			logging.Warningf("%s: not in store (run `srcpin resolve %s`)", name, name)
		case err != nil:
			logging.Errorf("%s: %v", name, err)
			issues++
		default:
			logging.Basicf("%s: OK", name)
		}
	}
	if issues > 0 {
		cmdhelper.FatalFmt("verification failed for %d pins", issues)
	}
}

var errNotInStore = fmt.Errorf("artifact not in store")

// verifyPin re-reads the stored artifact and checks every checksum the pin
// file declares for it, not just the one used for addressing.
func verifyPin(ctx context.Context, name string, pinIntegrity integrity.Integrity, diskStore store.LocalStore, digestFunction integrity.Algorithm) error {
	checksum, ok := pinIntegrity.ChecksumForAlgorithm(digestFunction)
	if !ok {
		return fmt.Errorf("pin has no %s checksum; cannot locate it in the store", digestFunction)
	}
	sizeBytes, ok := diskStore.Contains(checksum)
	if !ok {
		return errNotInStore
	}
	digest := integrity.NewDigest(checksum.Hash, sizeBytes, digestFunction)

	for expected := range pinIntegrity.Items() {
		reader, err := diskStore.ReadStream(ctx, digest, digestFunction, 0, 0)
		if err != nil {
			return err
		}
		computed, err := expected.Algorithm.CalculateDigest(reader)
		reader.Close()
		if err != nil {
			return err
		}
		got := integrity.ChecksumFromDigest(computed, expected.Algorithm)
		if !expected.Equals(got) {
			return fmt.Errorf("%s mismatch: expected %s, computed %s", expected.Algorithm, expected.ToSRI(), got.ToSRI())
		}
	}
	return nil
}
