// Package dump implements the "srcpin dump" subcommand.
package dump

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/srcpin/srcpin/cmd/internal/cmdhelper"
	"github.com/srcpin/srcpin/pinfile"
)

func Run(ctx context.Context, args []string) {
	flagSet := flag.NewFlagSet("dump", flag.ExitOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Prints the parsed pins.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: srcpin dump [ARGS...]\n")
		flagSet.PrintDefaults()
		os.Exit(1)
	}

	globalConfig, err := cmdhelper.InjectGlobalFlagsAndConfigure(args, flagSet, cmdhelper.FlagPresetNone)
	if err != nil {
		cmdhelper.FatalFmt("%v", err)
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

	for _, name := range pins.Names() {
		pin := pins.Pins[name]
		checksums := []string{}
		for checksum := range pin.Integrity.Items() {
			checksums = append(checksums, checksum.ToSRI())
		}
		fmt.Printf("%s\n", name)
		fmt.Printf("  urls:      %s\n", strings.Join(pin.URLs, ", "))
		fmt.Printf("  integrity: %s\n", strings.Join(checksums, ", "))
		if pin.SizeHint >= 0 {
			fmt.Printf("  size:      %d\n", pin.SizeHint)
		}
	}
}
