package root

import (
	"context"
	"fmt"
	"os"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/cmd/dump"
	"github.com/srcpin/srcpin/cmd/export"
	"github.com/srcpin/srcpin/cmd/resolve"
	"github.com/srcpin/srcpin/cmd/verify"
	"github.com/srcpin/srcpin/internal/logging"
)

const usage = `Usage: srcpin [COMMAND] [ARGS...]

Commands:
  resolve  Resolve pins into the local (or remote) store
  verify   Re-hash stored artifacts against the pin file
  export   Materialize resolved package sets into a directory
  dump     Print the parsed pins`

func Run(ctx context.Context, args []string) {
	setLogLevel()
	if len(args) < 2 {
		printUsage()
	}

	command := args[1]
	switch command {
	case "resolve":
		resolve.Run(ctx, args[2:])
	case "verify":
		verify.Run(ctx, args[2:])
	case "export":
		export.Run(ctx, args[2:])
	case "dump":
		dump.Run(ctx, args[2:])
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(1)
}

func setLogLevel() {
	level, ok := os.LookupEnv(api.LogLevelEnv)
	if !ok {
		return
	}
	logging.SetLevel(logging.FromString(level))
}
