package main

import (
	"context"
	"os"

	"github.com/srcpin/srcpin/cmd/root"
)

func main() {
	root.Run(context.Background(), os.Args)
}
