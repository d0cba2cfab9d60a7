package main

import (
	"fmt"
	"os"

	"github.com/storaged-project/blivet-gui-sub000/internal/cli"
	"github.com/storaged-project/blivet-gui-sub000/internal/daemon"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == daemon.Command {
		if err := daemon.Main(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "blivetctl daemon: %v\n", err)
			os.Exit(1)
		}
		return
	}

	code := cli.Run(os.Args[1:])
	os.Exit(code)
}
