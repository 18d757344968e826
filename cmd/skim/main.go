// skim is a per-user daily chat digest bot: it tracks selected channels,
// classifies what happened, and delivers a summarized digest on each user's
// schedule.
package main

import (
	"fmt"
	"os"

	"github.com/skimbot/skim/cmd/skim/commands"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
