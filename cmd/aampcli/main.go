// Command aampcli is a standalone REPL driving a player.PlayerCore: the
// tune/seek/rate/stop/status verbs of the CLI surface, backed by a
// logging stand-in StreamSink since the concrete media pipeline is a
// host/platform concern this module never implements.
package main

import (
	"os"

	"github.com/josephch/aamp-go/cmd/aampcli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
