// Command mpcmatch is a thin demo CLI over engine.Run. A real
// transport substrate and cluster deployment are out of scope; this
// only ever runs the in-process simulated fabric.
package main

import (
	"os"

	"github.com/katalvlaran/mpcmatch/cmd/mpcmatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
