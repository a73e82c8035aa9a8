// Entrypoint for the kpusim CLI; delegates to the Cobra root command in
// cmd/kpusim/root.go.
package main

import (
	"github.com/stillwater-sc/kpusim/cmd/kpusim"
)

func main() {
	cmd.Execute()
}
