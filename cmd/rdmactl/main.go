// rdmactl inspects descriptor ring memory and sizes work queues.
package main

import (
	"os"

	"github.com/slackhq/rdmaring/cmd/rdmactl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
