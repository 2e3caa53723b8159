// Command pomegrade inspects datasets, writes model metadata, evaluates
// exported models and serves the prediction API.
package main

import (
	"fmt"
	"os"

	"github.com/Brownie44l1/pomegrade/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
