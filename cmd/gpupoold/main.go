// Command gpupoold serves the GPU resource pool over HTTP.
package main

import (
	"fmt"
	"os"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gpupoold:", err)
		os.Exit(1)
	}
}
