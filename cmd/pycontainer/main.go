// Command pycontainer builds OCI images from Python projects without a
// daemon: introspect the project, resolve a base image, build the
// dependency and application layers, write an OCI Image Layout, and
// optionally push and emit an SBOM, all in one process.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
