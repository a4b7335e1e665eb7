// Command scribe is the single-binary entrypoint for scribe.
package main

import "scribe/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
