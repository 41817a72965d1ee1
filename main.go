// Package main provides the reframe command line.
package main

import "github.com/maauso/reframe/internal/cli"

// version is set via ldflags during build.
var version = "dev"

func main() {
	cli.Execute(version)
}
