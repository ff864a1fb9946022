// loomctl runs distributed test suites against simulated Loom node networks.
//
// Usage:
//
//	loomctl run-tests [path]
//
// path is a suite file or a directory containing tests.toml; it defaults to
// the current directory.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/loomnet/loomctl/internal/logging"
	"github.com/loomnet/loomctl/internal/runtests"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || args[0] != "run-tests" {
		usage()
		os.Exit(1)
	}
	suitePath := "."
	if len(args) > 1 {
		suitePath = args[1]
	}

	logging.ConfigureRuntime()
	if err := runtests.Execute(suitePath); err != nil {
		fatalf("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: loomctl run-tests [path]")
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "loomctl: "+format+"\n", args...)
	os.Exit(1)
}
