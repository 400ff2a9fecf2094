// Command oxsets discovers 3OX agent bundles and supervises their processes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "oxsets: %v\n", err)
		os.Exit(1)
	}
}
