// Command credctl administers the credential registry from the shell.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "credctl:", err)
		os.Exit(1)
	}
}
