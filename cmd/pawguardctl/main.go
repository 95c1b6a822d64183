// Command pawguardctl is the operator tool of the PawGuard service: it
// creates secrets and password hashes and reproduces gateway signatures
// when a callback has to be investigated.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
