// Command moq-relay runs a relay/origin node (serve) or a pull client that
// subscribes to a remote node and writes received objects to a file
// (pull).
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
