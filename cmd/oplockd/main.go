// Command oplockd runs the opportunistic-lock coordination core as a
// standalone process.
package main

import (
	"fmt"
	"os"

	"github.com/netshare/oplockd/cmd/oplockd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
