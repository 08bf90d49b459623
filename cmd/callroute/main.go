// callroute routes voice calls to executive personas and processes their
// audio in real time.
//
// Usage:
//
//	callroute serve                           # Answer calls over WebRTC
//	callroute route --caller +15550100 -k budget
//	callroute roster                          # Print personas and seats
//	callroute simulate --duration 2s          # In-process synthetic call
//	callroute dial sip:alice@10.0.0.5:5080    # Place a call
//
// Configuration is read from ./callroute.yaml or the file given by --config.
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/callroute/cmd/callroute/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
