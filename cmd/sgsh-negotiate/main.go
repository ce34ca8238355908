// Command sgsh-negotiate runs one side of a pipeline tool's negotiation
// and prints the tool's incoming and outgoing edges (as from/to node
// indices of the negotiated graph), for
// use as a building block by a real sgsh-aware tool or for diagnosing a
// graph from the shell.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/dspinellis/sgsh/negotiate"
)

var (
	required = flag.Int("requires", 0, "number of input channels this tool requires")
	provided = flag.Int("provides", 0, "number of output channels this tool provides")
	verbose  = flag.Bool("verbose", false, "enable debug logging of the negotiation round loop")
)

func main() {
	flag.Parse()
	name := flag.Arg(0)
	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: sgsh-negotiate [-requires N] [-provides N] tool-name")
		os.Exit(1)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	result, err := negotiate.Negotiate(name, *required, *provided)
	if err != nil {
		log.Println(err)
		exitWithCode(err)
	}

	for _, e := range result.Inputs {
		fmt.Printf("in\t%d\t%d\n", e.From, e.To)
	}
	for _, e := range result.Outputs {
		fmt.Printf("out\t%d\t%d\n", e.From, e.To)
	}
}

// exitWithCode maps a negotiate.Error's Kind to the process exit status
// and terminates; a non-negotiate error (shouldn't happen, Negotiate
// always wraps) falls back to the generic I/O-fatal code.
func exitWithCode(err error) {
	nerr, ok := err.(*negotiate.Error)
	if !ok {
		os.Exit(3)
	}
	switch nerr.Kind {
	case negotiate.KindUsage, negotiate.KindEnvironment:
		os.Exit(1)
	case negotiate.KindAllocation:
		os.Exit(2)
	case negotiate.KindTopologyMismatch:
		os.Exit(4)
	case negotiate.KindSlotExhaustion:
		os.Exit(5)
	default:
		os.Exit(3)
	}
}
