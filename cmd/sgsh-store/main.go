// Command sgsh-store runs the value-store server: it reads a
// record-structured stream on stdin and serves last/current record
// queries to clients connecting on a UNIX domain socket.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/dspinellis/sgsh/store"
)

var (
	fixedLength = flag.Int("l", 0, "fixed record length in bytes (mutually exclusive with -t)")
	separator   = flag.String("t", "\n", "record separator byte (mutually exclusive with -l)")
	verbose     = flag.Bool("verbose", false, "enable debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	sepSet := isFlagSet("t")
	lenSet := isFlagSet("l")
	if sepSet && lenSet {
		fmt.Fprintln(os.Stderr, "usage: sgsh-store [-l length | -t sep_char] socket_path")
		os.Exit(1)
	}
	if lenSet && *fixedLength <= 0 {
		fmt.Fprintln(os.Stderr, "usage: -l must be > 0")
		os.Exit(1)
	}

	socketPath := flag.Arg(0)
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, "usage: sgsh-store [-l length | -t sep_char] socket_path")
		os.Exit(1)
	}

	// -t allows NUL as the separator (an empty string operand), matching
	// the original's "we allow \0 as rs"; only more than one byte is
	// rejected.
	mode := store.Mode{Separator: '\n'}
	if lenSet {
		mode = store.Mode{FixedLength: *fixedLength}
	} else if sepSet {
		if len(*separator) > 1 {
			fmt.Fprintln(os.Stderr, "usage: -t takes at most one byte")
			os.Exit(1)
		}
		var sep byte
		if len(*separator) == 1 {
			sep = (*separator)[0]
		}
		mode = store.Mode{Separator: sep}
	}

	srv, err := store.NewServer(socketPath, mode, int(os.Stdin.Fd()))
	if err != nil {
		log.Println(err)
		exitWithCode(err)
	}

	if err := srv.Run(); err != nil {
		log.Println(err)
		exitWithCode(err)
	}
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func exitWithCode(err error) {
	serr, ok := err.(*store.Error)
	if !ok {
		os.Exit(3)
	}
	switch serr.Kind {
	case store.KindUsage:
		os.Exit(1)
	case store.KindAllocation:
		os.Exit(2)
	case store.KindSlotExhaustion:
		os.Exit(5)
	default:
		os.Exit(3)
	}
}
