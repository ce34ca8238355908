// Package negotiate implements the peer-to-peer token-passing protocol
// by which the tools in a non-linear sgsh pipeline discover the graph
// they are wired into before any data flows.
package negotiate

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/dspinellis/sgsh/negotiate/mb"
)

// Result is what a tool learns once negotiation converges: the edges
// that feed it data and the edges it feeds, in the order the graph
// assigns them.
type Result struct {
	Graph   *mb.MB
	Inputs  []mb.Edge
	Outputs []mb.Edge
}

// Negotiate runs the full negotiation protocol for the calling process
// over its real stdin/stdout, using SGSH_IN/SGSH_OUT from the
// environment to decide whether it initiates or waits. toolName,
// required and provided describe this tool to the rest of the graph
// (spec §2's Node.name/requires_channels/provides_channels).
func Negotiate(toolName string, required, provided int) (*Result, error) {
	sides, err := readEnvSides()
	if err != nil {
		return nil, err
	}
	return negotiateOver(int32(os.Getpid()), toolName, required, provided, sides, os.Stdin, os.Stdout)
}

// negotiateOver is Negotiate's testable core: the calling PID,
// stdin/stdout and the participation flags are all passed in explicitly
// instead of read from live process state, so tests can run many
// simulated peers as goroutines of one real OS process -- each with its
// own synthetic PID -- wired into arbitrary topologies over socketpairs.
func negotiateOver(pid int32, toolName string, required, provided int, sides envSides, stdin, stdout *os.File) (*Result, error) {
	t, err := newTransport(stdin, stdout)
	if err != nil {
		return nil, err
	}

	ctx := &dispatcherContext{
		transport: t,
		log:       logrus.WithField("tool", toolName),
	}

	if err := ctx.start(pid, toolName, required, provided, sides); err != nil {
		return nil, err
	}

	// Each pass round-trips the token once: stamp the round counter
	// (only the initiator's stamp matters), hand the current winner on
	// to the next peer, and -- unless that hand-off was the final,
	// END-stamped one -- wait for the token to come back around and let
	// it compete against whatever arrived.
	for {
		ctx.checkNegotiationRound()

		if ctx.shouldTransmit {
			// Stamp where this hand-off comes from before it goes out,
			// so whoever reads it next can work out the edge it implies
			// without needing any side channel: self's own index, and
			// which of self's sides it is being sent from.
			ctx.chosen.Origin = mb.Origin{NodeIndex: ctx.selfIndex, FDSide: ctx.fdDirection}
			if err := t.writeMB(ctx.fdDirection, ctx.chosen); err != nil {
				return nil, err
			}
		}

		if ctx.chosen.State == mb.StateNegotiationEnd {
			break
		}

		fresh, arrivedSide, err := t.readMB()
		if err != nil {
			return nil, err
		}
		ctx.pointIODirection(arrivedSide, sides)
		if err := ctx.competeMessageBlock(fresh); err != nil {
			return nil, err
		}
	}

	inputs, outputs, err := allocateIOConnections(ctx.chosen, ctx.selfIndex, ctx.selfNode.RequiresChannels, ctx.selfNode.ProvidesChannels)
	if err != nil {
		return nil, err
	}

	return &Result{Graph: ctx.chosen, Inputs: inputs, Outputs: outputs}, nil
}
