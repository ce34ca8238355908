package negotiate

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dspinellis/sgsh/negotiate/mb"
)

// quietRoundsToEnd is the number of consecutive rounds (token returns to
// the initiator) with no serial_no bump before the initiator declares
// the negotiation over. Spec §4.1/§9: this is a heuristic, not a proof
// of global stability -- a sufficiently large or oddly shaped graph
// could in principle need another pass after three quiet rounds look
// like consensus. It is kept as-is because changing it would be a
// protocol change, not a bugfix; dispatcher_test.go exercises a
// topology where convergence needs more than three token passes to
// show the round counter itself behaves correctly under that pressure.
const quietRoundsToEnd = 3

// dispatcherContext is the per-peer state that the C original kept in
// three static/global variables (chosen_mb, self_node, self_dispatcher).
// Spec §9 calls out exactly this as something to re-architect into one
// owned value threaded through the round loop instead of process-wide
// statics, so that negotiate is safe to drive many times in one process
// (as the test suite does).
type dispatcherContext struct {
	transport *transport

	chosen *mb.MB

	selfNode  mb.Node
	selfIndex int32 // -1 until self has been added to chosen.Nodes

	fdDirection mb.Side

	round          int // consecutive quiet rounds seen by the initiator
	shouldTransmit bool
	updatedSerial  bool

	log *logrus.Entry
}

// role is whichever of the two entry states spec §4.1's state table
// starts from.
type role int

const (
	roleInitiator role = iota
	roleWaiter
)

func inferRole(sides envSides) role {
	if sides.SgshOut && !sides.SgshIn {
		return roleInitiator
	}
	return roleWaiter
}

// start brings up the dispatcher context for one negotiation: either
// constructs a fresh MB (initiator) or blocks until one arrives
// (waiter), then adds self as a node and, if applicable, the edge
// implied by how the MB just arrived.
func (ctx *dispatcherContext) start(pid int32, toolName string, required, provided int, sides envSides) error {
	ctx.selfIndex = -1
	ctx.shouldTransmit = true
	ctx.updatedSerial = true

	switch inferRole(sides) {
	case roleInitiator:
		ctx.chosen = mb.New(pid)
		ctx.fdDirection = mb.SideStdout
	case roleWaiter:
		fresh, arrivedSide, err := ctx.transport.readMB()
		if err != nil {
			return err
		}
		ctx.chosen = fresh
		ctx.pointIODirection(arrivedSide, sides)
	}

	ctx.selfNode = mb.Node{
		PID:              pid,
		Name:             toolName,
		RequiresChannels: int32(required),
		ProvidesChannels: int32(provided),
		SgshIn:           sides.SgshIn,
		SgshOut:          sides.SgshOut,
	}

	ctx.tryAddSelfNode()
	if err := ctx.tryAddSelfEdge(); err != nil {
		return err
	}
	return nil
}

// tryAddSelfNode adds ctx.selfNode to the chosen MB if a node with this
// PID is not already present (spec §3 invariant ii / §4.1 "Adding
// self"), growing the block and recording the new index in ctx, exactly
// matching the original's try_add_sgsh_node except that "growing" here
// is just an append to a Go slice instead of a realloc-and-relocate.
func (ctx *dispatcherContext) tryAddSelfNode() {
	if i := ctx.chosen.IndexOfPID(ctx.selfNode.PID); i >= 0 {
		ctx.selfIndex = int32(i)
		return
	}
	ctx.selfIndex = int32(ctx.chosen.AddNode(ctx.selfNode))
	ctx.log.WithFields(logrus.Fields{
		"node":  ctx.selfNode.Name,
		"pid":   ctx.selfNode.PID,
		"index": ctx.selfIndex,
	}).Debug("added self to message block")
}

// validateOrigin implements spec §9's resolution of fill_sgsh_edge's
// broken "for (i = 0; n_nodes; i++)" loop: the intended check is simply
// that origin.NodeIndex names a real node in the current MB.
func validateOrigin(m *mb.MB, origin mb.Origin) error {
	if origin.NodeIndex < 0 || int(origin.NodeIndex) >= len(m.Nodes) {
		return NewError(KindProtocolViolation, errors.Errorf("dispatcher node at index %d not present in graph of %d nodes", origin.NodeIndex, len(m.Nodes)))
	}
	return nil
}

// fillImpliedEdge computes the edge implied by the chosen MB's origin
// (the sending node and the side it sent from), per spec §4.1 "Adding
// incident edge": if the sender used its output side (so the MB arrived
// on self's input side), self is the destination; if the sender used its
// input side, self is the source.
func (ctx *dispatcherContext) fillImpliedEdge() (mb.Edge, error) {
	if err := validateOrigin(ctx.chosen, ctx.chosen.Origin); err != nil {
		return mb.Edge{}, err
	}
	if ctx.chosen.Origin.FDSide == mb.SideStdin {
		return mb.Edge{From: ctx.selfIndex, To: ctx.chosen.Origin.NodeIndex}, nil
	}
	return mb.Edge{From: ctx.chosen.Origin.NodeIndex, To: ctx.selfIndex}, nil
}

// tryAddSelfEdge implements spec §4.1 "Adding incident edge" /
// try_add_sgsh_edge: the very first MB a process ever holds (the one it
// just created as initiator) has Origin.NodeIndex == -1, meaning no
// edge is implied yet -- nothing to add. Otherwise compute the implied
// edge and append it if it is not already present.
func (ctx *dispatcherContext) tryAddSelfEdge() error {
	if ctx.chosen.Origin.NodeIndex < 0 {
		return nil
	}
	edge, err := ctx.fillImpliedEdge()
	if err != nil {
		return err
	}
	if ctx.chosen.HasEdge(edge.From, edge.To) {
		return nil
	}
	ctx.chosen.AddEdge(edge)
	ctx.log.WithFields(logrus.Fields{"from": edge.From, "to": edge.To}).Debug("added edge to message block")
	return nil
}

// pointIODirection implements spec §4.1's "flip the dispatch direction"
// rule: if both sides participate, alternate to the side opposite the
// one the MB just arrived from; if only one side participates, stay on
// it.
func (ctx *dispatcherContext) pointIODirection(arrivedSide mb.Side, sides envSides) {
	switch {
	case arrivedSide == mb.SideStdin && sides.SgshOut:
		ctx.fdDirection = mb.SideStdout
	case arrivedSide == mb.SideStdout && sides.SgshIn:
		ctx.fdDirection = mb.SideStdin
	}
}

// checkNegotiationRound implements spec §4.1 "Round counting and
// termination". A round completes whenever the token cycles back to
// the original initiator; after quietRoundsToEnd consecutive rounds
// with no serial bump, the initiator ends the negotiation.
func (ctx *dispatcherContext) checkNegotiationRound() {
	if ctx.selfNode.PID != ctx.chosen.InitiatorPID {
		return
	}
	if ctx.updatedSerial {
		ctx.round = 0
		return
	}
	ctx.round++
	if ctx.round >= quietRoundsToEnd {
		ctx.chosen.State = mb.StateNegotiationEnd
		ctx.chosen.SerialNo++
		ctx.log.Debug("negotiation quiesced, ending")
	}
}

// competeMessageBlock implements spec §4.1 "Message competition": the
// lower-initiator-pid MB always wins; on a tie, the higher serial_no
// wins. Either way the implied edge for self is (re-)applied to
// whichever MB survives.
func (ctx *dispatcherContext) competeMessageBlock(fresh *mb.MB) error {
	ctx.shouldTransmit = true
	ctx.updatedSerial = false

	switch {
	case fresh.InitiatorPID < ctx.chosen.InitiatorPID:
		ctx.chosen = fresh
		ctx.tryAddSelfNode()
		if err := ctx.tryAddSelfEdge(); err != nil {
			return err
		}
		ctx.updatedSerial = true
		return nil

	case fresh.InitiatorPID > ctx.chosen.InitiatorPID:
		ctx.shouldTransmit = false
		return nil

	default:
		if fresh.SerialNo > ctx.chosen.SerialNo {
			ctx.updatedSerial = true
			ctx.chosen = fresh
		} else {
			// The implied edge comes from where this block arrived
			// from, not from self's own stamp on the block it keeps.
			ctx.chosen.Origin = fresh.Origin
		}
		return ctx.tryAddSelfEdge()
	}
}

// incidentEdgeCounts resolves spec §9's open question on
// lookup_sgsh_edges: enumerate the edges incident on self and report
// their cardinalities, for comparison against the node's declared
// requires/provides counts.
func incidentEdgeCounts(m *mb.MB, selfIndex int32) (incoming, outgoing int) {
	for _, e := range m.Edges {
		if e.From == selfIndex {
			outgoing++
		}
		if e.To == selfIndex {
			incoming++
		}
	}
	return incoming, outgoing
}

// allocateIOConnections implements the validated half of spec §4.1
// "Post-convergence" / §9's allocate_io_connections: it checks that the
// incident edge cardinalities match what self declared, which is the
// contract spec §1 keeps in scope. The actual pipe/fd setup that
// follows a successful match is explicitly out of scope (spec §1: "the
// eventual pipe-allocation step ... is a straightforward I/O setup once
// the graph is known") and is the host shell's job; this function
// returns the validated incident edges themselves as placeholders for
// where real fds would go, in the order they appear in the MB's edge
// list, so a caller that does
// own fd allocation has exactly what it needs to do it.
func allocateIOConnections(m *mb.MB, selfIndex int32, requires, provides int32) (inputEdges, outputEdges []mb.Edge, err error) {
	for _, e := range m.Edges {
		if e.To == selfIndex {
			inputEdges = append(inputEdges, e)
		}
		if e.From == selfIndex {
			outputEdges = append(outputEdges, e)
		}
	}
	incoming, outgoing := incidentEdgeCounts(m, selfIndex)
	if int32(incoming) != requires || int32(outgoing) != provides {
		return nil, nil, NewError(KindTopologyMismatch, errors.Errorf(
			"requires %d input channels and gets %d, provides %d output channels and is offered %d",
			requires, incoming, provides, outgoing))
	}
	return inputEdges, outputEdges, nil
}
