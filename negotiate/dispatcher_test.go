package negotiate

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dspinellis/sgsh/negotiate/mb"
)

// newDuplexLink creates one full-duplex connection between two peers
// via a UNIX socketpair rather than os.Pipe(): a node with only one
// neighbor still has to both send the token onward and see it come
// back around for the quiet-round check, which a one-directional pipe
// can't do over a single fd. This is why sgsh wires tool negotiation
// over socketpairs rather than plain pipes.
func newDuplexLink(t *testing.T) (a, b *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return os.NewFile(uintptr(fds[0]), "link"), os.NewFile(uintptr(fds[1]), "link")
}

type peerSpec struct {
	pid           int32
	name          string
	sides         envSides
	required      int
	provided      int
	stdin, stdout *os.File
}

// runPeers negotiates every spec concurrently and returns each peer's
// Result in spec order, failing the test if any peer errors or the
// round loop hangs.
func runPeers(t *testing.T, specs []peerSpec) []*Result {
	t.Helper()
	results := make([]*Result, len(specs))
	errs := make([]error, len(specs))
	done := make(chan int, len(specs))

	for i, spec := range specs {
		i, spec := i, spec
		go func() {
			r, err := negotiateOver(spec.pid, spec.name, spec.required, spec.provided, spec.sides, spec.stdin, spec.stdout)
			results[i] = r
			errs[i] = err
			done <- i
		}()
	}

	timeout := time.After(5 * time.Second)
	for range specs {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("negotiation did not converge in time")
		}
	}
	for i, err := range errs {
		require.NoError(t, err, "peer %s", specs[i].name)
	}
	return results
}

func nodeIndex(m *mb.MB, name string) int {
	for i, n := range m.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// TestTwoNodeLinearPipeline exercises the simplest topology: a source
// piped straight into a sink over one link.
func TestTwoNodeLinearPipeline(t *testing.T) {
	link := [2]*os.File{}
	link[0], link[1] = newDuplexLink(t)

	specs := []peerSpec{
		{pid: 101, name: "source", sides: envSides{SgshOut: true}, provided: 1, stdin: link[0], stdout: link[0]},
		{pid: 102, name: "sink", sides: envSides{SgshIn: true}, required: 1, stdin: link[1], stdout: link[1]},
	}
	results := runPeers(t, specs)

	graph := results[0].Graph
	for _, r := range results {
		assert.Len(t, r.Graph.Nodes, 2)
		assert.Len(t, r.Graph.Edges, 1)
	}

	src, sink := nodeIndex(graph, "source"), nodeIndex(graph, "sink")
	require.GreaterOrEqual(t, src, 0)
	require.GreaterOrEqual(t, sink, 0)
	assert.True(t, graph.HasEdge(int32(src), int32(sink)))

	assert.Len(t, results[0].Outputs, 1)
	assert.Len(t, results[0].Inputs, 0)
	assert.Len(t, results[1].Inputs, 1)
	assert.Len(t, results[1].Outputs, 0)
}

// TestFiveNodeChainConverges builds a 5-node linear chain -- source,
// three relays, sink -- specifically because one round trip of the
// token through a chain this long takes eight passes, more than
// quietRoundsToEnd, exercising the round counter under real pressure
// rather than trivially.
func TestFiveNodeChainConverges(t *testing.T) {
	const n = 5
	// links[i] connects node i to node i+1: endA goes to node i (its
	// downstream side), endB goes to node i+1 (its upstream side).
	links := make([][2]*os.File, n-1)
	for i := range links {
		links[i][0], links[i][1] = newDuplexLink(t)
	}

	specs := make([]peerSpec, n)
	specs[0] = peerSpec{
		pid: 201, name: chainName(0), sides: envSides{SgshOut: true}, provided: 1,
		stdin: links[0][0], stdout: links[0][0],
	}
	specs[n-1] = peerSpec{
		pid: int32(200 + n), name: chainName(n - 1), sides: envSides{SgshIn: true}, required: 1,
		stdin: links[n-2][1], stdout: links[n-2][1],
	}
	for i := 1; i < n-1; i++ {
		specs[i] = peerSpec{
			pid: int32(201 + i), name: chainName(i), sides: envSides{SgshIn: true, SgshOut: true}, required: 1, provided: 1,
			stdin: links[i-1][1], stdout: links[i][0],
		}
	}

	results := runPeers(t, specs)

	for _, r := range results {
		assert.Len(t, r.Graph.Nodes, n)
		assert.Len(t, r.Graph.Edges, n-1)
	}
	assert.Len(t, results[0].Outputs, 1)
	assert.Len(t, results[0].Inputs, 0)
	assert.Len(t, results[n-1].Inputs, 1)
	assert.Len(t, results[n-1].Outputs, 0)
	for i := 1; i < n-1; i++ {
		assert.Len(t, results[i].Inputs, 1)
		assert.Len(t, results[i].Outputs, 1)
	}

	graph := results[0].Graph
	for i := 0; i < n-1; i++ {
		from := nodeIndex(graph, chainName(i))
		to := nodeIndex(graph, chainName(i+1))
		assert.True(t, graph.HasEdge(int32(from), int32(to)), "missing edge %d->%d", i, i+1)
	}
}

func chainName(i int) string {
	return string(rune('a' + i))
}

// TestThreeNodeTieBreak exercises scenario 2: A(100), B(200) and C(150)
// each construct their own candidate message block before any of them
// has met another peer -- the race every real startup risks when more
// than one tool happens to think it is the graph's initiator -- and
// competeMessageBlock must converge them on the lowest pid regardless
// of meeting order. This drives dispatcherContext directly rather than
// through negotiateOver's two-sided transport, since a three-way
// simultaneous tie can't be staged through a single pair of stream
// sides per node.
func TestThreeNodeTieBreak(t *testing.T) {
	log := logrus.WithField("test", "tie-break")

	mbA := mb.New(100)
	idxA := mbA.AddNode(mb.Node{PID: 100, Name: "A", ProvidesChannels: 1, SgshOut: true})

	mbB := mb.New(200)
	idxB := mbB.AddNode(mb.Node{PID: 200, Name: "B", RequiresChannels: 1, ProvidesChannels: 1, SgshIn: true, SgshOut: true})

	mbC := mb.New(150)
	idxC := mbC.AddNode(mb.Node{PID: 150, Name: "C", RequiresChannels: 1, SgshIn: true})

	// A meets B: A's own candidate (initiator 100) beats B's own
	// candidate (initiator 200), so B adopts it and adds itself.
	ctxB := &dispatcherContext{chosen: mbB, selfNode: mbB.Nodes[idxB], selfIndex: int32(idxB), log: log}
	mbA.Origin = mb.Origin{NodeIndex: int32(idxA), FDSide: mb.SideStdout}
	require.NoError(t, ctxB.competeMessageBlock(mbA))

	require.Equal(t, int32(100), ctxB.chosen.InitiatorPID)
	require.True(t, ctxB.updatedSerial)
	require.Len(t, ctxB.chosen.Nodes, 2)
	require.Len(t, ctxB.chosen.Edges, 1)
	bIndex := int32(ctxB.chosen.IndexOfPID(200))
	assert.True(t, ctxB.chosen.HasEdge(int32(idxA), bIndex))

	// While B still holds the winning (100) block, a higher-pid
	// latecomer must lose and leave chosen untouched.
	latecomer := mb.New(999)
	latecomer.AddNode(mb.Node{PID: 999, Name: "late"})
	before := ctxB.chosen
	require.NoError(t, ctxB.competeMessageBlock(latecomer))
	assert.False(t, ctxB.shouldTransmit)
	assert.Same(t, before, ctxB.chosen)

	// B meets C: C's own candidate (initiator 150) loses to B's current
	// block (still rooted at initiator 100), so C adopts it too.
	ctxC := &dispatcherContext{chosen: mbC, selfNode: mbC.Nodes[idxC], selfIndex: int32(idxC), log: log}
	ctxB.chosen.Origin = mb.Origin{NodeIndex: bIndex, FDSide: mb.SideStdout}
	require.NoError(t, ctxC.competeMessageBlock(ctxB.chosen))

	final := ctxC.chosen
	assert.Equal(t, int32(100), final.InitiatorPID)
	assert.Len(t, final.Nodes, 3)
	assert.Len(t, final.Edges, 2)
	cIndex := int32(final.IndexOfPID(150))
	assert.True(t, final.HasEdge(bIndex, cIndex))
	assert.True(t, final.HasEdge(int32(idxA), bIndex))
}
