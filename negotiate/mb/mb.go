// Package mb implements the sgsh negotiation message block: the flat,
// self-describing blob that circulates between peer tools while they
// discover the graph topology.
//
// On the wire the block is laid out as a fixed header, followed by the
// node array, followed by the edge array (nodes always precede edges).
// In memory we keep Nodes and Edges as ordinary slices and only
// materialize the flat form on Marshal / parse it back on Unmarshal --
// the recommended alternative from the design notes, since Go has no
// use for raw byte-offset "pointers" the way the C original did.
package mb

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// State is the negotiation protocol's state_flag.
type State byte

const (
	// StateNegotiation marks a message block that is still circulating.
	StateNegotiation State = iota + 1
	// StateNegotiationEnd marks a message block whose round count has
	// quiesced; every peer forwards it once more then exits.
	StateNegotiationEnd
	// StateError marks a fatal negotiation failure.
	StateError
)

func (s State) String() string {
	switch s {
	case StateNegotiation:
		return "NEGOTIATION"
	case StateNegotiationEnd:
		return "NEGOTIATION_END"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Side identifies one of a tool's two stream sides.
type Side byte

const (
	SideStdin  Side = 0
	SideStdout Side = 1
)

func (s Side) String() string {
	if s == SideStdout {
		return "stdout"
	}
	return "stdin"
}

// nameSize is the fixed, null-padded width of a Node's Name field. It
// mirrors the C original's `char name[100]`, trimmed down since sgsh
// tool names are short shell command names, not paths.
const nameSize = 64

const (
	headerSize = 2 + 4 + 4 + 1 + 4 + 1 + 4 + 4 + 4 // see Marshal for field order
	nodeSize   = 4 + nameSize + 4 + 4 + 1 + 1
	edgeSize   = 4 + 4
)

// Origin identifies the node and stream side that last transmitted a
// message block.
type Origin struct {
	NodeIndex int32 // -1 if the block was just created and never sent
	FDSide    Side
}

// Node models one tool participating in the sgsh graph.
type Node struct {
	PID              int32
	Name             string
	RequiresChannels int32
	ProvidesChannels int32
	SgshIn           bool
	SgshOut          bool
}

// Edge is a directed channel from one node to another, indices into
// the owning MB's Nodes slice.
type Edge struct {
	From int32
	To   int32
}

// MB is the negotiation message block.
type MB struct {
	Version      uint16
	InitiatorPID int32
	SerialNo     uint32
	State        State
	Origin       Origin
	Nodes        []Node
	Edges        []Edge
}

// ProtocolVersion is the only version this implementation speaks.
const ProtocolVersion uint16 = 1

// New creates a fresh message block for a process that initiates
// negotiation: no origin yet (Origin.NodeIndex == -1), state
// NEGOTIATION, serial 0.
func New(initiatorPID int32) *MB {
	return &MB{
		Version:      ProtocolVersion,
		InitiatorPID: initiatorPID,
		SerialNo:     0,
		State:        StateNegotiation,
		Origin:       Origin{NodeIndex: -1},
	}
}

// TotalSize returns the byte length the flat layout would have right
// now: header + one nodeSize per node + one edgeSize per edge. This is
// the invariant of spec §3/§8: total_size == header + n_nodes*sizeof(node)
// + n_edges*sizeof(edge).
func (m *MB) TotalSize() int {
	return headerSize + len(m.Nodes)*nodeSize + len(m.Edges)*edgeSize
}

// Clone makes a deep copy of the message block, the Go analogue of the
// original's "substitute chosen_mb, free the old one": there is no
// explicit free in Go, but callers that replace a chosen MB with an
// incoming one should still clone if they intend to keep mutating it
// independently of the reader that produced it.
func (m *MB) Clone() *MB {
	c := *m
	c.Nodes = append([]Node(nil), m.Nodes...)
	c.Edges = append([]Edge(nil), m.Edges...)
	return &c
}

// IndexOfPID returns the node index whose PID matches pid, or -1.
func (m *MB) IndexOfPID(pid int32) int {
	for i := range m.Nodes {
		if m.Nodes[i].PID == pid {
			return i
		}
	}
	return -1
}

// HasEdge reports whether edge (from, to) is already present.
func (m *MB) HasEdge(from, to int32) bool {
	for _, e := range m.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// AddNode appends n and bumps SerialNo. Callers must have already
// checked IndexOfPID(n.PID) == -1; AddNode does not deduplicate, to
// keep the node-uniqueness invariant (spec §8) an explicit caller
// responsibility that is easy to unit test in isolation.
func (m *MB) AddNode(n Node) int {
	m.Nodes = append(m.Nodes, n)
	m.SerialNo++
	return len(m.Nodes) - 1
}

// AddEdge appends e and bumps SerialNo. Like AddNode, does not
// deduplicate -- use HasEdge first.
func (m *MB) AddEdge(e Edge) {
	m.Edges = append(m.Edges, e)
	m.SerialNo++
}

func putFixedString(buf *bytes.Buffer, s string, width int) {
	b := make([]byte, width)
	copy(b, s)
	buf.Write(b)
}

func getFixedString(buf *bytes.Buffer, width int) string {
	b := make([]byte, width)
	buf.Read(b)
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// Marshal serializes the message block to its flat wire form: header,
// then nodes, then edges, matching the layout documented in spec §3 and
// §9 ("Flat message block with internal pointers").
func (m *MB) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(m.TotalSize())

	binary.Write(buf, binary.BigEndian, m.Version)
	binary.Write(buf, binary.BigEndian, m.InitiatorPID)
	binary.Write(buf, binary.BigEndian, m.SerialNo)
	binary.Write(buf, binary.BigEndian, byte(m.State))
	binary.Write(buf, binary.BigEndian, m.Origin.NodeIndex)
	binary.Write(buf, binary.BigEndian, byte(m.Origin.FDSide))
	binary.Write(buf, binary.BigEndian, int32(len(m.Nodes)))
	binary.Write(buf, binary.BigEndian, int32(len(m.Edges)))
	binary.Write(buf, binary.BigEndian, int32(m.TotalSize()))

	for _, n := range m.Nodes {
		binary.Write(buf, binary.BigEndian, n.PID)
		putFixedString(buf, n.Name, nameSize)
		binary.Write(buf, binary.BigEndian, n.RequiresChannels)
		binary.Write(buf, binary.BigEndian, n.ProvidesChannels)
		binary.Write(buf, binary.BigEndian, boolByte(n.SgshIn))
		binary.Write(buf, binary.BigEndian, boolByte(n.SgshOut))
	}

	for _, e := range m.Edges {
		binary.Write(buf, binary.BigEndian, e.From)
		binary.Write(buf, binary.BigEndian, e.To)
	}

	return buf.Bytes(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Unmarshal parses a flat message block previously produced by Marshal.
// It returns the freshly parsed block to the caller -- unlike the C
// original's try_read_message_block, which allocated into a local copy
// of the out-parameter pointer and lost the result, this is a plain
// value return (see spec §9's open question on that bug).
func Unmarshal(data []byte) (*MB, error) {
	if len(data) < headerSize {
		return nil, errors.Errorf("message block truncated: got %d bytes, need at least %d", len(data), headerSize)
	}
	buf := bytes.NewReader(data)

	m := &MB{}
	var state, fdSide byte
	var nNodes, nEdges, totalSize int32

	binary.Read(buf, binary.BigEndian, &m.Version)
	binary.Read(buf, binary.BigEndian, &m.InitiatorPID)
	binary.Read(buf, binary.BigEndian, &m.SerialNo)
	binary.Read(buf, binary.BigEndian, &state)
	binary.Read(buf, binary.BigEndian, &m.Origin.NodeIndex)
	binary.Read(buf, binary.BigEndian, &fdSide)
	binary.Read(buf, binary.BigEndian, &nNodes)
	binary.Read(buf, binary.BigEndian, &nEdges)
	binary.Read(buf, binary.BigEndian, &totalSize)

	m.State = State(state)
	m.Origin.FDSide = Side(fdSide)

	want := headerSize + int(nNodes)*nodeSize + int(nEdges)*edgeSize
	if int(totalSize) != want || len(data) < want {
		return nil, errors.Errorf("message block size mismatch: header says %d nodes, %d edges, total_size %d; bytes available %d", nNodes, nEdges, totalSize, len(data))
	}

	bodyBuf := bytes.NewBuffer(data[headerSize:])

	m.Nodes = make([]Node, nNodes)
	for i := range m.Nodes {
		var n Node
		var sgshIn, sgshOut byte
		binary.Read(bodyBuf, binary.BigEndian, &n.PID)
		n.Name = getFixedString(bodyBuf, nameSize)
		binary.Read(bodyBuf, binary.BigEndian, &n.RequiresChannels)
		binary.Read(bodyBuf, binary.BigEndian, &n.ProvidesChannels)
		binary.Read(bodyBuf, binary.BigEndian, &sgshIn)
		binary.Read(bodyBuf, binary.BigEndian, &sgshOut)
		n.SgshIn = sgshIn != 0
		n.SgshOut = sgshOut != 0
		m.Nodes[i] = n
	}

	m.Edges = make([]Edge, nEdges)
	for i := range m.Edges {
		binary.Read(bodyBuf, binary.BigEndian, &m.Edges[i].From)
		binary.Read(bodyBuf, binary.BigEndian, &m.Edges[i].To)
	}

	for _, e := range m.Edges {
		if e.From < 0 || int(e.From) >= len(m.Nodes) || e.To < 0 || int(e.To) >= len(m.Nodes) {
			return nil, errors.Errorf("edge (%d -> %d) references a node outside [0, %d)", e.From, e.To, len(m.Nodes))
		}
	}

	return m, nil
}
