package store

// Command is the single ASCII byte a client sends after connecting.
type Command byte

const (
	CommandLast    Command = 'L'
	CommandCurrent Command = 'C'
	CommandQuit    Command = 'Q'
)

// contentLengthDigits is the fixed width of the ASCII length header that
// precedes every record payload: exactly 10 zero-padded digits,
// regardless of the actual record's size.
const contentLengthDigits = 10

// bufferCapacity is how many bytes a freshly allocated chain buffer can
// hold before another one is linked on. One page keeps allocation
// granularity aligned with a single non-blocking read of stdin.
const bufferCapacity = 4096

// maxClientSlots is the size of the fixed admission pool; the 65th
// concurrent client is a fatal slot-exhaustion error.
const maxClientSlots = 64

// Mode selects how records are delimited in the input stream, fixed for
// the lifetime of one store process.
type Mode struct {
	// Separator, when FixedLength == 0, is the single byte terminating
	// each record (may be any byte value, including NUL).
	Separator byte
	// FixedLength, when > 0, is the record length in bytes and
	// Separator is ignored.
	FixedLength int
}

func (m Mode) fixed() bool { return m.FixedLength > 0 }
