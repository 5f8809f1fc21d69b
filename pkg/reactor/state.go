package reactor

import "strings"

// State names a protocol state. Every protocol family shares the same shape
// of states; a family only provides its own handler table.
type State string

const (
	StateIdle                State = "IDLE"
	StateSendInitial         State = "SEND_INITIAL"
	StateWaitInitialResponse State = "WAIT_INITIAL_RESPONSE"
	StateSend                State = "SEND"
	StateWaitResponse        State = "WAIT_RESPONSE"
	StateSendOrReceive       State = "SEND_OR_RECEIVE"
	StateClosed              State = "CLOSED"
)

// Interest is the I/O readiness a connection is watched for.
type Interest uint8

const (
	InterestNone      Interest = 0
	InterestRead      Interest = 1 << 0
	InterestWrite     Interest = 1 << 1
	InterestReadWrite          = InterestRead | InterestWrite
)

func (i Interest) String() string {
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Transition is the result of a state handler: the next state and the
// readiness the connection should now be watched for.
type Transition struct {
	Next     State
	Interest Interest
}

// To builds a transition.
func To(next State, interest Interest) Transition {
	return Transition{Next: next, Interest: interest}
}

// Close is the transition that terminates a connection.
var Close = Transition{Next: StateClosed, Interest: InterestNone}

// Conn is implemented by every concrete connection context. Concrete types
// embed ConnContext and return it from Base.
type Conn interface {
	Base() *ConnContext
}

// Handler performs the transition of one state for one connection. It runs
// on the reactor goroutine with the connection's lock held and must not
// block.
type Handler[C Conn] func(c C) (Transition, error)

// Protocol is a table-driven protocol definition.
type Protocol[C Conn] struct {
	Name     string
	Handlers map[State]Handler[C]

	// OnClose runs exactly once per connection after it left the reactor,
	// whatever the cause. err is nil for an orderly close.
	OnClose func(c C, err error)
}
