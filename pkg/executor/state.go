package executor

import "io"

type State int

const (
	Idle State = iota
	Connecting
	Sending
	AwaitingResponse
	Draining
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Sending:
		return "Sending"
	case AwaitingResponse:
		return "AwaitingResponse"
	case Draining:
		return "Draining"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Everything the transport tells the event loop. Only the loop goroutine touches in-flight state.
type event interface{}

type connected struct {
	conn io.ReadWriteCloser
}

type wrote struct {
	n   int64
	err error
}

type readable struct {
	chunk []byte
}

type ended struct {
	total int
}

type failed struct {
	err error
}
