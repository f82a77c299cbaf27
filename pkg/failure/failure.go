// Package failure is the error taxonomy for a single SNI-override request.
// Every error a request can end with is an *Error carrying one Kind.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	MalformedURL
	InvalidAddress
	InvalidHeader
	InvalidBody
	SocketOpenFailed
	HandshakeFailed
	PropertyRejected
	WriteFailed
	ReadFailed
	IncompleteResponse
	HTTPError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case MalformedURL:
		return "MalformedURL"
	case InvalidAddress:
		return "InvalidAddress"
	case InvalidHeader:
		return "InvalidHeader"
	case InvalidBody:
		return "InvalidBody"
	case SocketOpenFailed:
		return "SocketOpenFailed"
	case HandshakeFailed:
		return "HandshakeFailed"
	case PropertyRejected:
		return "PropertyRejected"
	case WriteFailed:
		return "WriteFailed"
	case ReadFailed:
		return "ReadFailed"
	case IncompleteResponse:
		return "IncompleteResponse"
	case HTTPError:
		return "HTTPError"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind Kind
	// Only set for HTTPError
	StatusCode int
	Err        error
}

// Sentinels for errors.Is; they match any *Error of the same Kind.
var (
	ErrMalformedURL       = &Error{Kind: MalformedURL}
	ErrInvalidAddress     = &Error{Kind: InvalidAddress}
	ErrInvalidHeader      = &Error{Kind: InvalidHeader}
	ErrInvalidBody        = &Error{Kind: InvalidBody}
	ErrSocketOpenFailed   = &Error{Kind: SocketOpenFailed}
	ErrHandshakeFailed    = &Error{Kind: HandshakeFailed}
	ErrPropertyRejected   = &Error{Kind: PropertyRejected}
	ErrWriteFailed        = &Error{Kind: WriteFailed}
	ErrReadFailed         = &Error{Kind: ReadFailed}
	ErrIncompleteResponse = &Error{Kind: IncompleteResponse}
	ErrHTTP               = &Error{Kind: HTTPError}
	ErrCancelled          = &Error{Kind: Cancelled}
)

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func HTTP(statusCode int) *Error {
	return &Error{Kind: HTTPError, StatusCode: statusCode}
}

func (e *Error) Error() string {
	switch {
	case e.Kind == HTTPError:
		return fmt.Sprintf("%s(%d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind. A target with a non-zero StatusCode also has to match that.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.StatusCode == 0 || t.StatusCode == e.StatusCode
}

// KindOf returns Unknown for nil and for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// StatusCode is the server's status for HTTPError, 0 otherwise.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == HTTPError {
		return e.StatusCode
	}
	return 0
}
