// Package executor runs one request: build the head, dial, send, drain, parse, and
// report the outcome exactly once.
//
// Each Start spawns an event loop which exclusively owns that request's state. The
// dialer and the response pump run on their own goroutines and only ever post typed
// events to the loop.
package executor

import (
	"context"
	"io"

	"github.com/tetratelabs/telemetry"
	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/message"
	"github.com/mt-inside/sni-request/pkg/parser"
	"github.com/mt-inside/sni-request/pkg/reader"
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/transport"
)

var log = scope.Register("executor", "request state machine")

// Callback gets the response body on success, or a *failure.Error and no body.
type Callback func(body []byte, err error)

type DialFunc func(ctx context.Context, t request.Target) (io.ReadWriteCloser, error)

// Trace hooks are all called from the event loop goroutine, in order. Any may be nil.
type Trace struct {
	State     func(State)
	Connected func(transport.ConnInfo)
	Wrote     func(n int)
	Chunk     func(n int)
	// The parsed response, before it's classified. Not called if parsing fails.
	Response func(*parser.Response)
}

type Executor struct {
	desc      request.Descriptor
	callback  Callback
	dial      DialFunc
	buildOpts []message.Option
	trace     Trace
}

type Option func(*Executor)

func WithDialFunc(dial DialFunc) Option {
	return func(e *Executor) { e.dial = dial }
}

func WithDialer(d *transport.Dialer) Option {
	return WithDialFunc(func(ctx context.Context, t request.Target) (io.ReadWriteCloser, error) {
		conn, err := d.Dial(ctx, t)
		if err != nil {
			// Don't let a typed nil escape into the interface
			return nil, err
		}
		return conn, nil
	})
}

func WithMessageOptions(opts ...message.Option) Option {
	return func(e *Executor) { e.buildOpts = append(e.buildOpts, opts...) }
}

func WithTrace(t Trace) Option {
	return func(e *Executor) { e.trace = t }
}

func New(desc request.Descriptor, callback Callback, opts ...Option) *Executor {
	e := &Executor{desc: desc, callback: callback}
	WithDialer(transport.New())(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start returns immediately. Every call runs a new, independent request, and the
// callback fires exactly once for each. Cancelling ctx completes the request with
// failure.Cancelled, unless it's already complete.
func (e *Executor) Start(ctx context.Context) {
	f := &inflight{
		e:      e,
		log:    log.With("url", e.desc.URL().String(), "addr", e.desc.ResolvedAddress().String()),
		state:  Idle,
		events: make(chan event),
		stop:   make(chan struct{}),
	}
	go f.run(ctx)
}

// Do runs one request and waits for its outcome.
func Do(ctx context.Context, desc request.Descriptor, opts ...Option) ([]byte, error) {
	type outcome struct {
		body []byte
		err  error
	}
	done := make(chan outcome, 1)
	New(desc, func(body []byte, err error) { done <- outcome{body, err} }, opts...).Start(ctx)
	o := <-done
	return o.body, o.err
}

type inflight struct {
	e   *Executor
	log telemetry.Logger

	state     State
	conn      io.ReadWriteCloser
	buf       []byte
	completed bool

	events chan event
	// Closed on completion, so goroutines still trying to post give up
	stop chan struct{}
}

func (f *inflight) run(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		f.complete(nil, failure.New(failure.Cancelled, err))
		return
	}

	f.enter(Connecting)

	head, err := message.Build(f.e.desc, f.e.buildOpts...)
	if err != nil {
		f.complete(nil, err)
		return
	}
	target, err := f.e.desc.Target()
	if err != nil {
		f.complete(nil, err)
		return
	}

	go f.connect(ctx, target)

	for !f.completed {
		select {
		case <-ctx.Done():
			f.complete(nil, failure.New(failure.Cancelled, ctx.Err()))
		case ev := <-f.events:
			if err := ctx.Err(); err != nil {
				// Whatever the event, it's most likely fallout from the cancellation
				if c, ok := ev.(connected); ok {
					f.conn = c.conn
				}
				f.complete(nil, failure.New(failure.Cancelled, err))
				break
			}
			f.handle(ev, head)
		}
	}
}

func (f *inflight) handle(ev event, head *message.Head) {
	switch ev := ev.(type) {
	case connected:
		f.conn = ev.conn
		if c, ok := ev.conn.(*transport.Conn); ok && f.e.trace.Connected != nil {
			f.e.trace.Connected(c.Info)
		}

		f.enter(Sending)
		go f.send(f.conn, head)

	case wrote:
		if ev.err != nil {
			f.complete(nil, failure.New(failure.WriteFailed, ev.err))
			return
		}
		if f.e.trace.Wrote != nil {
			f.e.trace.Wrote(int(ev.n))
		}

		f.enter(AwaitingResponse)
		go f.pump(reader.New(f.conn))

	case readable:
		if f.state == AwaitingResponse {
			f.enter(Draining)
		}
		f.buf = append(f.buf, ev.chunk...)
		if f.e.trace.Chunk != nil {
			f.e.trace.Chunk(len(ev.chunk))
		}

	case ended:
		f.log.Debug("Response stream ended", "bytes", ev.total)
		resp, err := parser.Parse(f.buf, head.Method)
		if err != nil {
			f.complete(nil, err)
			return
		}
		if f.e.trace.Response != nil {
			f.e.trace.Response(resp)
		}
		if err := resp.Err(); err != nil {
			f.complete(nil, err)
			return
		}
		f.complete(resp.Body, nil)

	case failed:
		f.complete(nil, ev.err)
	}
}

func (f *inflight) connect(ctx context.Context, target request.Target) {
	conn, err := f.e.dial(ctx, target)
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			err = failure.New(failure.SocketOpenFailed, err)
		}
		f.post(failed{err})
		return
	}
	if !f.post(connected{conn}) {
		// Completed (ie cancelled) while we were dialing
		conn.Close()
	}
}

// send writes the head off the loop goroutine, so a stuck write can't hold off cancellation.
func (f *inflight) send(conn io.Writer, head *message.Head) {
	n, err := head.WriteTo(conn)
	f.post(wrote{n, err})
}

// pump is the only reader of the connection.
func (f *inflight) pump(rd *reader.Reader) {
	for {
		chunk, err := rd.Next()
		if err == io.EOF {
			f.post(ended{rd.Total()})
			return
		}
		if err != nil {
			f.post(failed{err})
			return
		}
		if !f.post(readable{chunk}) {
			return
		}
	}
}

func (f *inflight) post(ev event) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.stop:
		return false
	}
}

func (f *inflight) enter(s State) {
	f.log.Debug("State transition", "from", f.state, "to", s)
	f.state = s
	if f.e.trace.State != nil {
		f.e.trace.State(s)
	}
}

// complete releases the connection and stops all event delivery before the callback runs.
func (f *inflight) complete(body []byte, err error) {
	if f.completed {
		return
	}
	f.completed = true
	close(f.stop)
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.buf = nil

	f.enter(Completed)
	if err != nil {
		f.log.Debug("Request failed", "kind", failure.KindOf(err), "error", err)
	} else {
		f.log.Debug("Request succeeded", "body", len(body))
	}
	f.e.callback(body, err)
}
