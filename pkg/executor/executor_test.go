package executor

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/transport"
)

// fakeConn replays its reads one per Read call, then EOF. Once closed, reads fail.
type fakeConn struct {
	mu       sync.Mutex
	reads    []string
	readErr  error
	writeErr error
	written  bytes.Buffer
	closed   bool

	// Closed by Close. Reads and/or writes block on it until then.
	hang       chan struct{}
	hangReads  bool
	hangWrites bool
}

func newHangingConn(reads, writes bool) *fakeConn {
	return &fakeConn{hang: make(chan struct{}), hangReads: reads, hangWrites: writes}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.hangReads {
		<-c.hang
		return 0, net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.reads) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, c.reads[0])
	c.reads = c.reads[1:]
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.hangWrites {
		<-c.hang
		return 0, net.ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.hang != nil {
		close(c.hang)
	}
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type recorder struct {
	mu      sync.Mutex
	calls   int
	body    []byte
	err     error
	done    chan struct{}
	states  []State
	chunks  []int
	targets []request.Target
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) callback(body []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.body, r.err = body, err
	if r.calls == 1 {
		close(r.done)
	}
}

func (r *recorder) trace() Trace {
	return Trace{
		State: func(s State) { r.states = append(r.states, s) },
		Chunk: func(n int) { r.chunks = append(r.chunks, n) },
	}
}

func (r *recorder) dialTo(conn io.ReadWriteCloser, err error) DialFunc {
	return func(ctx context.Context, t request.Target) (io.ReadWriteCloser, error) {
		r.mu.Lock()
		r.targets = append(r.targets, t)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
	// Nothing should come after the first
	require.Never(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.calls > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func mustDescriptor(t *testing.T, url string, method request.Method, addr string, opts ...request.Option) request.Descriptor {
	t.Helper()
	d, err := request.New(url, method, addr, opts...)
	require.NoError(t, err)
	return d
}

func TestPostToResolvedAddress(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{reads: []string{"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"}}
	d := mustDescriptor(t, "https://example.test/api", request.POST, "203.0.113.5", request.WithBody([]byte(`{"a":1}`)))

	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil))).Start(context.Background())
	rec.wait(t)

	require.NoError(t, rec.err)
	require.Equal(t, "ok", string(rec.body))

	require.Len(t, rec.targets, 1)
	require.Equal(t, "203.0.113.5:443", rec.targets[0].DialAddr())
	require.Equal(t, "example.test", rec.targets[0].Identity)
	require.True(t, rec.targets[0].TLS)

	sent := conn.written.String()
	require.Contains(t, sent, "POST /api HTTP/1.1\r\n")
	require.Contains(t, sent, "\r\nHost: example.test\r\n")
	require.Contains(t, sent, "\r\nContent-Length: 7\r\n")
	require.NotContains(t, sent, "203.0.113.5")
	require.True(t, conn.isClosed())
}

func TestConnectFails(t *testing.T) {
	rec := newRecorder()
	d := mustDescriptor(t, "https://example.test/api", request.GET, "203.0.113.5")
	dialErr := failure.New(failure.SocketOpenFailed, errors.New("no route to host"))

	New(d, rec.callback, WithDialFunc(rec.dialTo(nil, dialErr)), WithTrace(rec.trace())).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrSocketOpenFailed)
	require.Nil(t, rec.body)
	require.Empty(t, rec.chunks)
	require.Equal(t, []State{Connecting, Completed}, rec.states)
}

func TestUntypedDialErrorIsSocketOpenFailed(t *testing.T) {
	rec := newRecorder()
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	New(d, rec.callback, WithDialFunc(rec.dialTo(nil, errors.New("boom")))).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrSocketOpenFailed)
}

func TestServerError(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{reads: []string{"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"}}
	d := mustDescriptor(t, "https://example.test/missing", request.GET, "203.0.113.5")

	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil))).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.HTTP(404))
	require.Equal(t, 404, failure.StatusCode(rec.err))
	require.Nil(t, rec.body)
}

func TestBodyAcrossNotifications(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{reads: []string{
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n",
		"he",
		"ll",
		"o",
	}}
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil)), WithTrace(rec.trace())).Start(context.Background())
	rec.wait(t)

	require.NoError(t, rec.err)
	require.Equal(t, "hello", string(rec.body))
	require.Equal(t, []int{len("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"), 2, 2, 1}, rec.chunks)
	require.Equal(t, []State{Connecting, Sending, AwaitingResponse, Draining, Completed}, rec.states)
}

func TestBuildFailureNeverDials(t *testing.T) {
	rec := newRecorder()
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5", request.WithBody([]byte("nope")))

	New(d, rec.callback, WithDialFunc(rec.dialTo(&fakeConn{}, nil))).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrInvalidBody)
	require.Empty(t, rec.targets)
}

func TestReadFailureDiscardsPartialBody(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{
		reads:   []string{"HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"},
		readErr: errors.New("connection reset by peer"),
	}
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil))).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrReadFailed)
	require.Nil(t, rec.body)
	require.True(t, conn.isClosed())
}

func TestIncompleteResponse(t *testing.T) {
	for name, raw := range map[string][]string{
		"nothing":    nil,
		"garbage":    {"SSH-2.0-OpenSSH_9.0\r\n"},
		"short body": {"HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nabc"},
	} {
		raw := raw
		t.Run(name, func(t *testing.T) {
			rec := newRecorder()
			d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

			New(d, rec.callback, WithDialFunc(rec.dialTo(&fakeConn{reads: raw}, nil))).Start(context.Background())
			rec.wait(t)

			require.ErrorIs(t, rec.err, failure.ErrIncompleteResponse)
			require.Nil(t, rec.body)
		})
	}
}

func TestCancelWhileDialing(t *testing.T) {
	rec := newRecorder()
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")
	late := &fakeConn{}
	dialing := make(chan struct{})
	dial := func(ctx context.Context, t request.Target) (io.ReadWriteCloser, error) {
		close(dialing)
		<-ctx.Done()
		// Pretend the connection raced the cancellation
		return late, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	New(d, rec.callback, WithDialFunc(dial)).Start(ctx)
	<-dialing
	cancel()
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrCancelled)
	require.ErrorIs(t, rec.err, context.Canceled)
	require.Eventually(t, late.isClosed, time.Second, 5*time.Millisecond)
}

func TestCancelWhileWriting(t *testing.T) {
	rec := newRecorder()
	conn := newHangingConn(false, true)
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	ctx, cancel := context.WithCancel(context.Background())
	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil)), WithTrace(rec.trace())).Start(ctx)
	// Give the write time to get stuck
	time.Sleep(50 * time.Millisecond)
	cancel()
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrCancelled)
	require.True(t, conn.isClosed())
	require.Equal(t, []State{Connecting, Sending, Completed}, rec.states)
}

func TestWriteFailure(t *testing.T) {
	rec := newRecorder()
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil)), WithTrace(rec.trace())).Start(context.Background())
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrWriteFailed)
	require.Equal(t, failure.WriteFailed, failure.KindOf(rec.err))
	require.Nil(t, rec.body)
	require.Empty(t, rec.chunks)
	require.True(t, conn.isClosed())
	require.Equal(t, []State{Connecting, Sending, Completed}, rec.states)
}

func TestCancelWhileReading(t *testing.T) {
	rec := newRecorder()
	conn := newHangingConn(true, false)
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	ctx, cancel := context.WithCancel(context.Background())
	New(d, rec.callback, WithDialFunc(rec.dialTo(conn, nil)), WithTrace(rec.trace())).Start(ctx)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.written.Len() > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrCancelled)
	require.True(t, conn.isClosed())
}

func TestAlreadyCancelled(t *testing.T) {
	rec := newRecorder()
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	New(d, rec.callback, WithDialFunc(rec.dialTo(&fakeConn{}, nil))).Start(ctx)
	rec.wait(t)

	require.ErrorIs(t, rec.err, failure.ErrCancelled)
	require.Empty(t, rec.targets)
}

func TestStartsAreIndependent(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, t request.Target) (io.ReadWriteCloser, error) {
		n := dials.Add(1)
		body := fmt.Sprintf("req%d", n)
		return &fakeConn{reads: []string{fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)}}, nil
	}

	bodies := make(chan string, 2)
	d := mustDescriptor(t, "https://example.test/", request.GET, "203.0.113.5")
	e := New(d, func(body []byte, err error) {
		require.NoError(t, err)
		bodies <- string(body)
	}, WithDialFunc(dial))

	e.Start(context.Background())
	e.Start(context.Background())

	got := map[string]bool{<-bodies: true, <-bodies: true}
	require.Equal(t, map[string]bool{"req1": true, "req2": true}, got)
}

func TestDoOverRealTLS(t *testing.T) {
	seen := make(chan [2]string, 1)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- [2]string{r.Host, r.TLS.ServerName}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s", r.Method, body)
	}))
	ts.Config.ErrorLog = stdlog.New(io.Discard, "", 0)
	ts.StartTLS()
	defer ts.Close()

	_, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())

	// httptest's certificate is valid for example.com, which doesn't need to resolve anywhere
	d := mustDescriptor(t, "https://example.com:"+port+"/echo", request.PUT, "127.0.0.1", request.WithBody([]byte("hi")))

	var info transport.ConnInfo
	body, err := Do(context.Background(), d,
		WithDialer(transport.New(transport.WithRootCAs(roots), transport.WithTimeout(5*time.Second))),
		WithTrace(Trace{Connected: func(ci transport.ConnInfo) { info = ci }}),
	)
	require.NoError(t, err)
	require.Equal(t, "PUT hi", string(body))
	got := <-seen
	require.Equal(t, "example.com:"+port, got[0])
	require.Equal(t, "example.com", got[1])
	require.NotNil(t, info.TLS)
	require.Equal(t, ts.Listener.Addr().String(), info.RemoteAddr.String())
}

func TestDoHandshakeFailure(t *testing.T) {
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Config.ErrorLog = stdlog.New(io.Discard, "", 0)
	ts.StartTLS()
	defer ts.Close()

	_, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(ts.Certificate())

	d := mustDescriptor(t, "https://not-in-the-cert.test:"+port+"/", request.GET, "127.0.0.1")
	_, err = Do(context.Background(), d, WithDialer(transport.New(transport.WithRootCAs(roots))))
	require.ErrorIs(t, err, failure.ErrHandshakeFailed)
}
