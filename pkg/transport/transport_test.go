package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/request"
)

// httptest's certificate is valid for example.com, 127.0.0.1 and ::1
const certName = "example.com"

func tlsServer(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()

	snis := make(chan string, 8)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Host)
	}))
	ts.TLS = &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			snis <- hello.ServerName
			return nil, nil
		},
	}
	ts.Config.ErrorLog = stdlog.New(io.Discard, "", 0)
	ts.StartTLS()
	t.Cleanup(ts.Close)

	return ts, snis
}

func roots(ts *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	return pool
}

func targetFor(t *testing.T, ts *httptest.Server, identity string, tls bool) request.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	return request.Target{
		DialAddress: netip.MustParseAddr(host),
		Port:        port,
		Identity:    identity,
		HostHeader:  identity,
		RequestURI:  "/",
		TLS:         tls,
	}
}

func TestDialPresentsIdentityAsSNI(t *testing.T) {
	ts, snis := tlsServer(t)

	d := New(WithRootCAs(roots(ts)), WithTimeout(5*time.Second))
	conn, err := d.Dial(context.Background(), targetFor(t, ts, certName, true))
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, certName, <-snis)
	require.NotNil(t, conn.Info.TLS)
	require.Equal(t, certName, conn.Info.TLS.ServerName)
	require.Equal(t, ts.Listener.Addr().String(), conn.Info.RemoteAddr.String())
	require.Equal(t, "http/1.1", conn.Info.TLS.NegotiatedProtocol)
	require.False(t, conn.Info.HandshakeTime.Before(conn.Info.ConnectTime))
}

func TestDialNeverResolvesIdentity(t *testing.T) {
	ts, _ := tlsServer(t)

	// A name that can't resolve anywhere; only works if it's purely used for TLS
	target := targetFor(t, ts, "sni-request.invalid", true)
	d := New(WithRootCAs(roots(ts)))
	_, err := d.Dial(context.Background(), target)

	// The cert isn't valid for that name, so the handshake (not the dial) is what fails
	require.ErrorIs(t, err, failure.ErrHandshakeFailed)
}

func TestDialVerifiesAgainstIdentity(t *testing.T) {
	ts, snis := tlsServer(t)

	d := New(WithRootCAs(roots(ts)))
	_, err := d.Dial(context.Background(), targetFor(t, ts, "other.test", true))
	require.ErrorIs(t, err, failure.ErrHandshakeFailed)
	require.Equal(t, "other.test", <-snis)
}

func TestDialUntrustedChain(t *testing.T) {
	ts, _ := tlsServer(t)

	d := New(WithRootCAs(x509.NewCertPool()))
	_, err := d.Dial(context.Background(), targetFor(t, ts, certName, true))
	require.ErrorIs(t, err, failure.ErrHandshakeFailed)
}

func TestDialRejectsUnusableIdentity(t *testing.T) {
	ts, _ := tlsServer(t)
	d := New(WithRootCAs(roots(ts)))

	for _, identity := range []string{"", "127.0.0.1", "example.com:443", "::1"} {
		_, err := d.Dial(context.Background(), targetFor(t, ts, identity, true))
		require.ErrorIs(t, err, failure.ErrPropertyRejected, identity)
	}
}

func TestDialRejectsIncompleteClientPair(t *testing.T) {
	ts, _ := tlsServer(t)
	d := New(WithRootCAs(roots(ts)), WithClientCertificate(&tls.Certificate{}))

	_, err := d.Dial(context.Background(), targetFor(t, ts, certName, true))
	require.ErrorIs(t, err, failure.ErrPropertyRejected)
}

func TestDialRefused(t *testing.T) {
	// Grab a free port, then close it so nothing's listening
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	l.Close()

	d := New(WithTimeout(2 * time.Second))
	_, err = d.Dial(context.Background(), request.Target{
		DialAddress: netip.MustParseAddr(host),
		Port:        port,
		Identity:    certName,
		TLS:         true,
	})
	require.ErrorIs(t, err, failure.ErrSocketOpenFailed)
}

func TestDialPlaintext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	d := New()
	conn, err := d.Dial(context.Background(), targetFor(t, ts, "anything.test", false))
	require.NoError(t, err)
	defer conn.Close()
	require.Nil(t, conn.Info.TLS)
}

func TestDialerCannotResolve(t *testing.T) {
	_, err := noResolver.LookupHost(context.Background(), "example.com")
	require.Error(t, err)
}
