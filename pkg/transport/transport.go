// Package transport opens single-use connections to an explicit IP address while
// presenting, and verifying the server against, a separately-given hostname.
//
// Go's TLS client takes ServerName as both the SNI value and the name the
// certificate chain is verified against, independent of the address dialed.
// Dialing the IP ourselves and wrapping the socket with tls.Client is therefore
// enough to decouple "where to connect" from "who to authenticate".
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/utils"
)

var log = scope.Register("transport", "TCP dialing and TLS handshakes")

var errNoResolution = errors.New("name resolution is disabled; dial addresses must be IP literals")

// noResolver fails every lookup, so a hostname can never sneak into a dial
var noResolver = &net.Resolver{
	PreferGo: true,
	Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errNoResolution
	},
}

type ConnInfo struct {
	DialTime    time.Time
	ConnectTime time.Time
	LocalAddr   net.Addr
	RemoteAddr  net.Addr

	// nil for plaintext connections
	TLS           *tls.ConnectionState
	HandshakeTime time.Time
}

// Conn is one connection, good for one request/response exchange.
type Conn struct {
	net.Conn
	Info ConnInfo
}

type Dialer struct {
	timeout    time.Duration
	rootCAs    *x509.CertPool
	clientPair *tls.Certificate
}

type Option func(*Dialer)

// WithTimeout bounds the TCP connect plus TLS handshake, and separately the exchange that follows.
func WithTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.timeout = d }
}

// WithRootCAs replaces the system roots.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(dl *Dialer) { dl.rootCAs = pool }
}

func WithClientCertificate(pair *tls.Certificate) Option {
	return func(dl *Dialer) { dl.clientPair = pair }
}

func New(opts ...Option) *Dialer {
	d := &Dialer{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial connects to t's dial address. For TLS targets it then handshakes, sending
// t.Identity as SNI and requiring the server's certificate to be valid for it.
func (d *Dialer) Dial(ctx context.Context, t request.Target) (*Conn, error) {
	if !t.DialAddress.IsValid() {
		return nil, failure.New(failure.InvalidAddress, errors.New("no dial address"))
	}

	// Build the TLS config first: a rejected identity must never get as far as opening a socket
	var tlsConfig *tls.Config
	if t.TLS {
		var err error
		tlsConfig, err = d.tlsConfig(t.Identity)
		if err != nil {
			return nil, err
		}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	info := ConnInfo{}
	dialer := &net.Dialer{
		Resolver:  noResolver,
		KeepAlive: -1, // single exchange, nothing to keep alive
		// Note: happens "after creating the network connection but before actually dialing."
		Control: func(network, address string, rawConn syscall.RawConn) error {
			info.DialTime = time.Now()
			log.Debug("Dialing", "net", network, "addr", address)
			return nil
		},
	}
	raw, err := dialer.DialContext(ctx, "tcp", t.DialAddr())
	if err != nil {
		return nil, failure.New(failure.SocketOpenFailed, err)
	}
	info.ConnectTime = time.Now()
	info.LocalAddr = raw.LocalAddr()
	info.RemoteAddr = raw.RemoteAddr()
	log.Debug("Connected", "to", raw.RemoteAddr(), "from", raw.LocalAddr())

	if !t.TLS {
		d.setDeadline(raw)
		return &Conn{Conn: raw, Info: info}, nil
	}

	tc := tls.Client(raw, tlsConfig)
	if err := tc.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, failure.New(failure.HandshakeFailed, err)
	}
	info.HandshakeTime = time.Now()
	cs := tc.ConnectionState()
	info.TLS = &cs
	log.Debug("TLS handshake complete", "sni", cs.ServerName, "version", tls.VersionName(cs.Version), "alpn", cs.NegotiatedProtocol)

	d.setDeadline(tc)
	return &Conn{Conn: tc, Info: info}, nil
}

func (d *Dialer) setDeadline(c net.Conn) {
	if d.timeout > 0 {
		c.SetDeadline(time.Now().Add(d.timeout))
	}
}

func (d *Dialer) tlsConfig(identity string) (*tls.Config, error) {
	if !utils.ServerNameConformant(identity) {
		return nil, failure.Newf(failure.PropertyRejected, "%q can't be used as a TLS ServerName", identity)
	}

	cfg := &tls.Config{
		ServerName:    identity, // SNI for TLS vhosting, and the name the chain is verified against
		RootCAs:       d.rootCAs,
		MinVersion:    tls.VersionTLS12,
		NextProtos:    []string{"http/1.1"},
		Renegotiation: tls.RenegotiateOnceAsClient,
		VerifyConnection: func(cs tls.ConnectionState) error {
			log.Debug("TLS: all cert verification finished", "servername", cs.ServerName, "certs", len(cs.PeerCertificates))
			if cs.ServerName != identity {
				return fmt.Errorf("handshake used ServerName %q, wanted %q", cs.ServerName, identity)
			}
			return nil
		},
	}

	if d.clientPair != nil {
		if len(d.clientPair.Certificate) == 0 || d.clientPair.PrivateKey == nil {
			return nil, failure.Newf(failure.PropertyRejected, "client certificate pair is incomplete")
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			log.Debug("TLS: Asked for a client certificate")
			return d.clientPair, nil
		}
	}

	return cfg, nil
}
