// Package request holds the immutable description of one request: what to ask
// for, who to ask it of, and which address to actually connect to.
package request

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"

	"github.com/mt-inside/sni-request/pkg/failure"
)

type Method string

const (
	GET     Method = http.MethodGet
	POST    Method = http.MethodPost
	PUT     Method = http.MethodPut
	PATCH   Method = http.MethodPatch
	DELETE  Method = http.MethodDelete
	HEAD    Method = http.MethodHead
	OPTIONS Method = http.MethodOptions
)

// Valid reports whether m is an RFC 7230 token. Methods outside the constants above are allowed.
func (m Method) Valid() bool {
	// Same grammar as a header field name
	return httpguts.ValidHeaderFieldName(string(m))
}

// CarriesPayload is true for methods that always declare a Content-Length, even for an absent body.
func (m Method) CarriesPayload() bool {
	switch m {
	case POST, PUT, PATCH:
		return true
	}
	return false
}

// AllowsBody is false for the methods whose requests must not have content.
func (m Method) AllowsBody() bool {
	switch m {
	case GET, HEAD, OPTIONS:
		return false
	}
	return true
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Descriptor is a value type; every accessor hands out copies so a Descriptor can be shared freely.
type Descriptor struct {
	url             url.URL
	method          Method
	resolvedAddress netip.Addr
	body            []byte
	hasBody         bool
	header          http.Header
}

type Option func(*Descriptor)

func WithBody(body []byte) Option {
	return func(d *Descriptor) {
		d.body = append([]byte{}, body...)
		d.hasBody = true
	}
}

// WithHeader adds a request header. Values for the same key accumulate.
func WithHeader(key, value string) Option {
	return func(d *Descriptor) {
		if d.header == nil {
			d.header = http.Header{}
		}
		d.header.Add(key, value)
	}
}

// New validates its inputs. resolvedAddress must be an IP literal; it is never looked up.
func New(rawURL string, method Method, resolvedAddress string, opts ...Option) (Descriptor, error) {
	d := Descriptor{method: method}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Descriptor{}, failure.New(failure.MalformedURL, err)
	}
	if err := checkURL(u); err != nil {
		return Descriptor{}, err
	}
	d.url = *u

	if !method.Valid() {
		return Descriptor{}, failure.Newf(failure.InvalidHeader, "invalid method %q", method)
	}

	addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(resolvedAddress, "["), "]"))
	if err != nil {
		return Descriptor{}, failure.New(failure.InvalidAddress, err)
	}
	d.resolvedAddress = addr

	for _, opt := range opts {
		opt(&d)
	}

	return d, nil
}

func checkURL(u *url.URL) error {
	if !u.IsAbs() || u.Opaque != "" {
		return failure.Newf(failure.MalformedURL, "not an absolute hierarchical URL: %s", u)
	}
	if _, ok := defaultPorts[u.Scheme]; !ok {
		return failure.Newf(failure.MalformedURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return failure.New(failure.MalformedURL, url.InvalidHostError("empty host"))
	}
	if _, err := asciiHost(u.Hostname()); err != nil {
		return failure.New(failure.MalformedURL, err)
	}
	return nil
}

// asciiHost punycodes internationalised names. ASCII names pass through untouched, as
// httpguts.PunycodeHostPort does: the lookup profile would refuse names that are fine on
// the wire, like underscores and "r3---sn-abc" labels.
func asciiHost(host string) (string, error) {
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	for i := 0; i < len(host); i++ {
		if host[i] >= utf8.RuneSelf {
			return idna.Lookup.ToASCII(host)
		}
	}
	return strings.ToLower(host), nil
}

func (d Descriptor) URL() *url.URL {
	u := d.url
	if d.url.User != nil {
		user := *d.url.User
		u.User = &user
	}
	return &u
}

func (d Descriptor) Method() Method {
	return d.method
}

func (d Descriptor) ResolvedAddress() netip.Addr {
	return d.resolvedAddress
}

// Body returns a copy of the body, and whether one was given at all.
func (d Descriptor) Body() ([]byte, bool) {
	if !d.hasBody {
		return nil, false
	}
	return append([]byte{}, d.body...), true
}

func (d Descriptor) Header() http.Header {
	if d.header == nil {
		return http.Header{}
	}
	return d.header.Clone()
}

// Target is the effective target of a Descriptor. Dial address and identity are independent.
type Target struct {
	DialAddress netip.Addr
	Port        string

	// ASCII hostname, used for SNI and certificate verification
	Identity string
	// Identity, plus the port if it's not the scheme's default
	HostHeader string

	// path?query, never the fragment
	RequestURI string
	TLS        bool
}

// DialAddr is the ip:port to connect to.
func (t Target) DialAddr() string {
	return net.JoinHostPort(t.DialAddress.String(), t.Port)
}

// Target fails only for a zero Descriptor, ie one not made by New.
func (d Descriptor) Target() (Target, error) {
	if !d.resolvedAddress.IsValid() {
		return Target{}, failure.New(failure.InvalidAddress, errors.New("no resolved address"))
	}
	if err := checkURL(&d.url); err != nil {
		return Target{}, err
	}

	identity, _ := asciiHost(d.url.Hostname())
	defaultPort := defaultPorts[d.url.Scheme]

	t := Target{
		DialAddress: d.resolvedAddress,
		Port:        defaultPort,
		Identity:    identity,
		HostHeader:  identity,
		RequestURI:  d.url.RequestURI(),
		TLS:         d.url.Scheme == "https",
	}

	// https://www.rfc-editor.org/rfc/rfc7230#section-5.4
	if port := d.url.Port(); port != "" {
		t.Port = port
		if port != defaultPort {
			t.HostHeader = net.JoinHostPort(identity, port)
		}
	}
	if t.HostHeader == identity && strings.Contains(identity, ":") {
		t.HostHeader = "[" + identity + "]"
	}

	return t, nil
}
