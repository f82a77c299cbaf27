// Package message serialises a request.Descriptor into an HTTP/1.1 request head and body.
// The Host header is always the URL's host, whatever address is dialed.
package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"

	"github.com/MarshallWace/go-spnego"
	"github.com/tetratelabs/telemetry/scope"
	"golang.org/x/net/http/httpguts"

	"github.com/mt-inside/sni-request/internal/build"
	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/request"
)

var log = scope.Register("message", "HTTP request head construction")

type Field struct {
	Name  string
	Value string
}

// Head is a fully-formed request. Fields are written in order, Host first.
type Head struct {
	Method     string
	RequestURI string
	Fields     []Field
	Body       []byte
}

// Get returns the first value of the named field, matched case-insensitively.
func (h *Head) Get(name string) string {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.Fields {
		if textproto.CanonicalMIMEHeaderKey(f.Name) == name {
			return f.Value
		}
	}
	return ""
}

// WriteTo writes the request line, the fields, the blank line, then the body.
//
//	POST /api HTTP/1.1\r\n
//	Host: example.test\r\n
//	Content-Length: 8\r\n
//	\r\n
//	{"a":1}
func (h *Head) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.Bytes())
	return int64(n), err
}

func (h *Head) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteString(h.Method)
	buf.WriteByte(' ')
	buf.WriteString(h.RequestURI)
	buf.WriteString(" HTTP/1.1\r\n")
	for _, f := range h.Fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(h.Body)

	return buf.Bytes()
}

type options struct {
	userAgent string
	authz     func(host string) (string, error)
}

type Option func(*options)

func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

func WithBearerToken(token string) Option {
	return func(o *options) {
		o.authz = func(string) (string, error) { return "Bearer " + token, nil }
	}
}

// WithBasicAuth takes "user:password".
func WithBasicAuth(userPass string) Option {
	return func(o *options) {
		o.authz = func(string) (string, error) {
			return "Basic " + base64.StdEncoding.EncodeToString([]byte(userPass)), nil
		}
	}
}

// WithKerberos negotiates a SPNEGO token for the original host, not the dialed address.
func WithKerberos() Option {
	return func(o *options) {
		o.authz = func(host string) (string, error) {
			// The provider only knows how to decorate an http.Request
			req, err := http.NewRequest(http.MethodGet, "https://"+host+"/", nil)
			if err != nil {
				return "", err
			}
			// NoCanonicalize: the name we have is the one the SPN is registered under
			if err := spnego.New().SetSPNEGOHeader(req, false); err != nil {
				return "", err
			}
			return req.Header.Get("Authorization"), nil
		}
	}
}

// Managed fields; callers may not supply them.
var reserved = map[string]failure.Kind{
	"Host":              failure.InvalidHeader,
	"Connection":        failure.InvalidHeader,
	"Transfer-Encoding": failure.InvalidBody,
}

func Build(d request.Descriptor, opts ...Option) (*Head, error) {
	o := &options{userAgent: build.UserAgent()}
	for _, opt := range opts {
		opt(o)
	}

	target, err := d.Target()
	if err != nil {
		return nil, err
	}

	method := d.Method()
	body, hasBody := d.Body()
	if hasBody && !method.AllowsBody() {
		return nil, failure.Newf(failure.InvalidBody, "%s requests can't carry a body", method)
	}

	extra := d.Header()
	for name, values := range extra {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, failure.Newf(failure.InvalidHeader, "invalid header name %q", name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, failure.Newf(failure.InvalidHeader, "invalid value for header %s", name)
			}
		}
		if kind, found := reserved[textproto.CanonicalMIMEHeaderKey(name)]; found {
			return nil, failure.Newf(kind, "header %s is managed by the request builder", name)
		}
	}

	// A caller-supplied length must agree with the body; ours replaces it
	if cls := extra.Values("Content-Length"); len(cls) > 0 {
		for _, cl := range cls {
			n, err := strconv.ParseInt(textproto.TrimString(cl), 10, 64)
			if err != nil || n != int64(len(body)) {
				return nil, failure.Newf(failure.InvalidBody, "declared Content-Length %q doesn't match body of %d bytes", cl, len(body))
			}
		}
		extra.Del("Content-Length")
	}

	if !httpguts.ValidHostHeader(target.HostHeader) {
		return nil, failure.Newf(failure.MalformedURL, "host %q isn't a valid Host header", target.HostHeader)
	}

	h := &Head{
		Method:     string(method),
		RequestURI: target.RequestURI,
		Body:       body,
	}
	add := func(name, value string) { h.Fields = append(h.Fields, Field{name, value}) }

	add("Host", target.HostHeader)
	if extra.Get("User-Agent") == "" {
		add("User-Agent", o.userAgent)
	}
	if extra.Get("Accept") == "" {
		add("Accept", "*/*")
	}
	add("Connection", "close")
	if hasBody || method.CarriesPayload() {
		add("Content-Length", strconv.Itoa(len(body)))
	}
	if o.authz != nil && extra.Get("Authorization") == "" {
		v, err := o.authz(target.Identity)
		if err != nil {
			return nil, failure.Newf(failure.InvalidHeader, "building Authorization: %w", err)
		}
		add("Authorization", v)
	}

	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range extra[name] {
			add(name, v)
		}
	}

	log.Debug("Built request head", "method", h.Method, "uri", h.RequestURI, "host", target.HostHeader, "fields", len(h.Fields), "body", len(body))

	return h, nil
}

func (h *Head) String() string {
	return fmt.Sprintf("%s %s (%d fields, %d byte body)", h.Method, h.RequestURI, len(h.Fields), len(h.Body))
}
