package state

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mt-inside/http-log/pkg/bios"
	"github.com/mt-inside/http-log/pkg/codec"

	"github.com/mt-inside/sni-request/pkg/executor"
	"github.com/mt-inside/sni-request/pkg/message"
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/transport"
)

// RequestData is everything the user asked for, except where to send it.
type RequestData struct {
	Timeout time.Duration

	TlsClientPair *tls.Certificate
	TlsServingCAs []*x509.Certificate

	HttpMethod request.Method

	AuthKrb         bool
	AuthBasic       string
	AuthBearerToken string

	Body         []byte
	HasBody      bool
	ExtraHeaders http.Header
}

func RequestDataFromViper(b bios.Bios) *RequestData {
	requestData, err := RequestDataFrom(viper.GetViper())
	b.CheckErr(err)
	return requestData
}

func RequestDataFrom(v *viper.Viper) (*RequestData, error) {
	requestData := &RequestData{
		Timeout:      v.GetDuration("timeout"),
		HttpMethod:   request.Method(strings.ToUpper(v.GetString("method"))),
		AuthKrb:      v.GetBool("auth-kerberos"),
		ExtraHeaders: http.Header{},
	}
	if requestData.HttpMethod == "" {
		requestData.HttpMethod = request.GET
	}

	/* Load TLS material */

	if v.GetString("cert") != "" || v.GetString("key") != "" {
		pair, err := tls.LoadX509KeyPair(v.GetString("cert"), v.GetString("key"))
		if err != nil {
			return nil, fmt.Errorf("loading client cert pair: %w", err)
		}
		requestData.TlsClientPair = &pair
	}

	for _, caPath := range v.GetStringSlice("ca") {
		bytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		ca, err := codec.ParseCertificate(bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing CA %s: %w", caPath, err)
		}
		requestData.TlsServingCAs = append(requestData.TlsServingCAs, ca)
	}

	/* Load other request files */

	if v.GetString("auth-basic") != "" {
		// User is expected to provide bob:password
		requestData.AuthBasic = strings.TrimSpace(v.GetString("auth-basic"))
	}

	if v.GetString("auth-bearer") != "" {
		bytes, err := os.ReadFile(v.GetString("auth-bearer"))
		if err != nil {
			return nil, err
		}
		requestData.AuthBearerToken = strings.TrimSpace(string(bytes))
	}

	/* Request body */
	if v.IsSet("body") {
		requestData.Body = []byte(v.GetString("body"))
		requestData.HasBody = true
	}

	/* Request headers */
	for _, kv := range v.GetStringSlice("req-header") {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid format for --req-header, want key=value: %q", kv)
		}
		requestData.ExtraHeaders.Add(k, val)
	}

	return requestData, nil
}

// Descriptor describes one request of this shape to rawURL, connecting to resolvedAddress.
func (rd *RequestData) Descriptor(rawURL, resolvedAddress string) (request.Descriptor, error) {
	var opts []request.Option
	if rd.HasBody {
		opts = append(opts, request.WithBody(rd.Body))
	}
	for k, vs := range rd.ExtraHeaders {
		for _, v := range vs {
			opts = append(opts, request.WithHeader(k, v))
		}
	}
	return request.New(rawURL, rd.HttpMethod, resolvedAddress, opts...)
}

func (rd *RequestData) DialerOptions() []transport.Option {
	var opts []transport.Option
	if rd.Timeout > 0 {
		opts = append(opts, transport.WithTimeout(rd.Timeout))
	}
	if len(rd.TlsServingCAs) > 0 {
		pool := x509.NewCertPool()
		for _, ca := range rd.TlsServingCAs {
			pool.AddCert(ca)
		}
		opts = append(opts, transport.WithRootCAs(pool))
	}
	if rd.TlsClientPair != nil {
		opts = append(opts, transport.WithClientCertificate(rd.TlsClientPair))
	}
	return opts
}

func (rd *RequestData) MessageOptions() []message.Option {
	var opts []message.Option
	switch {
	case rd.AuthKrb:
		opts = append(opts, message.WithKerberos())
	case rd.AuthBearerToken != "":
		opts = append(opts, message.WithBearerToken(rd.AuthBearerToken))
	case rd.AuthBasic != "":
		opts = append(opts, message.WithBasicAuth(rd.AuthBasic))
	}
	return opts
}

// ExecutorOptions wires the transport and message options into an executor, plus whatever's given.
func (rd *RequestData) ExecutorOptions(extra ...executor.Option) []executor.Option {
	opts := []executor.Option{
		executor.WithDialer(transport.New(rd.DialerOptions()...)),
		executor.WithMessageOptions(rd.MessageOptions()...),
	}
	return append(opts, extra...)
}
