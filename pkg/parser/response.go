// Package parser turns the bytes accumulated from one response stream into a Response.
package parser

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/sni-request/pkg/failure"
)

var log = scope.Register("parser", "HTTP response parsing")

type Response struct {
	Proto      string
	StatusCode int    // stdlib has no special type for this
	Status     string // eg "404 Not Found"
	Header     http.Header
	Body       []byte

	Ratelimit *HttpRatelimit
	CORS      *HttpCORS
}

// Err is the HTTPError for statuses of 400 and above, nil otherwise.
func (r *Response) Err() error {
	if r.StatusCode >= 400 {
		return failure.HTTP(r.StatusCode)
	}
	return nil
}

// Parse reads exactly one response from raw. method is the request's, which decides
// whether a body is expected at all (HEAD). raw is not modified, so parsing the same
// buffer again gives an equal Response.
func Parse(raw []byte, method string) (*Response, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	req := &http.Request{Method: method}

	resp, err := http.ReadResponse(br, req)
	// Skip interim responses; 101 is final as far as we're concerned
	for err == nil && resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
		log.Debug("Skipping interim response", "status", resp.Status)
		resp, err = http.ReadResponse(br, req)
	}
	if err != nil {
		return nil, failure.New(failure.IncompleteResponse, err)
	}
	defer resp.Body.Close()

	// Content-Length, chunked, and read-until-close are all handled by the stdlib
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.New(failure.IncompleteResponse, err)
	}

	r := &Response{
		Proto:      resp.Proto,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       body,
		Ratelimit:  Ratelimit(resp.Header),
		CORS:       CORS(resp.Header),
	}
	log.Debug("Parsed response", "status", r.StatusCode, "headers", len(r.Header), "body", len(r.Body))

	return r, nil
}
