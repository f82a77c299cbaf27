package state

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/mt-inside/go-usvc"

	"github.com/mt-inside/http-log/pkg/bios"
	"github.com/mt-inside/http-log/pkg/output"

	"github.com/mt-inside/sni-request/pkg/executor"
	"github.com/mt-inside/sni-request/pkg/failure"
	"github.com/mt-inside/sni-request/pkg/parser"
	"github.com/mt-inside/sni-request/pkg/request"
	"github.com/mt-inside/sni-request/pkg/transport"
)

type PrintOpts struct {
	Tls, TlsFull   bool
	Http, HttpFull bool
	Body, BodyFull bool
	Trace          bool
}

func PrintOptsFromViper() PrintOpts {
	return PrintOpts{
		Tls: true, TlsFull: viper.GetBool("tls-full"),
		Http: true, HttpFull: viper.GetBool("http-full"),
		Body: viper.GetBool("body-print"), BodyFull: viper.GetBool("body-full"),
		Trace: viper.GetBool("trace"),
	}
}

type Transition struct {
	State executor.State
	Time  time.Time
}

/* Everything is recorded from executor trace hooks, which all run on the request's
* event loop. Only read it once the callback has fired.
 */
type ResponseData struct {
	StartTime time.Time

	Transitions []Transition

	Conn *transport.ConnInfo

	BytesWritten int
	Chunks       []int

	Response *parser.Response

	Body         []byte
	Err          error
	CompleteTime time.Time
}

func NewResponseData() *ResponseData {
	return &ResponseData{StartTime: time.Now()}
}

func (rd *ResponseData) Trace() executor.Trace {
	return executor.Trace{
		State: func(s executor.State) {
			rd.Transitions = append(rd.Transitions, Transition{s, time.Now()})
		},
		Connected: func(ci transport.ConnInfo) { rd.Conn = &ci },
		Wrote:     func(n int) { rd.BytesWritten = n },
		Chunk:     func(n int) { rd.Chunks = append(rd.Chunks, n) },
		Response:  func(r *parser.Response) { rd.Response = r },
	}
}

// Complete is an executor.Callback.
func (rd *ResponseData) Complete(body []byte, err error) {
	rd.Body, rd.Err = body, err
	rd.CompleteTime = time.Now()
}

func (rd *ResponseData) BytesRead() int {
	n := 0
	for _, c := range rd.Chunks {
		n += c
	}
	return n
}

func (rd *ResponseData) Print(
	s output.TtyStyler, b bios.Bios,
	requestData *RequestData,
	target request.Target,
	pO PrintOpts,
) {
	b.Banner("Request")
	fmt.Printf("Connecting to %s, as %s\n", s.Addr(target.DialAddr()), s.Addr(target.Identity))
	fmt.Printf("Host %s %s %s\n", s.Addr(target.HostHeader), s.Verb(string(requestData.HttpMethod)), s.Noun(target.RequestURI))
	if requestData.AuthKrb || requestData.AuthBasic != "" || requestData.AuthBearerToken != "" {
		fmt.Printf("\tpresenting credentials: %s\n", s.YesNo(true))
	}

	if pO.Trace {
		b.Banner("Trace")
		for _, t := range rd.Transitions {
			fmt.Printf("+%s %s\n", t.Time.Sub(rd.StartTime).Round(time.Microsecond), s.Noun(t.State.String()))
		}
		fmt.Printf("Wrote %s bytes, read %s in %s chunks\n",
			s.Bright(strconv.Itoa(rd.BytesWritten)),
			s.Bright(strconv.Itoa(rd.BytesRead())),
			s.Bright(strconv.Itoa(len(rd.Chunks))),
		)
	}

	b.Banner("TCP")
	if rd.Conn == nil {
		b.PrintWarn(fmt.Sprintf("No connection to %s", target.DialAddr()))
	} else {
		fmt.Printf("Connected %s -> %s in %s\n",
			s.Addr(rd.Conn.LocalAddr.String()),
			s.Addr(rd.Conn.RemoteAddr.String()),
			rd.Conn.ConnectTime.Sub(rd.Conn.DialTime).Round(time.Microsecond),
		)
	}

	if target.TLS && (pO.Tls || pO.TlsFull) && rd.Conn != nil && rd.Conn.TLS != nil {
		cs := rd.Conn.TLS
		b.Banner("TLS")

		if pO.TlsFull {
			fmt.Print(s.ServingCertChain(cs.PeerCertificates))
		}
		fmt.Printf("%s handshake complete with %s\n",
			s.Noun(tls.VersionName(cs.Version)),
			s.Addr(cs.ServerName),
		)
		fmt.Printf("\tSymmetric cypher suite %s\n", s.Noun(tls.CipherSuiteName(cs.CipherSuite)))
		fmt.Printf("\tALPN proto %s\n", s.OptionalString(cs.NegotiatedProtocol, output.NounStyle))
		fmt.Printf("\tOCSP info stapled to response? %s\n", s.YesNo(len(cs.OCSPResponse) > 0))
		if rd.Response != nil {
			fmt.Printf("\tHSTS? %s\n", s.YesNo(rd.Response.Header.Get("Strict-Transport-Security") != ""))
		}
		fmt.Println()
	}

	if rd.Response != nil && (pO.Http || pO.HttpFull) {
		resp := rd.Response
		b.Banner("HTTP")

		fmt.Printf("%s", s.Noun(resp.Proto))
		if resp.StatusCode < 400 {
			fmt.Printf(" %s", s.Ok(resp.Status))
		} else if resp.StatusCode < 500 {
			fmt.Printf(" %s", s.Warn(resp.Status))
		} else {
			fmt.Printf(" %s", s.Fail(resp.Status))
		}
		fmt.Printf(" from %s", s.OptionalString(resp.Header.Get("server"), output.NounStyle))
		fmt.Println()

		if !pO.HttpFull {
			fmt.Printf("\t%s bytes of %s\n", s.Bright(strconv.Itoa(len(resp.Body))), s.Noun(resp.Header.Get("content-type")))
		} else {
			keys := make([]string, 0, len(resp.Header))
			for k := range resp.Header {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("\t%s = %v\n", s.Addr(k), s.Noun(strings.Join(resp.Header[k], ",")))
			}
		}

		if rl := resp.Ratelimit; rl != nil {
			fmt.Printf("\tRate limit: %s remaining of %s, resets in %s\n",
				s.Bright(strconv.FormatUint(rl.Remain, 10)),
				s.Bright(strconv.FormatUint(rl.Bucket, 10)),
				rl.Reset,
			)
		}
		if cors := resp.CORS; cors != nil {
			fmt.Printf("\tCORS: origin %s, methods %s\n",
				s.OptionalString(cors.Origin, output.AddrStyle),
				s.List(cors.Methods, output.NounStyle),
			)
		}
	}

	b.Banner("Outcome")
	if rd.Err != nil {
		b.PrintWarn(fmt.Sprintf("%s: %v", failure.KindOf(rd.Err), rd.Err))
		return
	}
	fmt.Printf("%s after %s\n", s.Ok("Success"), rd.CompleteTime.Sub(rd.StartTime).Round(time.Microsecond))

	if pO.Body || pO.BodyFull {
		b.Banner("Body")

		bodyLen := len(rd.Body)
		fmt.Printf("%s bytes of body\n", s.Bright(strconv.Itoa(bodyLen)))
		fmt.Printf("Valid utf-8? %s\n", s.YesNo(utf8.Valid(rd.Body)))
		fmt.Println()

		printLen := usvc.MinInt(bodyLen, 72)
		if pO.BodyFull {
			printLen = bodyLen
		}

		fmt.Printf("%v", string(rd.Body[0:printLen])) // assumes utf8
		if bodyLen > printLen {
			fmt.Printf("<%d bytes elided>", bodyLen-printLen)
		}
		if bodyLen > 0 {
			fmt.Println()
		}
	}
}
