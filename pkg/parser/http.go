package parser

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HttpRatelimitPolicy struct {
	Bucket uint64
	Window time.Duration
}

type HttpRatelimit struct {
	Bucket   uint64
	Remain   uint64
	Reset    time.Duration
	Policies []HttpRatelimitPolicy
}

type HttpCORS struct {
	Origin        string
	Methods       []string
	Headers       []string
	ExposeHeaders []string
	MaxAge        int64
	Credentials   bool
}

/* These headers are draft standard [https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/]
* The draft has versions 0-7. We understand the two formats seen in the wild:
* - draft 3, which is what Envoy emits
* - draft 7
 */
func Ratelimit(hs http.Header) *HttpRatelimit {
	/* Note on the log levels:
	 * - nothing is an Error, cause we can gracefully recover
	 * - Info for parse errors, cause either we don't code that case yet, or the origin is buggy
	 * - Debug for algo trace
	 */

	if limitH := hs.Get("x-ratelimit-limit"); limitH != "" {
		return parseDraft03(hs)
	} else if limitH := firstOf(hs, "ratelimit", "x-ratelimit"); limitH != "" {
		return parseDraft07(hs)
	} else {
		log.Debug("No ratelimit header")
		return nil
	}
}

func firstOf(hs http.Header, names ...string) string {
	for _, name := range names {
		if v := hs.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func parseDraft03(hs http.Header) *HttpRatelimit {

	/* Format
	 * ratelimit-limit: 42, 69;w=1, 101;w=3600 (first expiring bucket, then policies)
	 * ratelimit-remaining: 3
	 * ratelimit-reset: 11 (seconds)
	 */

	// REQUIRED
	limitH := hs.Get("x-ratelimit-limit")

	policies := strings.Split(limitH, ",")
	log.Debug("Found ratelimit policies", "count", len(policies)-1)
	expiring, err := strconv.Atoi(strings.TrimSpace(policies[0]))
	if err != nil {
		log.Info("x-ratelimit-limit's expiring-limit doesn't parse", "error", err)
		return nil
	}

	// RECOMMENDED
	remain, err := strconv.Atoi(hs.Get("x-ratelimit-remaining"))
	if err != nil {
		log.Info("can't parse ratelimit remaining", "error", err)
	}

	// REQUIRED
	resetN, err := strconv.Atoi(hs.Get("x-ratelimit-reset"))
	if err != nil {
		log.Info("can't parse ratelimit reset duration", "error", err)
	}

	r := &HttpRatelimit{
		Bucket: uint64(expiring),
		Remain: uint64(remain),
		Reset:  time.Duration(resetN) * time.Second,
	}

	r.Policies, err = parsePolicies(policies[1:])
	if err != nil {
		log.Info("unknown x-ratelimit-limit format", "error", err)
		return nil
	}

	return r
}

func parseDraft07(hs http.Header) *HttpRatelimit {
	/* Format
	 * ratelimit: limit=42, remaining=3, reset=11 (seconds)
	 * ratelimit-policy: 69;w=1, 101;w=3600
	 */

	r := &HttpRatelimit{}

	for _, item := range strings.Split(firstOf(hs, "ratelimit", "x-ratelimit"), ",") {
		k, v, found := strings.Cut(strings.TrimSpace(item), "=")
		if !found {
			log.Info("unknown ratelimit format", "error", fmt.Errorf("expecting item to have form foo=bar, got %q", item))
			return nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Info("can't parse ratelimit item", "key", k, "error", err)
			return nil
		}
		switch k {
		case "limit":
			r.Bucket = n
		case "remaining":
			r.Remain = n
		case "reset":
			r.Reset = time.Duration(n) * time.Second
		default:
			log.Debug("Unhandled ratelimit item", "item", item)
		}
	}

	if policyH := firstOf(hs, "ratelimit-policy", "x-ratelimit-policy"); policyH != "" {
		var err error
		r.Policies, err = parsePolicies(strings.Split(policyH, ","))
		if err != nil {
			log.Info("unknown ratelimit-policy format", "error", err)
			return nil
		}
	}

	return r
}

// parsePolicies parses items like "69;w=1"
func parsePolicies(items []string) ([]HttpRatelimitPolicy, error) {
	var ps []HttpRatelimitPolicy

	for _, item := range items {
		sections := strings.Split(strings.TrimSpace(item), ";")
		log.Debug("Parsed policy", "sections", len(sections))

		bucket, err := strconv.Atoi(sections[0])
		if err != nil {
			return nil, fmt.Errorf("can't parse ratelimit bucket size: %w", err)
		}

		policy := HttpRatelimitPolicy{Bucket: uint64(bucket)}

		for _, section := range sections[1:] {
			k, v, found := strings.Cut(section, "=")
			if !found {
				return nil, fmt.Errorf("expecting policy section to have form foo=bar, got %q", section)
			}
			switch k {
			// MANDATORY
			case "w":
				window, err := strconv.Atoi(v)
				if err != nil {
					log.Info("can't parse ratelimit window", "error", err)
				} else {
					policy.Window = time.Duration(window) * time.Second
				}
			default:
				log.Debug("Unhandled policy statement", "statement", section)
			}
		}

		ps = append(ps, policy)
	}

	return ps, nil
}

func CORS(hs http.Header) *HttpCORS {
	if origin := hs.Get("access-control-allow-origin"); origin != "" {
		cors := &HttpCORS{
			Origin: origin,
			MaxAge: 5, // default
		}

		if methods := hs.Values("access-control-allow-methods"); len(methods) != 0 {
			cors.Methods = methods
		}

		if headers := hs.Values("access-control-allow-headers"); len(headers) != 0 {
			cors.Headers = headers
		}

		if exposeHeaders := hs.Values("access-control-expose-headers"); len(exposeHeaders) != 0 {
			cors.ExposeHeaders = exposeHeaders
		}

		if maxAge := hs.Get("access-control-max-age"); maxAge != "" {
			if n, err := strconv.ParseInt(maxAge, 10, 64); err == nil {
				cors.MaxAge = n
			}
		}

		if creds := hs.Get("access-control-allow-credentials"); creds != "" {
			if b, err := strconv.ParseBool(creds); err == nil {
				cors.Credentials = b
			}
		}

		return cors
	}

	return nil
}
