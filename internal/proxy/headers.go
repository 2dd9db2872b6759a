package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderForwardedBy = "X-Forwarded-By"
	HeaderServiceName = "X-Service-Name"
	HeaderTime        = "X-Highstation-Time"
	HeaderSignature   = "X-Highstation-Signature"

	forwardedBy = "highstation-gatekeeper"
)

// allowedRequestHeaders is the complete set of caller headers that reach an
// upstream. Everything else, including credentials and payment proofs, is
// dropped.
var allowedRequestHeaders = map[string]struct{}{
	"accept":          {},
	"accept-encoding": {},
	"accept-language": {},
	"content-type":    {},
	"content-length":  {},
	"user-agent":      {},
	"cache-control":   {},
}

var excludedPrefixes = []string{"x-forwarded-", "x-original-", "x-rewrite-"}

var excludedExact = map[string]struct{}{
	"x-real-ip":  {},
	"host":       {},
	"connection": {},
}

// hopByHop response headers are not relayed to the caller.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

func excluded(name string) bool {
	if _, ok := excludedExact[name]; ok {
		return true
	}
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// FilterHeaders returns the subset of in that may be forwarded upstream.
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for k, vs := range in {
		name := strings.ToLower(k)
		if excluded(name) {
			continue
		}
		if _, ok := allowedRequestHeaders[name]; !ok {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// Sign returns the x-highstation-signature value for body sent at ts.
// The MAC covers "{ts}.{body}", or just "{ts}" for an empty body.
func Sign(secret string, ts int64, body []byte) string {
	t := strconv.FormatInt(ts, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	if len(body) > 0 {
		mac.Write([]byte("."))
		mac.Write(body)
	}
	return "t=" + t + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Providers can use
// it directly; tolerance bounds the accepted clock skew.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) bool {
	var ts int64
	var v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			v1 = v
		}
	}
	if ts == 0 || v1 == "" {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return false
	}
	want := Sign(secret, ts, body)
	return hmac.Equal([]byte(want), []byte("t="+strconv.FormatInt(ts, 10)+",v1="+v1))
}

// TargetURL joins base and splat with exactly one slash and appends the raw
// query verbatim.
func TargetURL(base, splat, rawQuery string) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(splat, "/")
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
