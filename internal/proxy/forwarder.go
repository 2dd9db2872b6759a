// Package proxy forwards admitted calls to a provider upstream and checks
// the OpenSeal attestation on the way back.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/openseal"
)

const (
	HeaderSealVerified = "X-OpenSeal-Verified"
	HeaderSealResult   = "X-OpenSeal-Result"

	// DefaultMaxResponseBytes caps a buffered upstream body.
	DefaultMaxResponseBytes = 10 << 20
)

var ErrResponseTooLarge = errors.New("upstream response too large")

// UpstreamError is a transport failure talking to the upstream. Dial-time
// SSRF rejections from the pinned client arrive here too.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream request failed: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// LatencyObserver is satisfied by *telemetry.Logger.
type LatencyObserver interface {
	ObserveLatency(owner, slug string, latency time.Duration) bool
}

// Target is the admitted service as the forwarder needs it.
type Target struct {
	Slug            string
	Owner           string
	UpstreamURL     string
	SigningSecret   string
	RootHash        string
	RequireOpenSeal bool
	// Demo upstreams are served by the local handler instead of the network.
	Demo bool
}

// Request is the caller's call after the gateway prefix has been removed.
type Request struct {
	Method string
	// SubPath is sent as-is and must already be escaped.
	SubPath  string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is a fully buffered upstream answer.
type Response struct {
	StatusCode     int
	Header         http.Header
	Body           []byte
	ContentType    string
	Latency        time.Duration
	IntegrityCheck bool
	// Seal is nil when the service has no registered root hash.
	Seal *openseal.Result
	// SealRejected is set when the service requires a valid seal and the
	// upstream did not provide one. The body must not reach the caller.
	SealRejected bool
}

type Option func(*Forwarder)

// WithLocalHandler serves Demo targets in-process.
func WithLocalHandler(h http.Handler) Option { return func(f *Forwarder) { f.local = h } }

// WithLatencyObserver reports every upstream latency.
func WithLatencyObserver(o LatencyObserver) Option { return func(f *Forwarder) { f.observer = o } }

func WithMaxResponseBytes(n int64) Option { return func(f *Forwarder) { f.maxBytes = n } }

type Forwarder struct {
	client   Doer
	local    http.Handler
	observer LatencyObserver
	maxBytes int64
	log      *zap.Logger
	now      func() time.Time
}

// NewForwarder builds a Forwarder that sends network traffic through client,
// normally the netguard pinned client.
func NewForwarder(client Doer, log *zap.Logger, opts ...Option) *Forwarder {
	f := &Forwarder{
		client:   client,
		maxBytes: DefaultMaxResponseBytes,
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Forward sends r to t and returns the buffered response. A non-nil error
// means no usable response was obtained and maps to 502.
func (f *Forwarder) Forward(ctx context.Context, t Target, r Request) (*Response, error) {
	target := TargetURL(t.UpstreamURL, r.SubPath, r.RawQuery)

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	req.Header = FilterHeaders(r.Header)
	req.Header.Del("Content-Length")
	req.ContentLength = int64(len(r.Body))

	ts := f.now().Unix()
	req.Header.Set(HeaderForwardedBy, forwardedBy)
	req.Header.Set(HeaderServiceName, t.Slug)
	req.Header.Set(HeaderTime, strconv.FormatInt(ts, 10))
	if t.SigningSecret != "" {
		req.Header.Set(HeaderSignature, Sign(t.SigningSecret, ts, r.Body))
	}

	var wax string
	if t.RootHash != "" {
		if wax, err = openseal.NewWax(); err != nil {
			return nil, fmt.Errorf("generate wax: %w", err)
		}
		req.Header.Set(openseal.HeaderWax, wax)
	}

	start := time.Now()
	resp, err := f.do(t, req)
	if err != nil {
		f.log.Warn("upstream request failed", zap.String("slug", t.Slug), zap.Error(err))
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	latency := time.Since(start)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(payload)) > f.maxBytes {
		return nil, &UpstreamError{Err: ErrResponseTooLarge}
	}
	if f.observer != nil {
		f.observer.ObserveLatency(t.Owner, t.Slug, latency)
	}

	out := &Response{
		StatusCode:     resp.StatusCode,
		Header:         relayHeaders(resp.Header),
		Body:           payload,
		ContentType:    resp.Header.Get("Content-Type"),
		Latency:        latency,
		IntegrityCheck: json.Valid(payload),
	}

	if t.RootHash != "" {
		res := checkSeal(wax, t.RootHash, resp.Header.Get(openseal.HeaderSeal), payload)
		out.Seal = &res
		out.Header.Set(HeaderSealVerified, strconv.FormatBool(res.Valid))
		if enc, err := json.Marshal(res); err == nil {
			out.Header.Set(HeaderSealResult, string(enc))
		}
		if !res.Valid {
			f.log.Warn("openseal verification failed",
				zap.String("slug", t.Slug),
				zap.String("reason", res.Message),
			)
			out.SealRejected = t.RequireOpenSeal
		}
	}
	return out, nil
}

func (f *Forwarder) do(t Target, req *http.Request) (*http.Response, error) {
	if t.Demo && f.local != nil {
		// Same-process upstream: buffer through a recorder instead of
		// looping back over the network.
		req.RequestURI = req.URL.RequestURI()
		rec := httptest.NewRecorder()
		f.local.ServeHTTP(rec, req)
		return rec.Result(), nil
	}
	return f.client.Do(req)
}

// checkSeal locates the seal (header first, then a {result, openseal} body
// envelope) and verifies it. A header seal covers the whole body.
func checkSeal(wax, rootHash, header string, body []byte) openseal.Result {
	if header != "" {
		seal, err := openseal.ParseSeal(header)
		if err != nil {
			return openseal.Result{Message: err.Error()}
		}
		return openseal.Verify(wax, rootHash, resultValue(body), seal)
	}

	var env struct {
		Result   json.RawMessage `json:"result"`
		OpenSeal *openseal.Seal  `json:"openseal"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.OpenSeal == nil {
		return openseal.Result{Message: "upstream returned no seal"}
	}
	return openseal.Verify(wax, rootHash, env.Result, *env.OpenSeal)
}

// resultValue presents body as a JSON value: JSON bodies as-is, anything
// else as a JSON string so its raw bytes are hashed.
func resultValue(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	enc, _ := json.Marshal(string(body))
	return enc
}

func relayHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for k, vs := range in {
		if _, ok := hopByHop[strings.ToLower(k)]; ok {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}
