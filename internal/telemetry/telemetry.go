// Package telemetry records one log row per gated call. Writes are
// best-effort: they run off the request path and failures are only logged.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/highstation/gatekeeper/internal/reputation"
)

type Outcome string

const (
	OutcomeChallenged    Outcome = "challenged"
	OutcomeRejected      Outcome = "rejected"
	OutcomeProxied       Outcome = "proxied"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Record is a single request log row.
type Record struct {
	ID             string
	Slug           string
	Method         string
	Path           string
	StatusCode     int
	AmountUnits    string
	TxHash         string
	Payer          string
	LatencyMS      int64
	ResponseBytes  int64
	ContentType    string
	IntegrityCheck bool

	// OpenSeal fields are nil when the service has no registered root hash.
	OpenSealValid             *bool
	OpenSealSignatureVerified *bool
	OpenSealIdentityVerified  *bool

	TrustScore  *int
	TrustGrade  string
	Outcome     Outcome
	ErrorReason string
	CreatedAt   time.Time
}

// Repository persists records. Upsert must be idempotent on a non-empty
// TxHash.
type Repository interface {
	Upsert(ctx context.Context, rec Record) error
}

// Penalizer is satisfied by *reputation.Service.
type Penalizer interface {
	Penalize(ctx context.Context, p reputation.Penalty)
}

type Options struct {
	SlowThreshold time.Duration
	PenaltyPoints int
	WriteTimeout  time.Duration
}

type Logger struct {
	repo      Repository
	penalizer Penalizer
	opts      Options
	log       *zap.Logger
	wg        sync.WaitGroup
}

func NewLogger(repo Repository, penalizer Penalizer, opts Options, log *zap.Logger) *Logger {
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = 5 * time.Second
	}
	if opts.PenaltyPoints <= 0 {
		opts.PenaltyPoints = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	return &Logger{repo: repo, penalizer: penalizer, opts: opts, log: log}
}

// Log writes rec asynchronously under its own timeout.
func (l *Logger) Log(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		defer cancel()
		if err := l.repo.Upsert(ctx, rec); err != nil {
			l.log.Warn("request log write failed",
				zap.String("slug", rec.Slug),
				zap.String("outcome", string(rec.Outcome)),
				zap.Error(err),
			)
		}
	}()
}

// ObserveLatency enqueues a reputation penalty for owner when latency
// exceeds the slow threshold. It reports whether a penalty was issued.
func (l *Logger) ObserveLatency(owner, slug string, latency time.Duration) bool {
	if l.penalizer == nil || owner == "" || latency <= l.opts.SlowThreshold {
		return false
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.opts.WriteTimeout)
		defer cancel()
		l.penalizer.Penalize(ctx, reputation.Penalty{
			Owner:  owner,
			Slug:   slug,
			Points: l.opts.PenaltyPoints,
			Reason: "slow_response",
		})
	}()
	return true
}

// Wait blocks until in-flight writes finish.
func (l *Logger) Wait() { l.wg.Wait() }
