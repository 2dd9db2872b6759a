// Package reputation exposes a provider trust signal and applies latency
// penalties in the background.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultScore = 100

	pendingKeyPrefix = "reputation:penalty:"
	queueSize        = 100
)

// ErrUnknownProvider is returned by Repository.Score for unseen providers.
var ErrUnknownProvider = errors.New("unknown provider")

// Signal is the trust information advertised to agents.
type Signal struct {
	Score int    `json:"score"`
	Grade string `json:"grade"`
}

// GradeFor maps a 0-100 score onto a letter grade.
func GradeFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 75:
		return "B"
	case score >= 60:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}

// MeetsGrade reports whether grade is at least min. An empty min always
// passes.
func MeetsGrade(grade, min string) bool {
	if min == "" {
		return true
	}
	if grade == "" {
		return false
	}
	return strings.ToUpper(grade)[0] <= strings.ToUpper(min)[0]
}

type Repository interface {
	Score(ctx context.Context, ownerAddress string) (int, error)
	ApplyPenalty(ctx context.Context, ownerAddress string, points int, reason string) error
}

// Penalty is a pending score deduction.
type Penalty struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Slug      string    `json:"slug"`
	Points    int       `json:"points"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`

	persisted bool
}

type Service struct {
	repo Repository
	rdb  *redis.Client
	ch   chan Penalty
	log  *zap.Logger
}

func NewService(repo Repository, rdb *redis.Client, log *zap.Logger) *Service {
	return &Service{repo: repo, rdb: rdb, ch: make(chan Penalty, queueSize), log: log}
}

// Signal returns the provider's current trust signal. Lookup failures yield
// an empty signal rather than an error.
func (s *Service) Signal(ctx context.Context, owner string) Signal {
	if owner == "" {
		return Signal{}
	}
	score, err := s.repo.Score(ctx, strings.ToLower(owner))
	if errors.Is(err, ErrUnknownProvider) {
		score = DefaultScore
	} else if err != nil {
		s.log.Warn("reputation lookup failed", zap.String("owner", owner), zap.Error(err))
		return Signal{}
	}
	return Signal{Score: score, Grade: GradeFor(score)}
}

// Penalize persists p to Redis and hands it to the worker. It never blocks:
// if the worker queue is full the penalty is recovered on the next start.
func (s *Service) Penalize(ctx context.Context, p Penalty) {
	if p.Owner == "" || p.Points <= 0 {
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Owner = strings.ToLower(p.Owner)

	raw, _ := json.Marshal(p)
	if err := s.rdb.Set(ctx, pendingKeyPrefix+p.ID, raw, 0).Err(); err != nil {
		s.log.Warn("persist penalty", zap.String("owner", p.Owner), zap.Error(err))
	} else {
		p.persisted = true
	}

	select {
	case s.ch <- p:
	default:
		s.log.Warn("penalty queue full, will recover from Redis on restart", zap.String("owner", p.Owner))
	}
}

// Run recovers persisted penalties and applies queued ones until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.log.Info("reputation worker started")
	go s.recoverPending(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reputation worker stopped")
			return
		case p := <-s.ch:
			s.apply(ctx, p)
		}
	}
}

func (s *Service) apply(ctx context.Context, p Penalty) {
	key := pendingKeyPrefix + p.ID
	// A persisted penalty can be queued twice (live and by recovery); the
	// key is the claim.
	if p.persisted {
		if n, err := s.rdb.Exists(ctx, key).Result(); err == nil && n == 0 {
			return
		}
	}
	if err := s.repo.ApplyPenalty(ctx, p.Owner, p.Points, p.Reason); err != nil {
		s.log.Error("apply penalty", zap.String("owner", p.Owner), zap.Error(err))
		return
	}
	s.rdb.Del(ctx, key)
	s.log.Info("penalty applied",
		zap.String("owner", p.Owner),
		zap.String("slug", p.Slug),
		zap.Int("points", p.Points),
		zap.String("reason", p.Reason),
	)
}

// recoverPending scans reputation:penalty:* and re-queues anything left over
// from a previous run.
func (s *Service) recoverPending(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pendingKeyPrefix+"*", 100).Result()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("recover penalties: scan", zap.Error(err))
			}
			return
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var p Penalty
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				s.log.Error("recover penalties: unmarshal", zap.String("key", key), zap.Error(err))
				s.rdb.Del(ctx, key)
				continue
			}
			p.persisted = true
			select {
			case s.ch <- p:
				s.log.Info("recovered pending penalty", zap.String("owner", p.Owner), zap.String("id", p.ID))
			case <-ctx.Done():
				return
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
