package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/highstation/gatekeeper/internal/x402"
)

// ErrNonceReplay is returned when a payment nonce was already recorded.
var ErrNonceReplay = x402.ErrNonceReplay

// RecordNonce inserts nonce; the primary key makes concurrent duplicates
// lose with ErrNonceReplay.
func (p *Postgres) RecordNonce(ctx context.Context, nonce, agentID string) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO used_nonces (nonce, agent_id) VALUES ($1, $2)`,
		strings.ToLower(nonce), strings.ToLower(agentID))
	if isUniqueViolation(err) {
		return fmt.Errorf("nonce %s: %w", nonce, ErrNonceReplay)
	}
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	return nil
}

func (p *Postgres) SweepNonces(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM used_nonces WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
