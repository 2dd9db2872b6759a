package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/highstation/gatekeeper/internal/reputation"
)

func (p *Postgres) Score(ctx context.Context, ownerAddress string) (int, error) {
	var score int
	err := p.db.QueryRow(ctx,
		`SELECT reputation_score FROM providers WHERE owner_address = $1`,
		strings.ToLower(ownerAddress)).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, reputation.ErrUnknownProvider
	}
	if err != nil {
		return 0, fmt.Errorf("get score: %w", err)
	}
	return score, nil
}

// ApplyPenalty deducts points, creating the provider row at the default
// score if needed. Scores never drop below zero.
func (p *Postgres) ApplyPenalty(ctx context.Context, ownerAddress string, points int, reason string) error {
	_, err := p.db.Exec(ctx, `INSERT INTO providers (owner_address, reputation_score, updated_at)
		VALUES ($1, GREATEST(0, $2::int - $3::int), now())
		ON CONFLICT (owner_address) DO UPDATE SET
			reputation_score = GREATEST(0, providers.reputation_score - $3::int),
			updated_at = now()`,
		strings.ToLower(ownerAddress), reputation.DefaultScore, points)
	if err != nil {
		return fmt.Errorf("apply penalty (%s): %w", reason, err)
	}
	return nil
}
