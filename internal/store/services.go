package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/highstation/gatekeeper/internal/service"
)

const serviceColumns = `id::text, slug, name, description, owner_address, upstream_url, price_usd,
	endpoint_prices, access_requirements, status, signing_secret, openseal_root_hash,
	settlement_address, verification_token, verified_at, created_at`

func scanService(row pgx.Row) (*service.Config, error) {
	var (
		s      service.Config
		prices []byte
		access []byte
		status string
	)
	err := row.Scan(&s.ID, &s.Slug, &s.Name, &s.Description, &s.OwnerAddress, &s.UpstreamURL, &s.PriceUSD,
		&prices, &access, &status, &s.SigningSecret, &s.OpenSealRootHash,
		&s.SettlementAddress, &s.VerificationToken, &s.VerifiedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = service.Status(status)
	if len(prices) > 0 {
		if err := json.Unmarshal(prices, &s.EndpointPrices); err != nil {
			return nil, fmt.Errorf("decode endpoint_prices: %w", err)
		}
	}
	if len(access) > 0 {
		if err := json.Unmarshal(access, &s.Access); err != nil {
			return nil, fmt.Errorf("decode access_requirements: %w", err)
		}
	}
	return &s, nil
}

func (p *Postgres) GetBySlug(ctx context.Context, slug string) (*service.Config, error) {
	row := p.db.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE slug = $1`, slug)
	s, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service %s: %w", slug, err)
	}
	return s, nil
}

// ListVerified returns verified services whose slug, name or description
// contains query (case-insensitive), newest first.
func (p *Postgres) ListVerified(ctx context.Context, query string, limit int) ([]*service.Config, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := p.db.Query(ctx, `SELECT `+serviceColumns+` FROM services
		WHERE status = $1 AND (slug ILIKE $2 OR name ILIKE $2 OR description ILIKE $2)
		ORDER BY created_at DESC LIMIT $3`, string(service.StatusVerified), pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []*service.Config
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetVerificationToken(ctx context.Context, slug, token string) error {
	tag, err := p.db.Exec(ctx, `UPDATE services SET verification_token = $2 WHERE slug = $1`, slug, token)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return service.ErrNotFound
	}
	return nil
}

// MarkVerified promotes slug to verified. Suspended services stay suspended
// and come back as a NotAdmittedError.
func (p *Postgres) MarkVerified(ctx context.Context, slug string) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE services SET status = $2, verified_at = now() WHERE slug = $1 AND status <> $3`,
		slug, string(service.StatusVerified), string(service.StatusSuspended))
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = p.db.QueryRow(ctx, `SELECT status FROM services WHERE slug = $1`, slug).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return service.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return &service.NotAdmittedError{Status: service.Status(status)}
}

// CreateService inserts s with a fresh id. Used by seeding and tests.
func (p *Postgres) CreateService(ctx context.Context, s *service.Config) error {
	prices, _ := json.Marshal(s.EndpointPrices)
	if s.EndpointPrices == nil {
		prices = []byte("{}")
	}
	access, _ := json.Marshal(s.Access)
	id := uuid.NewString()
	status := s.Status
	if status == "" {
		status = service.StatusPending
	}
	err := p.db.QueryRow(ctx, `INSERT INTO services
		(id, slug, name, description, owner_address, upstream_url, price_usd, endpoint_prices,
		 access_requirements, status, signing_secret, openseal_root_hash, settlement_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`,
		id, s.Slug, s.Name, s.Description, strings.ToLower(s.OwnerAddress), s.UpstreamURL, s.PriceUSD, prices,
		access, string(status), s.SigningSecret, s.OpenSealRootHash, s.SettlementAddress,
	).Scan(&s.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("service %s already exists", s.Slug)
	}
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	s.ID = id
	s.Status = status
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
