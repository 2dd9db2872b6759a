package store

import (
	"context"
	"fmt"

	"github.com/highstation/gatekeeper/internal/telemetry"
)

// Upsert writes rec. A row with the same tx_hash is updated in place so a
// retried settlement never produces two log rows.
func (p *Postgres) Upsert(ctx context.Context, rec telemetry.Record) error {
	var txHash *string
	if rec.TxHash != "" {
		txHash = &rec.TxHash
	}
	_, err := p.db.Exec(ctx, `INSERT INTO request_logs
		(id, slug, method, path, status_code, amount_units, tx_hash, payer, latency_ms, response_bytes,
		 content_type, integrity_check, openseal_valid, openseal_signature_verified, openseal_identity_verified,
		 trust_score, trust_grade, outcome, error_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (tx_hash) WHERE tx_hash IS NOT NULL DO UPDATE SET
			status_code = EXCLUDED.status_code,
			latency_ms = EXCLUDED.latency_ms,
			response_bytes = EXCLUDED.response_bytes,
			content_type = EXCLUDED.content_type,
			integrity_check = EXCLUDED.integrity_check,
			openseal_valid = EXCLUDED.openseal_valid,
			openseal_signature_verified = EXCLUDED.openseal_signature_verified,
			openseal_identity_verified = EXCLUDED.openseal_identity_verified,
			outcome = EXCLUDED.outcome,
			error_reason = EXCLUDED.error_reason`,
		rec.ID, rec.Slug, rec.Method, rec.Path, rec.StatusCode, rec.AmountUnits, txHash, rec.Payer,
		rec.LatencyMS, rec.ResponseBytes, rec.ContentType, rec.IntegrityCheck,
		rec.OpenSealValid, rec.OpenSealSignatureVerified, rec.OpenSealIdentityVerified,
		rec.TrustScore, rec.TrustGrade, string(rec.Outcome), rec.ErrorReason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert request log: %w", err)
	}
	return nil
}
