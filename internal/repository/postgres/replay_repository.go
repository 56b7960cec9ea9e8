package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReplayRecord is the stored outcome of a mutating session request sent with
// an Idempotency-Key. Fingerprint identifies the request body that produced
// it, so a key cannot be reused for a different refund or update.
type ReplayRecord struct {
	Key         string
	Fingerprint string
	Status      int
	Body        string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record no longer guards its key at now.
func (r *ReplayRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ReplayRepository keeps replay records in the idempotency_keys table.
type ReplayRepository struct {
	pool *pgxpool.Pool
}

func NewReplayRepository(pool *pgxpool.Pool) *ReplayRepository {
	return &ReplayRepository{pool: pool}
}

func (r *ReplayRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Lookup returns the live record for key. found is false when there is none
// or it has expired.
func (r *ReplayRepository) Lookup(ctx context.Context, key string) (rec *ReplayRecord, found bool, err error) {
	rec = &ReplayRecord{}
	err = r.db(ctx).QueryRow(ctx,
		`SELECT key, request_fingerprint, response_status, response_body, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()`, key,
	).Scan(&rec.Key, &rec.Fingerprint, &rec.Status, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup replay record: %w", err)
	}
	return rec, true, nil
}

// Record stores rec unless a live record already holds its key, in which
// case the earlier outcome is kept and stored is false. An expired record
// under the same key is replaced.
func (r *ReplayRepository) Record(ctx context.Context, rec *ReplayRecord) (stored bool, err error) {
	tag, err := r.db(ctx).Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_fingerprint, response_status, response_body, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		   request_fingerprint = EXCLUDED.request_fingerprint,
		   response_status = EXCLUDED.response_status,
		   response_body = EXCLUDED.response_body,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= NOW()`,
		rec.Key, rec.Fingerprint, rec.Status, rec.Body, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("record replay: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Purge deletes records that expired before cutoff.
func (r *ReplayRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge replay records: %w", err)
	}
	return tag.RowsAffected(), nil
}
