package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/cassiomorais/fabricshop/internal/repository/postgres"
	"github.com/rs/zerolog"
)

const (
	maxIdempotencyBodySize = 1 << 20
	IdempotencyKeyHeader   = "Idempotency-Key"
	ReplayedHeader         = "X-Idempotency-Replayed"
)

// ReplayStore keeps the outcome of requests made with an Idempotency-Key.
type ReplayStore interface {
	Lookup(ctx context.Context, key string) (*postgres.ReplayRecord, bool, error)
	Record(ctx context.Context, rec *postgres.ReplayRecord) (bool, error)
}

// Idempotency replays the recorded response when a mutating request is
// repeated with the same Idempotency-Key and body. Reusing a key with a
// different body is rejected with 422. Keys are scoped to method and path,
// and server errors are not recorded so the client can retry them.
func Idempotency(store ReplayStore, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(IdempotencyKeyHeader)
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + " " + r.URL.Path + " " + header

			body, err := readBody(r)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "could not read request body", "invalid_body")
				return
			}
			if len(body) > maxIdempotencyBodySize {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "body_too_large")
				return
			}
			fingerprint := fingerprintBody(body)

			rec, found, err := store.Lookup(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Msg("idempotency lookup failed")
			}
			if err == nil && found && !rec.Expired(time.Now()) {
				if rec.Fingerprint != fingerprint {
					logger.Warn().Str("idempotency_key", header).Str("path", r.URL.Path).Msg("idempotency key reused with a different request")
					writeJSONError(w, http.StatusUnprocessableEntity,
						"Idempotency-Key was already used with a different request", "idempotency_key_reused")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(rec.Status)
				w.Write([]byte(rec.Body))
				return
			}

			rw := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= 200 && rw.statusCode < 500 && !rw.bodyTruncated {
				now := time.Now()
				stored, err := store.Record(r.Context(), &postgres.ReplayRecord{
					Key:         key,
					Fingerprint: fingerprint,
					Status:      rw.statusCode,
					Body:        rw.body.String(),
					CreatedAt:   now,
					ExpiresAt:   now.Add(ttl),
				})
				switch {
				case err != nil:
					logger.Warn().Err(err).Msg("failed to record idempotent response")
				case !stored:
					logger.Info().Str("idempotency_key", header).Msg("concurrent request already recorded an outcome for this key")
				}
			}
		})
	}
}

// readBody reads at most one byte past the limit and puts the body back on r.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotencyBodySize+1))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func fingerprintBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
