package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/pkg/log"
)

// Claim is the result of claiming a key.
// Fresh means the caller owns the key and must Store or Release it.
// Otherwise Response holds what the first caller produced.
type Claim struct {
	Fresh    bool
	Response *Response
}

// Guard deduplicates client mutations by idempotency key.
type Guard struct {
	backend Backend
	ttl     time.Duration
	logger  *zerolog.Logger
}

// NewGuard returns a guard with the given default TTL (DefaultTTL when zero).
func NewGuard(backend Backend, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{backend: backend, ttl: ttl, logger: log.Component("idempotency")}
}

// TTL returns the default window.
func (g *Guard) TTL() time.Duration { return g.ttl }

// Claim atomically reserves key. A second caller gets the cached response when
// one exists and ErrConflict while the first caller is still executing.
func (g *Guard) Claim(ctx context.Context, key string) (*Claim, error) {
	if strings.TrimSpace(key) == "" {
		return nil, apperrors.New(apperrors.KindMissingIdempotencyKey, "idempotency.Claim", "idempotency key is required")
	}

	// Two rounds cover an entry that is released or expires between Claim and Load.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := g.backend.Claim(ctx, key, g.ttl)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "idempotency.Claim", err)
		}
		if created {
			return &Claim{Fresh: true}, nil
		}

		rec, err := g.backend.Load(ctx, key)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "idempotency.Claim", err)
		}
		if rec == nil {
			continue
		}
		if resp := rec.Response(); resp != nil {
			return &Claim{Response: resp}, nil
		}
		break
	}

	g.logger.Warn().Str("idempotency_key", key).Msg("claim in flight without cached response")
	return nil, apperrors.New(apperrors.KindConflict, "idempotency.Claim", "a request with this idempotency key is already in progress")
}

// Store caches the response for key. A zero ttl uses the guard default.
func (g *Guard) Store(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.ttl
	}
	if err := g.backend.Save(ctx, key, resp, ttl); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "idempotency.Store", err)
	}
	return nil
}

// Release frees key after a failure that happened before any side effect.
func (g *Guard) Release(ctx context.Context, key string) error {
	if err := g.backend.Delete(ctx, key); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "idempotency.Release", err)
	}
	return nil
}
