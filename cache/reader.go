package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
)

// CachedReader serves Status from the cache and falls back to the ledger.
// The append gateway invalidates entries on every committed event.
type CachedReader struct {
	eventstore.Reader
	cache *StatusCache
}

// NewCachedReader wraps reader with cache
func NewCachedReader(reader eventstore.Reader, cache *StatusCache) *CachedReader {
	return &CachedReader{Reader: reader, cache: cache}
}

// Status implements eventstore.Reader
func (r *CachedReader) Status(ctx context.Context, entityID string) (domain.DocumentStatus, error) {
	if !r.cache.Enabled() {
		return r.Reader.Status(ctx, entityID)
	}

	status, err := r.cache.Get(ctx, entityID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Str("entityID", entityID).Msg("Status cache read failed")
	}

	status, err = r.Reader.Status(ctx, entityID)
	if err != nil {
		return status, err
	}
	if err := r.cache.Set(ctx, status); err != nil {
		log.Warn().Err(err).Str("entityID", entityID).Msg("Status cache write failed")
	}
	return status, nil
}
