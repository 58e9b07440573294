// Package cache provides Redis-backed decorators and queues for the
// delivery stores.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
	"github.com/tinywideclouds/go-apns-delivery/pkg/dispatch"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or ErrCacheMiss.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedReportStore is a Decorator that adds read-aside caching to any
// ReportStore. Saves write through to the real store first.
type CachedReportStore struct {
	realStore dispatch.ReportStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

// NewCachedReportStore creates the decorator.
func NewCachedReportStore(realStore dispatch.ReportStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedReportStore {
	return &CachedReportStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedReportStore"),
	}
}

func (s *CachedReportStore) Get(ctx context.Context, batchID string) (*delivery.Report, error) {
	key := s.cacheKey(batchID)

	var cached delivery.Report
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("Cache read failed, falling back to store", "batch_id", batchID, "err", err)
	}

	fresh, err := s.realStore.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a failed Set still serves from the store.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Warn("Cache write failed", "batch_id", batchID, "err", err)
	}
	return fresh, nil
}

func (s *CachedReportStore) Save(ctx context.Context, report *delivery.Report) error {
	if err := s.realStore.Save(ctx, report); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, s.cacheKey(report.BatchID), report, s.ttl); err != nil {
		// A stale entry would shadow the new report, so drop it instead.
		s.logger.Warn("Cache write failed, invalidating", "batch_id", report.BatchID, "err", err)
		return s.cache.Del(ctx, s.cacheKey(report.BatchID))
	}
	return nil
}

// List is not cached.
func (s *CachedReportStore) List(ctx context.Context, limit int) ([]*delivery.Report, error) {
	return s.realStore.List(ctx, limit)
}

func (s *CachedReportStore) cacheKey(batchID string) string {
	return "apns:report:" + batchID
}
