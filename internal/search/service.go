package search

import (
	"context"

	"charcha/api/internal/logger"
)

// Service tries Meilisearch first and falls back to the local matcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	pg       *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; pg may be nil when the store is not Postgres.
func NewService(meili *Meili, fallback Searcher, pg *PgFTS) *Service {
	return &Service{meili: meili, fallback: fallback, pg: pg}
}

// Search never fails on backend trouble; it logs and returns no matches.
func (s *Service) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(ctx, q)
		if err == nil {
			return nonNil(results), nil
		}
		logger.L().Warn("search_meili_fallback", "error", err)
	}
	if s.fallback == nil {
		return []Match{}, nil
	}
	results, err := s.fallback.Search(ctx, q)
	if err != nil {
		logger.L().Error("search_fallback_failed", "error", err)
		return []Match{}, nil
	}
	return nonNil(results), nil
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexPin indexes a pin (fire-and-forget to Meilisearch).
func (s *Service) IndexPin(r PinRecord) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.IndexPin(r); err != nil {
			logger.L().Warn("search_index_pin", "post_id", r.ID, "error", err)
		}
	}()
}

// DeletePin removes a pin from the index (fire-and-forget).
func (s *Service) DeletePin(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeletePin(id); err != nil {
			logger.L().Warn("search_delete_pin", "post_id", id, "error", err)
		}
	}()
}

// ReindexFromPG pushes every flyable pin from PostgreSQL into Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context) {
	if !s.indexing() || s.pg == nil {
		return
	}
	pins, err := s.pg.LoadAllPins(ctx)
	if err != nil {
		logger.L().Error("search_reindex_load", "error", err)
		return
	}
	if err := s.meili.IndexPins(pins); err != nil {
		logger.L().Error("search_reindex", "error", err)
		return
	}
	logger.L().Info("search_reindexed", "pins", len(pins))
}

func nonNil(r []Match) []Match {
	if r == nil {
		return []Match{}
	}
	return r
}
