package search

import (
	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error("pgfts search", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPersons pushes persons into Meilisearch (fire-and-forget).
func (s *Service) IndexPersons(records []PersonRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexPersons(records); err != nil {
			s.logger.Warn("index persons", zap.Error(err))
		}
	}()
}

// DeletePersons removes persons from the index (fire-and-forget).
func (s *Service) DeletePersons(treeID string, personIDs []int64) {
	if s.meili == nil || !s.meili.Healthy() || len(personIDs) == 0 {
		return
	}
	go func() {
		if err := s.meili.DeletePersons(treeID, personIDs); err != nil {
			s.logger.Warn("delete persons from index", zap.Error(err))
		}
	}()
}

// DeleteTree removes all of a tree's persons from the index (fire-and-forget).
func (s *Service) DeleteTree(treeID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTree(treeID); err != nil {
			s.logger.Warn("delete tree from index", zap.Error(err))
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
