package search

import (
	"context"
	"log/slog"
	"sync"
)

const (
	BackendMeili   = "meilisearch"
	BackendListing = "listing"
)

// Service tries the index first and falls back to the listing scan. Index
// writes are fire-and-forget.
type Service struct {
	index    Index
	fallback Searcher
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewService builds the facade. index may be nil when Meilisearch is not
// configured.
func NewService(index Index, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}, nil
		}
		s.logger.Warn("meilisearch failed, falling back to listing", "owner_id", q.OwnerID, "error", err)
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendListing}, nil
}

func (s *Service) IndexDemo(record DemoRecord) {
	if !s.indexReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.IndexDemos([]DemoRecord{record}); err != nil {
			s.logger.Error("index demo", "demo_id", record.ID, "error", err)
		}
	}()
}

func (s *Service) DeleteDemo(id string) {
	if !s.indexReady() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.index.DeleteDemo(id); err != nil {
			s.logger.Error("delete demo from index", "demo_id", id, "error", err)
		}
	}()
}

// Reindex pushes records synchronously. It is used by the admin CLI and
// returns the number of records written.
func (s *Service) Reindex(records []DemoRecord) (int, error) {
	if !s.indexReady() || len(records) == 0 {
		return 0, nil
	}
	if err := s.index.IndexDemos(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
