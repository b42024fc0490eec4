package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"demoreel/api/internal/demo"
)

type fakeLister struct {
	demos []demo.Metadata
	err   error
	calls []string
}

func (f *fakeLister) ListByOwner(_ context.Context, ownerID string) ([]demo.Metadata, error) {
	f.calls = append(f.calls, ownerID)
	return f.demos, f.err
}

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(q Query) ([]Result, int, error)
	indexed  []DemoRecord
	deleted  []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(_ context.Context, q Query) ([]Result, int, error) {
	return f.searchFn(q)
}

func (f *fakeIndex) IndexDemos(records []DemoRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeIndex) DeleteDemo(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func sampleDemos() []demo.Metadata {
	at := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	return []demo.Metadata{
		{DemoID: "d-3", OwnerID: "o-1", Name: "Billing walkthrough", Status: demo.StatusPublished, UpdatedAt: at.Add(2 * time.Hour)},
		{DemoID: "d-2", OwnerID: "o-1", Name: "Onboarding", Status: demo.StatusDraft, UpdatedAt: at.Add(time.Hour)},
		{DemoID: "d-1", OwnerID: "o-1", Name: "billing settings", Status: demo.StatusDraft, UpdatedAt: at},
	}
}

func TestListingMatchesCaseInsensitively(t *testing.T) {
	lister := &fakeLister{demos: sampleDemos()}
	results, total, err := NewListing(lister).Search(context.Background(), Query{Text: "BILLING", OwnerID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, "d-3", results[0].ID)
	assert.Equal(t, "d-1", results[1].ID)
	assert.Equal(t, []string{"o-1"}, lister.calls)
}

func TestListingFiltersStatusAndPages(t *testing.T) {
	listing := NewListing(&fakeLister{demos: sampleDemos()})

	results, total, err := listing.Search(context.Background(), Query{OwnerID: "o-1", Status: "DRAFT", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 1)
	assert.Equal(t, "d-1", results[0].ID)

	results, total, err = listing.Search(context.Background(), Query{OwnerID: "o-1", Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, results)
}

func TestListingRequiresOwner(t *testing.T) {
	_, _, err := NewListing(&fakeLister{}).Search(context.Background(), Query{Text: "x"})
	assert.Error(t, err)
}

func TestServiceUsesHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		assert.Equal(t, "o-1", q.OwnerID)
		return []Result{{ID: "d-9"}}, 1, nil
	}}
	lister := &fakeLister{demos: sampleDemos()}
	svc := NewService(index, NewListing(lister), nil)

	resp, err := svc.Search(context.Background(), Query{Text: "x", OwnerID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, BackendMeili, resp.Backend)
	assert.Equal(t, "d-9", resp.Results[0].ID)
	assert.Empty(t, lister.calls)
}

func TestServiceFallsBackOnIndexError(t *testing.T) {
	index := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	svc := NewService(index, NewListing(&fakeLister{demos: sampleDemos()}), nil)

	resp, err := svc.Search(context.Background(), Query{Text: "onboard", OwnerID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, BackendListing, resp.Backend)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d-2", resp.Results[0].ID)
}

func TestServiceWithoutIndex(t *testing.T) {
	svc := NewService(nil, NewListing(&fakeLister{}), nil)
	resp, err := svc.Search(context.Background(), Query{Text: "none", OwnerID: "o-1"})
	require.NoError(t, err)
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, resp.Total)

	svc.IndexDemo(DemoRecord{ID: "d-1"})
	svc.DeleteDemo("d-1")
	svc.Wait()
}

func TestServiceFallbackErrorPropagates(t *testing.T) {
	svc := NewService(nil, NewListing(&fakeLister{err: errors.New("dynamo down")}), nil)
	_, err := svc.Search(context.Background(), Query{OwnerID: "o-1"})
	assert.EqualError(t, err, "dynamo down")
}

func TestServiceIndexWritesAreAsync(t *testing.T) {
	index := &fakeIndex{healthy: true}
	svc := NewService(index, NewListing(&fakeLister{}), nil)

	svc.IndexDemo(DemoRecord{ID: "d-1"})
	svc.DeleteDemo("d-2")
	svc.Wait()

	assert.Equal(t, []DemoRecord{{ID: "d-1"}}, index.indexed)
	assert.Equal(t, []string{"d-2"}, index.deleted)

	n, err := svc.Reindex([]DemoRecord{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnhealthyIndexSkipsWrites(t *testing.T) {
	index := &fakeIndex{healthy: false}
	svc := NewService(index, NewListing(&fakeLister{}), nil)
	svc.IndexDemo(DemoRecord{ID: "d-1"})
	svc.Wait()
	assert.Empty(t, index.indexed)

	n, err := svc.Reindex([]DemoRecord{{ID: "a"}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewDemoRecordDedupesPageURLs(t *testing.T) {
	meta := demo.Metadata{DemoID: "d-1", OwnerID: "o-1", Name: "Tour", Status: demo.StatusPublished,
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	steps := []demo.Step{
		{PageURL: "https://app.example.com/a"},
		{PageURL: "https://app.example.com/a"},
		{PageURL: ""},
		{PageURL: "https://app.example.com/b"},
	}
	record := NewDemoRecord(meta, steps)
	assert.Equal(t, []string{"https://app.example.com/a", "https://app.example.com/b"}, record.PageURLs)
	assert.Equal(t, 4, record.StepCount)
	assert.Equal(t, "PUBLISHED", record.Status)
	assert.Equal(t, "2025-01-02T03:04:05.000Z", record.UpdatedAt)
}

func TestBuildRequestAlwaysFiltersOwner(t *testing.T) {
	req := buildRequest(Query{Text: "tour", OwnerID: "o-1", Status: "PUBLISHED", Limit: 500, Offset: -3})
	assert.Equal(t, demoIndex, req.IndexUID)
	assert.Equal(t, "tour", req.Query)
	assert.Equal(t, int64(20), req.Limit)
	assert.Equal(t, int64(0), req.Offset)
	assert.Equal(t, []string{`ownerId = "o-1"`, `status = "PUBLISHED"`}, req.Filter)
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":        raw("d-1"),
		"name":      raw("Billing tour"),
		"status":    raw("DRAFT"),
		"updatedAt": raw("2025-01-02T03:04:05.000Z"),
		"pageUrls":  raw([]string{"https://a.example.com", "https://b.example.com/billing"}),
		"_formatted": raw(map[string]any{
			"name":     "<mark>Billing</mark> tour",
			"pageUrls": []string{"https://a.example.com", "https://b.example.com/<mark>billing</mark>"},
		}),
	}

	result := hitToResult(hit)
	assert.Equal(t, "d-1", result.ID)
	assert.Equal(t, "<mark>Billing</mark> tour", result.Name)
	assert.Equal(t, "https://b.example.com/<mark>billing</mark>", result.Snippet)
	assert.Equal(t, "DRAFT", result.Status)

	plain := hitToResult(meili.Hit{"id": raw("d-2"), "name": raw("Plain"), "pageUrls": raw([]string{"https://x.example.com"})})
	assert.Equal(t, "Plain", plain.Name)
	assert.Equal(t, "https://x.example.com", plain.Snippet)
}
