package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const demoIndex = "demoreel_demos"

// Meili is the Meilisearch-backed Index.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the demo index. An
// unreachable server is not an error: the instance starts unhealthy and a
// background loop keeps probing.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(10 * time.Second)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: demoIndex, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index failed, it may already exist", "index", demoIndex, "error", err)
	}

	index := m.client.Index(demoIndex)
	filterable := []interface{}{"ownerId", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", demoIndex, "error", err)
	}
	searchable := []string{"name", "pageUrls", "id"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", demoIndex, "error", err)
	}
}

func (m *Meili) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{buildRequest(q)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// buildRequest always filters on the owner so a query can never return
// another owner's demos.
func buildRequest(q Query) *meili.SearchRequest {
	filters := []string{fmt.Sprintf("ownerId = %q", q.OwnerID)}
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}
	return &meili.SearchRequest{
		IndexUID:              demoIndex,
		Query:                 q.Text,
		Limit:                 int64(q.limit()),
		Offset:                int64(q.offset()),
		Filter:                filters,
		AttributesToHighlight: []string{"name", "pageUrls"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:        decodeString(hit, "id"),
		Name:      firstNonBlank(decodeFormatted(hit, "name"), decodeString(hit, "name")),
		Status:    decodeString(hit, "status"),
		Snippet:   firstMarkedURL(hit),
		UpdatedAt: decodeString(hit, "updatedAt"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func formatted(hit meili.Hit) map[string]json.RawMessage {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := formatted(hit)[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// firstMarkedURL picks the first highlighted page URL, else the first URL.
func firstMarkedURL(hit meili.Hit) string {
	var urls []string
	if raw, ok := formatted(hit)["pageUrls"]; ok && json.Unmarshal(raw, &urls) == nil {
		for _, u := range urls {
			if strings.Contains(u, "<mark>") {
				return u
			}
		}
	}
	if raw, ok := hit["pageUrls"]; ok && json.Unmarshal(raw, &urls) == nil && len(urls) > 0 {
		return urls[0]
	}
	return ""
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexDemos(records []DemoRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(demoIndex).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteDemo(id string) error {
	_, err := m.client.Index(demoIndex).DeleteDocument(id, nil)
	return err
}
