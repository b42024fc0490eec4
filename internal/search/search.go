package search

import (
	"context"
	"strings"

	"demoreel/api/internal/demo"
)

// Result is a single demo hit returned to the owner.
type Result struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Snippet   string `json:"snippet"`
	UpdatedAt string `json:"updatedAt"`
}

// Query describes a search over one owner's demos. OwnerID is required; a
// search never crosses owners.
type Query struct {
	Text    string
	OwnerID string
	Status  string
	Limit   int
	Offset  int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that also accepts writes.
type Index interface {
	Searcher
	IndexDemos(records []DemoRecord) error
	DeleteDemo(id string) error
}

// DemoRecord is what gets indexed for a demo.
type DemoRecord struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	PageURLs  []string `json:"pageUrls"`
	StepCount int      `json:"stepCount"`
	UpdatedAt string   `json:"updatedAt"`
}

// NewDemoRecord builds the index record for a demo and its steps.
func NewDemoRecord(meta demo.Metadata, steps []demo.Step) DemoRecord {
	urls := make([]string, 0, len(steps))
	seen := make(map[string]bool, len(steps))
	for _, step := range steps {
		u := strings.TrimSpace(step.PageURL)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return DemoRecord{
		ID:        meta.DemoID,
		OwnerID:   meta.OwnerID,
		Name:      meta.Name,
		Status:    string(meta.Status),
		PageURLs:  urls,
		StepCount: len(steps),
		UpdatedAt: demo.FormatTime(meta.UpdatedAt),
	}
}
