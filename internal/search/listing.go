package search

import (
	"context"
	"errors"
	"strings"

	"demoreel/api/internal/demo"
)

// DemoLister is satisfied by the private demo store.
type DemoLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]demo.Metadata, error)
}

// Listing searches by scanning the owner's demo list. It is the fallback
// when Meilisearch is unavailable and always reports healthy.
type Listing struct {
	lister DemoLister
}

func NewListing(lister DemoLister) *Listing {
	return &Listing{lister: lister}
}

func (l *Listing) Healthy() bool {
	return true
}

// Search matches the text case-insensitively against the demo name and id.
// Results keep the lister's order, most recently updated first.
func (l *Listing) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.OwnerID == "" {
		return nil, 0, errors.New("owner is required")
	}

	demos, err := l.lister.ListByOwner(ctx, q.OwnerID)
	if err != nil {
		return nil, 0, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matches []Result
	for _, meta := range demos {
		if q.Status != "" && string(meta.Status) != q.Status {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(meta.Name), needle) &&
			!strings.Contains(strings.ToLower(meta.DemoID), needle) {
			continue
		}
		matches = append(matches, Result{
			ID:        meta.DemoID,
			Name:      meta.Name,
			Status:    string(meta.Status),
			UpdatedAt: demo.FormatTime(meta.UpdatedAt),
		})
	}

	total := len(matches)
	start := q.offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + q.limit()
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}
