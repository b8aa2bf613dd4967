package search

import (
	"context"
	"fmt"

	"charcha/api/internal/store"
)

// Scan matches by reading posts straight from the store. It backs the
// memory driver, where no index exists.
type Scan struct {
	list func(ctx context.Context, district string) ([]store.Post, error)
	// districts lists every district for unscoped queries.
	districts func() []string
}

func NewScan(list func(ctx context.Context, district string) ([]store.Post, error), districts func() []string) *Scan {
	return &Scan{list: list, districts: districts}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	names := []string{q.District}
	if q.District == "" && s.districts != nil {
		names = s.districts()
	}
	var out []Match
	for _, d := range names {
		posts, err := s.list(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("scan district %s: %w", d, err)
		}
		for _, p := range posts {
			r, ok := RecordFromPost(p)
			if !ok || !q.Matches(r.Text) {
				continue
			}
			out = append(out, Match{Lat: r.Lat, Lng: r.Lng, PostID: r.ID, Text: r.Text})
			if len(out) == q.limit() {
				return out, nil
			}
		}
	}
	return out, nil
}
