// Package search finds pins whose text mentions both a location and an
// incident, answering with the coordinates the map flies to.
package search

import (
	"context"
	"errors"
	"strings"

	"charcha/api/internal/store"
)

var ErrEmptyQuery = errors.New("location and incident are required")

// Match is one pin to fly to.
type Match struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	PostID string  `json:"postId"`
	Text   string  `json:"content,omitempty"`
}

// Query describes a pin lookup. Both terms must appear in the pin text.
type Query struct {
	Location string
	Incident string
	District string // empty = every district
	Limit    int
}

func (q Query) Validate() error {
	if strings.TrimSpace(q.Location) == "" || strings.TrimSpace(q.Incident) == "" {
		return ErrEmptyQuery
	}
	return nil
}

func (q Query) text() string {
	return strings.TrimSpace(q.Location) + " " + strings.TrimSpace(q.Incident)
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// Matches reports whether text mentions both terms, case-insensitively.
func (q Query) Matches(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, strings.ToLower(strings.TrimSpace(q.Location))) &&
		strings.Contains(lower, strings.ToLower(strings.TrimSpace(q.Incident)))
}

// Searcher resolves a query to pins.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Match, error)
	Healthy() bool
}

// PinRecord is the data we index for a pin.
type PinRecord struct {
	ID         string  `json:"id"`
	District   string  `json:"district"`
	Text       string  `json:"text"`
	AuthorName string  `json:"authorName"`
	PinType    string  `json:"pinType"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	CreatedAt  int64   `json:"createdAt"`
}

// RecordFromPost reports false for posts that cannot be flown to.
func RecordFromPost(p store.Post) (PinRecord, bool) {
	if p.IsDeleted || !p.HasLocation() {
		return PinRecord{}, false
	}
	return PinRecord{
		ID:         p.ID,
		District:   p.District,
		Text:       p.Text,
		AuthorName: p.AuthorName,
		PinType:    p.PinType,
		Lat:        *p.Lat,
		Lng:        *p.Lng,
		CreatedAt:  p.CreatedAt.Unix(),
	}, true
}
