package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"charcha/api/internal/logger"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxPins = "charcha_pins"

// Meili implements Searcher over the pin index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the pin index. An
// unreachable server is tolerated; the health loop picks it up later.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.L().Warn("search_meili_unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPins,
		PrimaryKey: "id",
	}); err != nil {
		logger.L().Debug("search_create_index", "index", idxPins, "error", err)
	}

	index := m.client.Index(idxPins)
	filterable := []interface{}{"district", "pinType"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.L().Warn("search_filterable_attrs", "index", idxPins, "error", err)
	}
	searchable := []string{"text", "district"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.L().Warn("search_searchable_attrs", "index", idxPins, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logger.L().Info("search_meili_recovered")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs the combined terms against the pin index and keeps only hits
// whose text holds both terms; typo tolerance would otherwise widen matches.
func (m *Meili) Search(_ context.Context, q Query) ([]Match, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	sr := &meili.SearchRequest{
		IndexUID: idxPins,
		Query:    q.text(),
		Limit:    int64(q.limit()),
	}
	if q.District != "" {
		sr.Filter = []string{fmt.Sprintf("district = %q", q.District)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	var out []Match
	for _, res := range resp.Results {
		for _, hit := range res.Hits {
			text := decodeString(hit, "text")
			if !q.Matches(text) {
				continue
			}
			out = append(out, Match{
				Lat:    decodeFloat(hit, "lat"),
				Lng:    decodeFloat(hit, "lng"),
				PostID: decodeString(hit, "id"),
				Text:   text,
			})
		}
	}
	return out, nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}

// IndexPin adds or updates a pin.
func (m *Meili) IndexPin(r PinRecord) error {
	_, err := m.client.Index(idxPins).AddDocuments([]PinRecord{r}, nil)
	return err
}

func (m *Meili) DeletePin(id string) error {
	_, err := m.client.Index(idxPins).DeleteDocument(id, nil)
	return err
}

// IndexPins bulk-indexes pins.
func (m *Meili) IndexPins(pins []PinRecord) error {
	if len(pins) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPins).AddDocuments(pins, nil)
	return err
}
