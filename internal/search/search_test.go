package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"charcha/api/internal/store"
)

func TestQueryMatchesNeedsBothTerms(t *testing.T) {
	q := Query{Location: "Nacharam", Incident: "flood"}
	cases := map[string]bool{
		"Heavy FLOODING near nacharam bus stop": true,
		"flood in Uppal":                        false,
		"nacharam traffic":                      false,
		"":                                      false,
	}
	for text, want := range cases {
		if got := q.Matches(text); got != want {
			t.Errorf("Matches(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestQueryValidate(t *testing.T) {
	if err := (Query{Location: " ", Incident: "flood"}).Validate(); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if err := (Query{Location: "x", Incident: "y"}).Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRecordFromPostSkipsUnflyable(t *testing.T) {
	if _, ok := RecordFromPost(store.Post{ID: "p", Text: "x"}); ok {
		t.Fatal("post without location must not be indexed")
	}
	if _, ok := RecordFromPost(store.Post{ID: "p", Lat: store.Float(1), Lng: store.Float(2), IsDeleted: true}); ok {
		t.Fatal("deleted post must not be indexed")
	}
	r, ok := RecordFromPost(store.Post{ID: "p", District: "Hyderabad", Lat: store.Float(1), Lng: store.Float(2), CreatedAt: time.Unix(100, 0)})
	if !ok || r.Lat != 1 || r.Lng != 2 || r.CreatedAt != 100 {
		t.Fatalf("unexpected record %+v", r)
	}
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	add := func(district, text string, located bool) store.Post {
		p := store.Post{District: district, Text: text, PinType: store.PinLive, AuthorID: "a"}
		if located {
			p.Lat, p.Lng = store.Float(17.4), store.Float(78.5)
		}
		out, err := st.AddPost(ctx, p)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		return out
	}
	add("Hyderabad", "flood near Nacharam", true)
	add("Hyderabad", "flood near Nacharam, no pin", false)
	add("Medchal-Malkajgiri", "Nacharam flood again", true)
	add("Hyderabad", "traffic in Nacharam", true)
	return st
}

func TestScanSearchesEveryDistrict(t *testing.T) {
	st := seedStore(t)
	scan := NewScan(st.ListPosts, func() []string { return []string{"Hyderabad", "Medchal-Malkajgiri"} })

	got, err := scan.Search(context.Background(), Query{Location: "nacharam", Incident: "flood"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 located matches, got %+v", got)
	}

	scoped, _ := scan.Search(context.Background(), Query{Location: "nacharam", Incident: "flood", District: "Hyderabad"})
	if len(scoped) != 1 {
		t.Fatalf("expected 1 match in Hyderabad, got %+v", scoped)
	}
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	st := seedStore(t)
	svc := NewService(nil, NewScan(st.ListPosts, func() []string { return []string{"Hyderabad"} }), nil)

	got, err := svc.Search(context.Background(), Query{Location: "Nacharam", Incident: "traffic"})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one match, got %+v err=%v", got, err)
	}
	none, err := svc.Search(context.Background(), Query{Location: "Uppal", Incident: "fire"})
	if err != nil || none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v err=%v", none, err)
	}
	if _, err := svc.Search(context.Background(), Query{Incident: "fire"}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	// indexing without meili is a no-op
	svc.IndexPin(PinRecord{ID: "x"})
	svc.DeletePin("x")
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, Query) ([]Match, error) {
	return nil, errors.New("db down")
}
func (failingSearcher) Healthy() bool { return false }

func TestServiceSwallowsFallbackErrors(t *testing.T) {
	svc := NewService(nil, failingSearcher{}, nil)
	got, err := svc.Search(context.Background(), Query{Location: "a", Incident: "b"})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %+v err=%v", got, err)
	}
}

func fakeMeili(t *testing.T, hits string) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/health":
			_, _ = w.Write([]byte(`{"status":"available"}`))
		case r.URL.Path == "/multi-search":
			body, _ := io.ReadAll(r.Body)
			var req struct {
				Queries []map[string]any `json:"queries"`
			}
			_ = json.Unmarshal(body, &req)
			for _, q := range req.Queries {
				s, _ := q["q"].(string)
				queries = append(queries, s)
			}
			_, _ = w.Write([]byte(`{"results":[{"indexUid":"charcha_pins","hits":` + hits + `,"query":"","processingTimeMs":1,"limit":20,"offset":0,"estimatedTotalHits":2}]}`))
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"taskUid":1,"indexUid":"charcha_pins","status":"enqueued","type":"settingsUpdate","enqueuedAt":"2026-01-01T00:00:00Z"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func TestMeiliSearchFiltersHitsByBothTerms(t *testing.T) {
	srv, queries := fakeMeili(t, `[
		{"id":"p1","text":"Flood near Nacharam","lat":17.41,"lng":78.55},
		{"id":"p2","text":"Floor tiles sale","lat":17.2,"lng":78.3}]`)
	m := NewMeili(srv.URL, "key")
	t.Cleanup(m.Close)
	if !m.Healthy() {
		t.Fatal("fake server should be healthy")
	}

	got, err := m.Search(context.Background(), Query{Location: "Nacharam", Incident: "flood"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].PostID != "p1" || got[0].Lat != 17.41 || got[0].Lng != 78.55 {
		t.Fatalf("unexpected matches %+v", got)
	}
	if len(*queries) != 1 || !strings.Contains((*queries)[0], "Nacharam") {
		t.Fatalf("unexpected query sent %v", *queries)
	}
}
