package pinfeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"charcha/api/internal/loop"
	"charcha/api/internal/store"
	"charcha/api/internal/subs"
)

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func livePost(id string, age time.Duration) store.Post {
	return store.Post{ID: id, PinType: store.PinLive, CreatedAt: now.Add(-age), Lat: store.Float(17.4), Lng: store.Float(78.5)}
}

func TestBuildColorTiers(t *testing.T) {
	tests := []struct {
		name    string
		post    store.Post
		want    string
		present bool
	}{
		{"live 10h is urgent", livePost("a", 10*time.Hour), ColorUrgent, true},
		{"live 30h is warning", livePost("b", 30*time.Hour), ColorWarning, true},
		{"live 50h is stable", livePost("c", 50*time.Hour), ColorStable, true},
		{"live 80h is expired", livePost("d", 80*time.Hour), "", false},
		{"live exactly 72h is expired", livePost("e", 72*time.Hour), "", false},
		{"live pending timestamp is urgent", store.Post{ID: "f", PinType: store.PinLive, Lat: store.Float(1), Lng: store.Float(1)}, ColorUrgent, true},
		{"persistent never expires", store.Post{ID: "g", PinType: store.PinPersistent, CreatedAt: now.Add(-5000 * time.Hour), Lat: store.Float(1), Lng: store.Float(1)}, ColorPersistent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := Build("Hyderabad", []store.Post{tt.post}, nil, now)
			f, ok := fc.Find(tt.post.ID)
			if ok != tt.present {
				t.Fatalf("present=%v, want %v", ok, tt.present)
			}
			if ok && f.Color != tt.want {
				t.Fatalf("color=%s, want %s", f.Color, tt.want)
			}
		})
	}
}

func TestBuildSkipsDeletedAndMalformed(t *testing.T) {
	deleted := livePost("del", time.Hour)
	deleted.IsDeleted = true
	noLat := livePost("nolat", time.Hour)
	noLat.Lat = nil
	outOfRange := livePost("range", time.Hour)
	outOfRange.Lat = store.Float(123)

	fc := Build("Hyderabad", []store.Post{deleted, noLat, outOfRange, livePost("ok", time.Hour), livePost("old", 100*time.Hour)}, nil, now)
	if len(fc.Features) != 1 || fc.Features[0].PostID != "ok" {
		t.Fatalf("expected only ok, got %+v", fc.Features)
	}
	if fc.Skipped != (Skips{Deleted: 1, Malformed: 2, Expired: 1}) {
		t.Fatalf("unexpected skip counts %+v", fc.Skipped)
	}
}

func TestBuildAnimatesOnlyNewIDsAfterFirstEmission(t *testing.T) {
	first := Build("H", []store.Post{livePost("a", time.Hour)}, nil, now)
	if first.Features[0].ShouldAnimate {
		t.Fatal("first emission must not animate")
	}
	second := Build("H", []store.Post{livePost("b", 0), livePost("a", time.Hour)}, first.IDs(), now)
	b, _ := second.Find("b")
	a, _ := second.Find("a")
	if !b.ShouldAnimate || a.ShouldAnimate {
		t.Fatalf("expected only b to animate, got a=%v b=%v", a.ShouldAnimate, b.ShouldAnimate)
	}
}

func TestGeoJSONUsesLngLatOrder(t *testing.T) {
	fc := Build("H", []store.Post{livePost("a", time.Hour)}, nil, now)
	gj := fc.GeoJSON()
	if len(gj.Features) != 1 {
		t.Fatalf("expected one feature")
	}
	pt := gj.Features[0].Point()
	if pt.Lon() != 78.5 || pt.Lat() != 17.4 {
		t.Fatalf("unexpected point %v", pt)
	}
	if gj.Features[0].Properties["pinColor"] != ColorUrgent {
		t.Fatalf("unexpected properties %v", gj.Features[0].Properties)
	}
}

type harness struct {
	st    *store.MemoryStore
	q     *loop.Queue
	reg   *subs.Registry
	sync  *Synchronizer
	emits []FeatureCollection
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{st: store.NewMemoryStore(), q: &loop.Queue{}, reg: subs.NewRegistry()}
	h.st.Now = func() time.Time { return now }
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sync = New(h.st, h.q, h.reg, log, func(fc FeatureCollection) { h.emits = append(h.emits, fc) })
	h.sync.Now = func() time.Time { return now }
	return h
}

func (h *harness) add(t *testing.T, district, pinType string) store.Post {
	t.Helper()
	p, err := h.st.AddPost(context.Background(), store.Post{District: district, PinType: pinType, Text: "x", Lat: store.Float(17.4), Lng: store.Float(78.5)})
	if err != nil {
		t.Fatalf("add post: %v", err)
	}
	return p
}

func TestSwitchingDistrictsLeavesOneSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	districts := []string{"Hyderabad", "Warangal", "Rangareddy", "Hyderabad", "Warangal"}
	for _, d := range districts {
		if err := h.sync.Subscribe(ctx, d); err != nil {
			t.Fatalf("subscribe %s: %v", d, err)
		}
	}
	if got := h.st.TotalSubscribers(); got != 1 {
		t.Fatalf("expected exactly one live store listener, got %d", got)
	}
	if h.st.Subscribers(store.PostsPath("Warangal")) != 1 {
		t.Fatal("expected the listener to be on the last district")
	}
	if h.reg.Len() != 1 || h.sync.Active() != "Warangal" {
		t.Fatalf("registry=%v active=%s", h.reg.Paths(), h.sync.Active())
	}

	h.q.Drain()
	for _, fc := range h.emits {
		if fc.District != "Warangal" {
			t.Fatalf("stale snapshot from %s leaked after switching", fc.District)
		}
	}
}

func TestSnapshotsFlowToSinkWithAnimation(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Hyderabad", store.PinPersistent)
	if err := h.sync.Subscribe(context.Background(), "Hyderabad"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.q.Drain()
	fresh := h.add(t, "Hyderabad", store.PinLive)
	h.q.Drain()

	if len(h.emits) != 2 {
		t.Fatalf("expected 2 emissions, got %d", len(h.emits))
	}
	f, ok := h.emits[1].Find(fresh.ID)
	if !ok || !f.ShouldAnimate || f.Color != ColorUrgent {
		t.Fatalf("expected new live pin animated and urgent, got %+v ok=%v", f, ok)
	}
}

func TestRefreshExpiresLivePinsOnTime(t *testing.T) {
	h := newHarness(t)
	p := h.add(t, "Hyderabad", store.PinLive)
	_ = h.sync.Subscribe(context.Background(), "Hyderabad")
	h.q.Drain()
	if _, ok := h.emits[0].Find(p.ID); !ok {
		t.Fatal("fresh live pin should be present")
	}

	h.sync.Now = func() time.Time { return now.Add(73 * time.Hour) }
	h.sync.Refresh()
	last, _ := h.sync.Last()
	if _, ok := last.Find(p.ID); ok {
		t.Fatal("live pin should expire after 72h without a store change")
	}
}

func TestSubscriptionErrorKeepsLastCollection(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Hyderabad", store.PinPersistent)
	_ = h.sync.Subscribe(context.Background(), "Hyderabad")
	h.q.Drain()

	h.st.Fail(store.PostsPath("Hyderabad"), errors.New("stream reset"))
	h.q.Drain()

	if len(h.emits) != 1 {
		t.Fatalf("an error must not emit, got %d emissions", len(h.emits))
	}
	if last, ok := h.sync.Last(); !ok || len(last.Features) != 1 {
		t.Fatal("last collection should stay displayed")
	}
}

func TestSubscribeFailureReleasesReservation(t *testing.T) {
	h := newHarness(t)
	h.st.SubscribeHook = func(string) error { return errors.New("denied") }
	err := h.sync.Subscribe(context.Background(), "Hyderabad")
	var subErr *store.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
	if h.reg.Len() != 0 || h.sync.Active() != "" {
		t.Fatalf("failed subscribe must not leave state: %v", h.reg.Paths())
	}
}

func TestUnsubscribeDropsQueuedSnapshots(t *testing.T) {
	h := newHarness(t)
	h.add(t, "Hyderabad", store.PinPersistent)
	_ = h.sync.Subscribe(context.Background(), "Hyderabad")
	h.sync.Unsubscribe()
	h.q.Drain()
	if len(h.emits) != 0 {
		t.Fatalf("expected queued snapshot to be dropped, got %d", len(h.emits))
	}
	if h.st.TotalSubscribers() != 0 {
		t.Fatal("listener not released")
	}
}
