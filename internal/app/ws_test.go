package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"charcha/api/internal/signal"
	"charcha/api/internal/store"
	"charcha/api/internal/subs"

	"github.com/gorilla/websocket"
)

func dialSession(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(env.server.URL)
	u.Scheme = "ws"
	u.Path = "/api/session/ws"
	u.RawQuery = "token=" + url.QueryEscape(token(t, "viewer"))
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func selectDistrict(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	payload, _ := json.Marshal(signal.SelectDistrict{Name: name})
	if err := conn.WriteJSON(map[string]any{
		"type":   "signal",
		"signal": signal.Envelope{Type: signal.KindSelectDistrict, Payload: payload},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// onlySession returns the hub's single open session.
func onlySession(t *testing.T, h *Hub) *mapSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		for _, sess := range h.sessions {
			h.mu.Unlock()
			return sess
		}
		h.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no open session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// onLoop runs fn on the session loop and waits for it.
func onLoop(t *testing.T, sess *mapSession, fn func()) {
	t.Helper()
	done := make(chan struct{})
	sess.lp.Dispatch(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not run the task")
	}
}

func seedPins(t *testing.T, mem *store.MemoryStore, district string, n int, lat, lng float64) []store.Post {
	t.Helper()
	out := make([]store.Post, 0, n)
	for i := 0; i < n; i++ {
		p, err := mem.AddPost(context.Background(), store.Post{
			District: district, AuthorID: "a", Text: fmt.Sprintf("report %d", i), PinType: store.PinPersistent,
			Lat: store.Float(lat + float64(i)*1e-4), Lng: store.Float(lng),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func TestMapSessionDeliversLargeDistrictBurst(t *testing.T) {
	mem := store.NewMemoryStore()
	const n = 300
	seedPins(t, mem, "Hyderabad", n, 17.35, 78.45)
	env := newTestEnv(t, mem)
	conn := dialSession(t, env)

	selectDistrict(t, conn, "Hyderabad")

	markers := map[string]bool{}
	threads := map[string]bool{}
	readUntil(t, conn, func(m serverMessage) bool {
		switch m.Type {
		case "surface":
			for _, c := range m.Commands {
				if c.Op != "addMarker" {
					continue
				}
				raw, _ := json.Marshal(c.Args["marker"])
				var mk struct {
					ID string `json:"id"`
				}
				_ = json.Unmarshal(raw, &mk)
				markers[mk.ID] = true
			}
		case "thread":
			threads[m.Thread.Post.ID] = true
		case "error":
			t.Fatalf("unexpected error frame: %s", m.Error)
		}
		return len(markers) == n && len(threads) == n
	})

	if env.hub.Len() != 1 {
		t.Fatalf("session should survive the burst, hub has %d", env.hub.Len())
	}
}

func TestMapSessionDistrictSwitchReleasesOldSubscriptions(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	for _, d := range []struct {
		name     string
		lat, lng float64
	}{{"Hyderabad", 17.4, 78.5}, {"Warangal", 17.9, 79.6}} {
		p := seedPins(t, mem, d.name, 2, d.lat, d.lng)[0]
		if _, err := mem.AddComment(ctx, store.Comment{District: d.name, PostID: p.ID, AuthorID: "b", Text: "seen it"}); err != nil {
			t.Fatalf("comment: %v", err)
		}
	}
	env := newTestEnv(t, mem)
	conn := dialSession(t, env)

	order := []string{"Hyderabad", "Warangal", "Hyderabad", "Warangal", "Hyderabad", "Warangal"}
	selected := 0
	for _, name := range order {
		selectDistrict(t, conn, name)
		readUntil(t, conn, func(m serverMessage) bool {
			if m.Type != "signal" {
				return false
			}
			e, err := signal.Decode(m.Signal)
			if err != nil {
				return false
			}
			if ds, ok := e.(signal.DistrictSelected); ok && ds.Name == name {
				selected++
				return true
			}
			return false
		})
	}
	if selected != len(order) {
		t.Fatalf("expected %d selections, got %d", len(order), selected)
	}

	sess := onlySession(t, env.hub)
	current := store.PostsPath("Warangal")
	deadline := time.Now().Add(3 * time.Second)
	for {
		var stale, panelStale, total int
		var pins, panel bool
		onLoop(t, sess, func() {
			stale = sess.reg.LenPrefix("districts/Hyderabad")
			panelStale = sess.reg.LenPrefix(subs.Join("panel", "districts/Hyderabad"))
			pins = sess.reg.Has(current)
			panel = sess.reg.Has(subs.Join("panel", current))
			total = sess.reg.Len()
		})
		if stale != 0 || panelStale != 0 {
			t.Fatalf("old district still leased: %d pin/thread, %d panel", stale, panelStale)
		}
		// pins + panel + two comment lists + one reply list
		if pins && panel && total == 5 && mem.TotalSubscribers() == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly the Warangal leases, registry has %v, store has %d listeners",
				sess.reg.Paths(), mem.TotalSubscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMapSessionDropsClientThatStopsPonging(t *testing.T) {
	env := newTestEnvWith(t, nil, HubOptions{PongWait: 200 * time.Millisecond})
	dialSession(t, env)
	onlySession(t, env.hub)

	// the client never reads, so pings go unanswered
	deadline := time.Now().Add(3 * time.Second)
	for env.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent client was never dropped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
