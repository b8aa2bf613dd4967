package signal

import (
	"errors"
	"testing"

	"charcha/api/internal/loop"
)

func TestBusDeliversByKindOnDispatcher(t *testing.T) {
	q := &loop.Queue{}
	bus := NewBus(q)

	var selected []string
	var all int
	bus.Subscribe(KindSelectDistrict, func(e Event) {
		selected = append(selected, e.(SelectDistrict).Name)
	})
	bus.SubscribeAll(func(Event) { all++ })

	bus.Publish(SelectDistrict{Name: "Pune"})
	bus.Publish(HighlightPin{PostID: "p1"})
	if len(selected) != 0 || all != 0 {
		t.Fatal("handlers must not run before the loop drains")
	}
	q.Drain()

	if len(selected) != 1 || selected[0] != "Pune" {
		t.Fatalf("unexpected select deliveries %v", selected)
	}
	if all != 2 {
		t.Fatalf("expected catch-all to see 2 events, got %d", all)
	}
}

func TestBusUnsubscribeSkipsQueuedDelivery(t *testing.T) {
	q := &loop.Queue{}
	bus := NewBus(q)
	calls := 0
	unsub := bus.Subscribe(KindRefreshPins, func(Event) { calls++ })
	bus.Publish(RefreshPins{District: "Pune"})
	unsub()
	unsub()
	q.Drain()
	if calls != 0 {
		t.Fatalf("removed handler ran %d times", calls)
	}
	if bus.Len() != 0 {
		t.Fatalf("expected no handlers, got %d", bus.Len())
	}
}

func TestCodecRoundTripKeepsVariant(t *testing.T) {
	events := []Event{
		SelectDistrict{Name: "Hyderabad"},
		FlyToCoordinates{Points: []Coordinate{{Lat: 17.4, Lng: 78.5, PostID: "p1"}}},
		FlyToPin{Lat: 17.4, Lng: 78.5, PostID: "p1"},
		StartNavigation{Lat: 1, Lng: 2},
		OpenThreadPanel{},
	}
	for _, e := range events {
		data, err := Encode(e)
		if err != nil {
			t.Fatalf("encode %s: %v", e.Kind(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", e.Kind(), err)
		}
		if got.Kind() != e.Kind() {
			t.Fatalf("expected %s, got %s", e.Kind(), got.Kind())
		}
	}
}

func TestDecodeWireShape(t *testing.T) {
	got, err := Decode([]byte(`{"type":"fly-to-pin","payload":{"lat":12.9,"lng":77.6,"postId":"p9"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	pin, ok := got.(FlyToPin)
	if !ok {
		t.Fatalf("expected FlyToPin value, got %T", got)
	}
	if pin.PostID != "p9" || pin.Lat != 12.9 {
		t.Fatalf("unexpected payload %+v", pin)
	}

	_, err = Decode([]byte(`{"type":"open-chat"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
