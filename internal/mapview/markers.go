package mapview

import "charcha/api/internal/pinfeed"

// Markers mirrors the pin markers currently on the surface, keyed by post id.
type Markers struct {
	surface Surface
	byID    map[string]Marker
}

func NewMarkers(s Surface) *Markers {
	return &Markers{surface: s, byID: make(map[string]Marker)}
}

func markerFor(f pinfeed.Feature) Marker {
	return Marker{
		ID:      f.PostID,
		Lat:     f.Lat,
		Lng:     f.Lng,
		Color:   f.Color,
		Animate: f.ShouldAnimate,
		PinType: f.PinType,
	}
}

// Reconcile makes the surface show exactly the markers in fc: vanished
// markers are removed, new ones added and changed ones updated in place.
func (m *Markers) Reconcile(fc pinfeed.FeatureCollection) (added, updated, removed int) {
	next := make(map[string]Marker, len(fc.Features))
	for _, f := range fc.Features {
		next[f.PostID] = markerFor(f)
	}
	for id := range m.byID {
		if _, ok := next[id]; !ok {
			m.surface.RemoveMarker(id)
			delete(m.byID, id)
			removed++
		}
	}
	for _, f := range fc.Features {
		mk := next[f.PostID]
		cur, ok := m.byID[mk.ID]
		switch {
		case !ok:
			m.surface.AddMarker(mk)
			added++
		case cur != mk:
			m.surface.UpdateMarker(mk)
			updated++
		default:
			continue
		}
		m.byID[mk.ID] = mk
	}
	return added, updated, removed
}

func (m *Markers) Get(id string) (Marker, bool) {
	mk, ok := m.byID[id]
	return mk, ok
}

func (m *Markers) Len() int {
	return len(m.byID)
}

// Clear removes every marker from the surface.
func (m *Markers) Clear() {
	for id := range m.byID {
		m.surface.RemoveMarker(id)
	}
	m.byID = make(map[string]Marker)
}
