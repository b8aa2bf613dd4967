package mapview

import (
	"time"

	"github.com/paulmach/orb"
)

// Command is one surface call serialized for a remote map client.
type Command struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// CommandSurface turns surface calls into Commands for send, which must not
// block the loop.
type CommandSurface struct {
	send func(Command)
}

func NewCommandSurface(send func(Command)) *CommandSurface {
	return &CommandSurface{send: send}
}

func (s *CommandSurface) emit(op string, args map[string]any) {
	s.send(Command{Op: op, Args: args})
}

func lngLat(p orb.Point) []float64 {
	return []float64{p.Lon(), p.Lat()}
}

func (s *CommandSurface) AddSource(id string, data any) {
	s.emit("addSource", map[string]any{"id": id, "data": data})
}

func (s *CommandSurface) SetSourceData(id string, data any) {
	s.emit("setSourceData", map[string]any{"id": id, "data": data})
}

func (s *CommandSurface) RemoveSource(id string) {
	s.emit("removeSource", map[string]any{"id": id})
}

func (s *CommandSurface) AddLayer(l Layer) {
	s.emit("addLayer", map[string]any{"layer": l})
}

func (s *CommandSurface) RemoveLayer(id string) {
	s.emit("removeLayer", map[string]any{"id": id})
}

func (s *CommandSurface) SetFilter(layerID string, filter []any) {
	s.emit("setFilter", map[string]any{"id": layerID, "filter": filter})
}

func (s *CommandSurface) FitBounds(b orb.Bound, cam Camera) {
	s.emit("fitBounds", map[string]any{
		"bounds":   [][]float64{lngLat(b.Min), lngLat(b.Max)},
		"padding":  cam.Padding,
		"duration": cam.Duration.Milliseconds(),
	})
}

func (s *CommandSurface) FlyTo(center orb.Point, zoom float64) {
	s.emit("flyTo", map[string]any{"center": lngLat(center), "zoom": zoom})
}

func (s *CommandSurface) AddMarker(m Marker) {
	s.emit("addMarker", map[string]any{"marker": m})
}

func (s *CommandSurface) UpdateMarker(m Marker) {
	s.emit("updateMarker", map[string]any{"marker": m})
}

func (s *CommandSurface) RemoveMarker(id string) {
	s.emit("removeMarker", map[string]any{"id": id})
}

func (s *CommandSurface) PulseMarker(id string, d time.Duration) {
	s.emit("pulseMarker", map[string]any{"id": id, "duration": d.Milliseconds()})
}

func (s *CommandSurface) SetCursor(cursor string) {
	s.emit("setCursor", map[string]any{"cursor": cursor})
}

func (s *CommandSurface) ShowPreview(color string, at orb.Point) {
	s.emit("showPreview", map[string]any{"color": color, "at": lngLat(at)})
}

func (s *CommandSurface) HidePreview() {
	s.emit("hidePreview", nil)
}

func (s *CommandSurface) Remove() {
	s.emit("remove", nil)
}
