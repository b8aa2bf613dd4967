// Package mapview drives the third-party map surface: district layers, pin
// markers, the user-location dot and the signals that move the camera.
package mapview

import (
	"time"

	"github.com/paulmach/orb"
)

// Source and layer ids shared with the browser map.
const (
	SourceDistricts    = "districts"
	SourceUserLocation = "user-location"
	SourceRoute        = "navigation-line"

	LayerDistrictsFill      = "districts-fill"
	LayerDistrictsOutline   = "districts-outline"
	LayerDistrictsHighlight = "districts-highlight"
	LayerDistrictNames      = "district-names"
	LayerUserLocation       = "user-location-layer"
	LayerRoute              = "navigation-line-layer"
)

type Layer struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
	Filter []any          `json:"filter,omitempty"`
}

type Marker struct {
	ID      string  `json:"id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Color   string  `json:"color"`
	Animate bool    `json:"animate"`
	PinType string  `json:"pinType"`
}

type Camera struct {
	Padding  int           `json:"padding"`
	Duration time.Duration `json:"-"`
}

// Surface is the map primitive the renderer and the navigation overlay
// draw on. Calls never fail from the caller's point of view; a surface that
// loses its client drops commands.
type Surface interface {
	AddSource(id string, data any)
	SetSourceData(id string, data any)
	RemoveSource(id string)
	AddLayer(l Layer)
	RemoveLayer(id string)
	SetFilter(layerID string, filter []any)

	FitBounds(b orb.Bound, cam Camera)
	FlyTo(center orb.Point, zoom float64)

	AddMarker(m Marker)
	UpdateMarker(m Marker)
	RemoveMarker(id string)
	PulseMarker(id string, d time.Duration)

	SetCursor(cursor string)
	ShowPreview(color string, at orb.Point)
	HidePreview()
	Remove()
}
