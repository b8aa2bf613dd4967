package mapview

import (
	"strings"

	"charcha/api/internal/geometry"
)

const (
	highlightColor = "#FFD700"
	userDotColor   = "#3b82f6"
)

// DistrictLayers returns the fill, outline, highlight and label layers over
// the districts source, in draw order.
func DistrictLayers() []Layer {
	fill := append([]any{"interpolate", []any{"linear"}, []any{"get", geometry.DensityProperty}}, geometry.DensityStops()...)
	return []Layer{
		{
			ID:     LayerDistrictsFill,
			Type:   "fill",
			Source: SourceDistricts,
			Paint: map[string]any{
				"fill-color":   fill,
				"fill-opacity": 0.2,
			},
		},
		{
			ID:     LayerDistrictsOutline,
			Type:   "line",
			Source: SourceDistricts,
			Paint:  map[string]any{"line-color": "#ffffff", "line-width": 1.5},
		},
		{
			ID:     LayerDistrictsHighlight,
			Type:   "line",
			Source: SourceDistricts,
			Paint:  map[string]any{"line-color": highlightColor, "line-width": 3},
			Filter: HighlightFilter(""),
		},
		{
			ID:     LayerDistrictNames,
			Type:   "symbol",
			Source: SourceDistricts,
			Layout: map[string]any{
				"text-field":            []any{"get", geometry.NameProperty},
				"text-font":             []any{"Open Sans Bold", "Arial Unicode MS Bold"},
				"text-size":             12,
				"text-allow-overlap":    false,
				"text-ignore-placement": false,
			},
			Paint: map[string]any{
				"text-color":      "#FFFFFF",
				"text-halo-color": "#000000",
				"text-halo-width": 1.5,
				"text-opacity":    []any{"step", []any{"zoom"}, 0, 6.5, 1},
			},
		},
	}
}

// HighlightFilter matches the named district regardless of case.
func HighlightFilter(name string) []any {
	return []any{"==", []any{"upcase", []any{"get", geometry.NameProperty}}, strings.ToUpper(name)}
}

func UserLocationLayer() Layer {
	return Layer{
		ID:     LayerUserLocation,
		Type:   "circle",
		Source: SourceUserLocation,
		Paint: map[string]any{
			"circle-radius":       6,
			"circle-color":        userDotColor,
			"circle-stroke-color": "#ffffff",
			"circle-stroke-width": 2,
		},
	}
}

func RouteLayer() Layer {
	return Layer{
		ID:     LayerRoute,
		Type:   "line",
		Source: SourceRoute,
		Layout: map[string]any{"line-join": "round", "line-cap": "round"},
		Paint: map[string]any{
			"line-color":     "#3b82f6",
			"line-width":     4,
			"line-dasharray": []any{2, 2},
		},
	}
}
