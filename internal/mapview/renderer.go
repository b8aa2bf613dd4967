package mapview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"charcha/api/internal/geometry"
	"charcha/api/internal/loop"
	"charcha/api/internal/pinfeed"
	"charcha/api/internal/position"
	"charcha/api/internal/signal"
	"charcha/api/internal/store"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Destroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	selectPadding  = 50
	selectDuration = 1000 * time.Millisecond
	pinZoom        = 14
	areaZoom       = 15
	pulseFor       = 2400 * time.Millisecond
)

var ErrNotReady = errors.New("map is not ready")

// PinFeed is the pin synchronizer as seen by the renderer.
type PinFeed interface {
	Subscribe(ctx context.Context, district string) error
	Unsubscribe()
	Refresh()
	Active() string
}

// Navigator toggles the route to a target.
type Navigator interface {
	Toggle(ctx context.Context, target orb.Point)
}

type Options struct {
	Surface    Surface
	Dispatcher loop.Dispatcher
	Bus        *signal.Bus
	Geometry   *geometry.Provider
	Pins       PinFeed
	Navigator  Navigator
	Log        *slog.Logger
}

// Renderer owns one map surface. Every method runs on the session loop.
type Renderer struct {
	surface Surface
	disp    loop.Dispatcher
	bus     *signal.Bus
	geo     *geometry.Provider
	pins    PinFeed
	nav     Navigator
	log     *slog.Logger

	ctx       context.Context
	state     State
	fetching  bool
	districts *geometry.Collection
	markers   *Markers
	selected  string
	pending   string
	placing   string
	hasUser   bool
	stops     []func()
}

func NewRenderer(o Options) *Renderer {
	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{
		surface: o.Surface,
		disp:    o.Dispatcher,
		bus:     o.Bus,
		geo:     o.Geometry,
		pins:    o.Pins,
		nav:     o.Navigator,
		log:     log,
		ctx:     context.Background(),
		markers: NewMarkers(o.Surface),
	}
}

func (r *Renderer) State() State {
	return r.state
}

// Selected returns the highlighted district's canonical name.
func (r *Renderer) Selected() string {
	return r.selected
}

func (r *Renderer) Markers() *Markers {
	return r.markers
}

// Start fetches district geometry off the loop and finishes setup when it
// arrives. Calling Start again after a failed load retries it.
func (r *Renderer) Start(ctx context.Context) {
	if r.state == Ready || r.state == Destroyed || r.fetching {
		return
	}
	if r.state == Uninitialized {
		r.wireSignals()
	}
	r.ctx = ctx
	r.state = Loading
	r.fetching = true
	go func() {
		coll, err := r.geo.Get(ctx)
		r.disp.Dispatch(func() {
			r.fetching = false
			r.onGeometry(coll, err)
		})
	}()
}

func (r *Renderer) onGeometry(coll *geometry.Collection, err error) {
	if r.state != Loading {
		return
	}
	if err != nil {
		r.log.Error("map_geometry_load_failed", "error", err)
		return
	}
	r.districts = coll
	r.surface.AddSource(SourceDistricts, coll.FeatureCollection())
	for _, l := range DistrictLayers() {
		r.surface.AddLayer(l)
	}
	r.state = Ready
	r.log.Debug("map_ready", "districts", coll.Len())

	if r.pending != "" {
		name := r.pending
		r.pending = ""
		_ = r.SelectDistrict(name)
	}
}

func (r *Renderer) wireSignals() {
	if r.bus == nil {
		return
	}
	on := func(k signal.Kind, fn func(signal.Event)) {
		r.stops = append(r.stops, r.bus.Subscribe(k, func(e signal.Event) {
			if r.state == Destroyed {
				return
			}
			fn(e)
		}))
	}
	on(signal.KindSelectDistrict, func(e signal.Event) {
		_ = r.SelectDistrict(e.(signal.SelectDistrict).Name)
	})
	on(signal.KindFlyToPin, func(e signal.Event) {
		ev := e.(signal.FlyToPin)
		r.flyTo(ev.Lat, ev.Lng, pinZoom)
		r.Highlight(ev.PostID)
	})
	on(signal.KindFlyToArea, func(e signal.Event) {
		ev := e.(signal.FlyToArea)
		r.flyTo(ev.Lat, ev.Lng, areaZoom)
	})
	on(signal.KindFlyToCoordinates, func(e signal.Event) {
		ev := e.(signal.FlyToCoordinates)
		if len(ev.Points) == 0 {
			return
		}
		first := ev.Points[0]
		r.flyTo(first.Lat, first.Lng, pinZoom)
		if first.PostID != "" {
			r.Highlight(first.PostID)
		}
	})
	on(signal.KindHighlightPin, func(e signal.Event) {
		r.Highlight(e.(signal.HighlightPin).PostID)
	})
	on(signal.KindRefreshPins, func(e signal.Event) {
		d := e.(signal.RefreshPins).District
		if d != "" && strings.EqualFold(d, r.pins.Active()) {
			r.pins.Refresh()
		}
	})
	on(signal.KindStartNavigation, func(e signal.Event) {
		ev := e.(signal.StartNavigation)
		if r.nav != nil {
			r.nav.Toggle(r.ctx, orb.Point{ev.Lng, ev.Lat})
		}
	})
}

func (r *Renderer) flyTo(lat, lng float64, zoom float64) {
	if r.state != Ready {
		return
	}
	r.surface.FlyTo(orb.Point{lng, lat}, zoom)
}

// SelectDistrict highlights name, frames it and switches the pin feed. A
// selection made while loading is applied once the map is ready.
func (r *Renderer) SelectDistrict(name string) error {
	switch r.state {
	case Loading:
		r.pending = name
		return nil
	case Ready:
	default:
		return ErrNotReady
	}
	d, err := r.districts.Lookup(name)
	if err != nil {
		r.log.Warn("map_unknown_district", "district", name)
		return err
	}
	if d.Name != r.selected {
		r.surface.SetFilter(LayerDistrictsHighlight, HighlightFilter(d.Name))
		r.selected = d.Name
	}
	r.surface.FitBounds(d.Bound(), Camera{Padding: selectPadding, Duration: selectDuration})

	if r.pins != nil && r.pins.Active() != d.Name {
		r.markers.Clear()
		if err := r.pins.Subscribe(r.ctx, d.Name); err != nil {
			// the previous pins are already gone; the map keeps the highlight
			r.log.Warn("map_pin_switch_failed", "district", d.Name, "error", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(signal.DistrictSelected{Name: d.Name})
	}
	return nil
}

// ShowPins reconciles markers with the latest feature collection.
func (r *Renderer) ShowPins(fc pinfeed.FeatureCollection) {
	if r.state != Ready || !strings.EqualFold(fc.District, r.selected) {
		return
	}
	added, updated, removed := r.markers.Reconcile(fc)
	if added+updated+removed > 0 {
		r.log.Debug("map_markers_reconciled", "district", fc.District, "added", added, "updated", updated, "removed", removed)
	}
}

// Highlight pulses a visible pin marker.
func (r *Renderer) Highlight(postID string) {
	if r.state != Ready {
		return
	}
	if _, ok := r.markers.Get(postID); ok {
		r.surface.PulseMarker(postID, pulseFor)
	}
}

// SetPlacing enters pin placement mode for pinType, or leaves it when
// pinType is empty.
func (r *Renderer) SetPlacing(pinType string) {
	if r.state != Ready {
		return
	}
	switch pinType {
	case "":
		if r.placing == "" {
			return
		}
		r.placing = ""
		r.surface.SetCursor("")
		r.surface.HidePreview()
	case store.PinLive, store.PinPersistent:
		r.placing = pinType
		r.surface.SetCursor("crosshair")
	default:
		r.log.Warn("map_unknown_pin_type", "pin_type", pinType)
	}
}

func (r *Renderer) Placing() string {
	return r.placing
}

func previewColor(pinType string) string {
	if pinType == store.PinPersistent {
		return pinfeed.ColorPersistent
	}
	return pinfeed.ColorUrgent
}

// PointerMove tracks the placement preview.
func (r *Renderer) PointerMove(lat, lng float64) {
	if r.state != Ready || r.placing == "" {
		return
	}
	r.surface.ShowPreview(previewColor(r.placing), orb.Point{lng, lat})
}

// MapClick places a pin in placement mode, otherwise selects the district
// under the pointer.
func (r *Renderer) MapClick(lat, lng float64) {
	if r.state != Ready {
		return
	}
	if r.placing != "" {
		pinType := r.placing
		r.SetPlacing("")
		if r.bus != nil {
			r.bus.Publish(signal.PinPlaced{Lat: lat, Lng: lng, PinType: pinType})
		}
		return
	}
	if d := r.districts.Locate(orb.Point{lng, lat}); d != nil {
		_ = r.SelectDistrict(d.Name)
	}
}

// MarkerClick opens the clicked pin's thread. Suppressed while placing.
func (r *Renderer) MarkerClick(postID string) {
	if r.state != Ready || r.placing != "" {
		return
	}
	if _, ok := r.markers.Get(postID); !ok {
		return
	}
	r.surface.PulseMarker(postID, pulseFor)
	if r.bus != nil {
		r.bus.Publish(signal.PinClicked{PostID: postID})
		r.bus.Publish(signal.ScrollToPost{PostID: postID})
		r.bus.Publish(signal.OpenThreadPanel{})
	}
}

// MarkerHover switches to a pointer cursor over a marker.
func (r *Renderer) MarkerHover(postID string, over bool) {
	if r.state != Ready || r.placing != "" {
		return
	}
	if over {
		r.surface.SetCursor("pointer")
		return
	}
	r.surface.SetCursor("")
}

// ShowUser moves the user-location dot.
func (r *Renderer) ShowUser(p position.Point) {
	if r.state != Ready {
		return
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(p.Orb()))
	if !r.hasUser {
		r.surface.AddSource(SourceUserLocation, fc)
		r.surface.AddLayer(UserLocationLayer())
		r.hasUser = true
		return
	}
	r.surface.SetSourceData(SourceUserLocation, fc)
}

// Destroy releases signal handlers, the pin subscription and the surface.
// The renderer cannot be restarted.
func (r *Renderer) Destroy() {
	if r.state == Destroyed {
		return
	}
	for _, stop := range r.stops {
		stop()
	}
	r.stops = nil
	if r.pins != nil {
		r.pins.Unsubscribe()
	}
	r.markers.Clear()
	r.surface.Remove()
	r.state = Destroyed
}
