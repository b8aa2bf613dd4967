// Package navigation draws and toggles a route from the user to a pin.
package navigation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"charcha/api/internal/directions"
	"charcha/api/internal/loop"
	"charcha/api/internal/mapview"
	"charcha/api/internal/position"
	"charcha/api/internal/signal"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	fitPadding  = 100
	fitDuration = 1000 * time.Millisecond
)

type Router interface {
	Route(ctx context.Context, from, to orb.Point) (directions.Route, error)
}

type Locator interface {
	Current(ctx context.Context) (position.Point, error)
}

type Publisher interface {
	Publish(e signal.Event)
}

// RouteState is the displayed route. ETAMinutes and DistanceKm are nil when
// the straight-line fallback is shown.
type RouteState struct {
	Geometry        orb.LineString
	DurationSeconds float64
	DistanceMeters  float64
	Degraded        bool
	ETAMinutes      *int
	DistanceKm      *float64
}

type Options struct {
	Surface    mapview.Surface
	Dispatcher loop.Dispatcher
	Router     Router
	Locator    Locator
	Publisher  Publisher
	Log        *slog.Logger
	// Timeout bounds the directions request; defaults to four seconds.
	Timeout time.Duration
}

// Overlay owns the single route line. Toggle, Clear and State run on the
// session loop.
type Overlay struct {
	surface mapview.Surface
	disp    loop.Dispatcher
	router  Router
	locator Locator
	pub     Publisher
	log     *slog.Logger
	timeout time.Duration

	gen     uint64
	cancel  context.CancelFunc
	route   *RouteState
	hasLine bool
}

func New(o Options) *Overlay {
	if o.Timeout <= 0 {
		o.Timeout = 4 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return &Overlay{
		surface: o.Surface,
		disp:    o.Dispatcher,
		router:  o.Router,
		locator: o.Locator,
		pub:     o.Publisher,
		log:     o.Log,
		timeout: o.Timeout,
	}
}

// Toggle clears a shown or pending route. Otherwise it starts routing from
// the user's position to target; the result is drawn when it arrives.
func (o *Overlay) Toggle(ctx context.Context, target orb.Point) {
	if o.route != nil || o.cancel != nil {
		o.Clear()
		return
	}
	o.gen++
	gen := o.gen
	rctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.request(rctx, gen, target)
}

func (o *Overlay) request(ctx context.Context, gen uint64, target orb.Point) {
	p, err := o.locator.Current(ctx)
	if err != nil {
		o.disp.Dispatch(func() { o.abort(gen, err) })
		return
	}
	from := p.Orb()
	rctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	rt, err := o.router.Route(rctx, from, target)
	o.disp.Dispatch(func() { o.complete(gen, from, target, rt, err) })
}

func (o *Overlay) current(gen uint64) bool {
	return gen == o.gen && o.cancel != nil
}

func (o *Overlay) abort(gen uint64, err error) {
	if !o.current(gen) {
		return
	}
	o.cancel()
	o.cancel = nil
	if errors.Is(err, position.ErrNoLocation) {
		o.log.Debug("navigation_no_location")
		return
	}
	o.log.Warn("navigation_position_failed", "error", err)
}

func (o *Overlay) complete(gen uint64, from, to orb.Point, rt directions.Route, err error) {
	if !o.current(gen) {
		return
	}
	o.cancel()
	o.cancel = nil

	var st RouteState
	if err != nil {
		o.log.Warn("navigation_directions_failed", "error", err)
		st = RouteState{Geometry: orb.LineString{from, to}, Degraded: true}
	} else {
		eta := int(math.Round(rt.DurationSeconds / 60))
		km := math.Round(rt.DistanceMeters/100) / 10
		st = RouteState{
			Geometry:        rt.Geometry,
			DurationSeconds: rt.DurationSeconds,
			DistanceMeters:  rt.DistanceMeters,
			ETAMinutes:      &eta,
			DistanceKm:      &km,
		}
	}
	o.draw(st.Geometry)
	o.route = &st
	o.publish()
}

func (o *Overlay) draw(line orb.LineString) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(line))
	if o.hasLine {
		o.surface.SetSourceData(mapview.SourceRoute, fc)
	} else {
		o.surface.AddSource(mapview.SourceRoute, fc)
		o.surface.AddLayer(mapview.RouteLayer())
		o.hasLine = true
	}
	o.surface.FitBounds(line.Bound(), mapview.Camera{Padding: fitPadding, Duration: fitDuration})
}

// Clear removes the route and cancels any pending request.
func (o *Overlay) Clear() {
	had := o.route != nil || o.cancel != nil
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.hasLine {
		o.surface.RemoveLayer(mapview.LayerRoute)
		o.surface.RemoveSource(mapview.SourceRoute)
		o.hasLine = false
	}
	o.route = nil
	if had {
		o.publish()
	}
}

// Pending reports whether a route request is in flight.
func (o *Overlay) Pending() bool {
	return o.cancel != nil
}

// State returns a copy of the shown route.
func (o *Overlay) State() (RouteState, bool) {
	if o.route == nil {
		return RouteState{}, false
	}
	st := *o.route
	st.Geometry = append(orb.LineString(nil), o.route.Geometry...)
	return st, true
}

func (o *Overlay) publish() {
	if o.pub == nil {
		return
	}
	ev := signal.RouteChanged{}
	if o.route != nil {
		ev.Active = true
		ev.Degraded = o.route.Degraded
		ev.ETAMinutes = o.route.ETAMinutes
		ev.DistanceKm = o.route.DistanceKm
	}
	o.pub.Publish(ev)
}
