// Package geometry loads the static district boundary collection.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

var ErrUnknownDistrict = errors.New("unknown district")

// NameProperty is the feature property holding the district name.
const NameProperty = "district"

// DensityProperty holds population density, numeric after Parse.
const DensityProperty = "density"

type District struct {
	Name     string
	geometry orb.Geometry
	props    geojson.Properties
	bound    orb.Bound
	density  float64
}

func (d *District) Bound() orb.Bound {
	return d.bound
}

func (d *District) Geometry() orb.Geometry {
	return d.geometry
}

// Density is the population density attribute; zero when absent.
func (d *District) Density() float64 {
	return d.density
}

// Contains reports whether p lies inside the district's polygons.
func (d *District) Contains(p orb.Point) bool {
	if !d.bound.Contains(p) {
		return false
	}
	switch g := d.geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

// Collection is immutable after Parse returns.
type Collection struct {
	districts []*District
	byName    map[string]*District
	raw       *geojson.FeatureCollection
}

func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geometry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse reads {type, features:[{properties:{district}, geometry}]}. Features
// without a name or a polygon geometry are dropped.
func Parse(data []byte) (*Collection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	c := &Collection{byName: make(map[string]*District), raw: geojson.NewFeatureCollection()}
	for _, f := range fc.Features {
		name := strings.TrimSpace(f.Properties.MustString(NameProperty, ""))
		if name == "" || f.Geometry == nil {
			continue
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			continue
		}
		key := strings.ToUpper(name)
		if _, dup := c.byName[key]; dup {
			continue
		}
		d := &District{
			Name:     name,
			geometry: f.Geometry,
			props:    f.Properties.Clone(),
			bound:    f.Geometry.Bound(),
			density:  readDensity(f.Properties),
		}
		c.districts = append(c.districts, d)
		c.byName[key] = d

		out := geojson.NewFeature(f.Geometry)
		out.Properties = d.props.Clone()
		out.Properties[DensityProperty] = d.density
		c.raw.Append(out)
	}
	if len(c.districts) == 0 {
		return nil, errors.New("decode geometry: no district polygons")
	}
	return c, nil
}

func readDensity(props geojson.Properties) float64 {
	switch v := props[DensityProperty].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// Lookup is case-insensitive.
func (c *Collection) Lookup(name string) (*District, error) {
	d, ok := c.byName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistrict, name)
	}
	return d, nil
}

// Locate returns the district containing p, or nil.
func (c *Collection) Locate(p orb.Point) *District {
	for _, d := range c.districts {
		if d.Contains(p) {
			return d
		}
	}
	return nil
}

func (c *Collection) Names() []string {
	names := make([]string, 0, len(c.districts))
	for _, d := range c.districts {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

func (c *Collection) Len() int {
	return len(c.districts)
}

// FeatureCollection returns the districts as the map source payload, with
// numeric density on every feature.
func (c *Collection) FeatureCollection() *geojson.FeatureCollection {
	return c.raw
}

type stop struct {
	at      float64
	r, g, b float64
}

var densityStops = []stop{
	{0, 0xF8, 0xBB, 0xD0},
	{100, 0xfe, 0xe0, 0xd2},
	{500, 0xfc, 0x92, 0x72},
	{5000, 0xde, 0x2d, 0x26},
}

// DensityStops are the fill interpolation stops as (density, color) pairs.
func DensityStops() []any {
	out := make([]any, 0, len(densityStops)*2)
	for _, s := range densityStops {
		out = append(out, s.at, hex(s.r, s.g, s.b))
	}
	return out
}

// DensityColor linearly interpolates the fill color for density d.
func DensityColor(d float64) string {
	if math.IsNaN(d) || d <= densityStops[0].at {
		s := densityStops[0]
		return hex(s.r, s.g, s.b)
	}
	for i := 1; i < len(densityStops); i++ {
		hi := densityStops[i]
		if d > hi.at {
			continue
		}
		lo := densityStops[i-1]
		t := (d - lo.at) / (hi.at - lo.at)
		return hex(lerp(lo.r, hi.r, t), lerp(lo.g, hi.g, t), lerp(lo.b, hi.b, t))
	}
	last := densityStops[len(densityStops)-1]
	return hex(last.r, last.g, last.b)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func hex(r, g, b float64) string {
	return fmt.Sprintf("#%02x%02x%02x", int(math.Round(r)), int(math.Round(g)), int(math.Round(b)))
}

// Provider loads the collection once and shares it. A failed load is not
// cached, so a later Get retries.
type Provider struct {
	load func(ctx context.Context) (*Collection, error)
	mu   sync.Mutex
	coll *Collection
}

func NewProvider(load func(ctx context.Context) (*Collection, error)) *Provider {
	return &Provider{load: load}
}

// FileProvider loads from a GeoJSON file on disk.
func FileProvider(path string) *Provider {
	return NewProvider(func(context.Context) (*Collection, error) {
		return Load(path)
	})
}

// Static wraps an already parsed collection.
func Static(c *Collection) *Provider {
	return &Provider{coll: c}
}

func (p *Provider) Get(ctx context.Context) (*Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.coll != nil {
		return p.coll, nil
	}
	if p.load == nil {
		return nil, errors.New("geometry provider has no loader")
	}
	c, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	p.coll = c
	return c, nil
}
