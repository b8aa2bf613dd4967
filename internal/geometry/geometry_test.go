package geometry

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
)

const sample = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"district": "Pune", "density": 603},
     "geometry": {"type": "Polygon", "coordinates": [[[73,18],[74,18],[74,19],[73,19],[73,18]]]}},
    {"type": "Feature", "properties": {"district": "Mumbai", "density": "20,680"},
     "geometry": {"type": "MultiPolygon", "coordinates": [[[[72,18],[73,18],[73,19],[72,19],[72,18]]]]}},
    {"type": "Feature", "properties": {"name": "unnamed"},
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}},
    {"type": "Feature", "properties": {"district": "Line"},
     "geometry": {"type": "LineString", "coordinates": [[0,0],[1,1]]}}
  ]
}`

func mustParse(t *testing.T) *Collection {
	t.Helper()
	c, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return c
}

func TestParseKeepsNamedPolygonsOnly(t *testing.T) {
	c := mustParse(t)
	if c.Len() != 2 {
		t.Fatalf("expected 2 districts, got %d (%v)", c.Len(), c.Names())
	}
	names := c.Names()
	if names[0] != "Mumbai" || names[1] != "Pune" {
		t.Fatalf("unexpected names %v", names)
	}
	if len(c.FeatureCollection().Features) != 2 {
		t.Fatalf("source payload should carry 2 features")
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	c := mustParse(t)
	d, err := c.Lookup("pUNE")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Name != "Pune" || d.Density() != 603 {
		t.Fatalf("unexpected district %+v", d)
	}
	mumbai, _ := c.Lookup("MUMBAI")
	if mumbai.Density() != 20680 {
		t.Fatalf("expected string density to parse, got %v", mumbai.Density())
	}
	if _, err := c.Lookup("Nagpur"); !errors.Is(err, ErrUnknownDistrict) {
		t.Fatalf("expected ErrUnknownDistrict, got %v", err)
	}
}

func TestLocate(t *testing.T) {
	c := mustParse(t)
	if d := c.Locate(orb.Point{73.5, 18.5}); d == nil || d.Name != "Pune" {
		t.Fatalf("expected Pune, got %+v", d)
	}
	if d := c.Locate(orb.Point{72.5, 18.5}); d == nil || d.Name != "Mumbai" {
		t.Fatalf("expected Mumbai, got %+v", d)
	}
	if d := c.Locate(orb.Point{10, 10}); d != nil {
		t.Fatalf("expected no district, got %s", d.Name)
	}
}

func TestDensityColorStops(t *testing.T) {
	tests := []struct {
		density float64
		want    string
	}{
		{-5, "#f8bbd0"},
		{0, "#f8bbd0"},
		{100, "#fee0d2"},
		{500, "#fc9272"},
		{5000, "#de2d26"},
		{90000, "#de2d26"},
		{300, "#fdb9a2"},
	}
	for _, tt := range tests {
		if got := DensityColor(tt.density); got != tt.want {
			t.Errorf("DensityColor(%v) = %s, want %s", tt.density, got, tt.want)
		}
	}
}

func TestProviderRetriesAfterFailure(t *testing.T) {
	calls := 0
	p := NewProvider(func(context.Context) (*Collection, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("fetch failed")
		}
		return Parse([]byte(sample))
	})
	if _, err := p.Get(context.Background()); err == nil {
		t.Fatal("expected first load to fail")
	}
	c1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	c2, _ := p.Get(context.Background())
	if c1 != c2 || calls != 2 {
		t.Fatalf("expected cached collection after success, calls=%d", calls)
	}
}
