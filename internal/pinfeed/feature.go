// Package pinfeed turns a district's post collection into renderable pin
// features and keeps that projection current while subscribed.
package pinfeed

import (
	"errors"
	"fmt"
	"math"
	"time"

	"charcha/api/internal/store"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const (
	ColorPersistent = "#ffe066"
	ColorUrgent     = "#ff4d4d"
	ColorWarning    = "#ff9900"
	ColorStable     = "#66cc66"
)

// LiveWindow is how long a live pin stays on the map.
const LiveWindow = 72 * time.Hour

// ErrMalformedFeature marks a post that cannot become a feature. It is only
// logged and counted.
var ErrMalformedFeature = errors.New("malformed feature")

type Feature struct {
	PostID        string  `json:"postId"`
	Lat           float64 `json:"lat"`
	Lng           float64 `json:"lng"`
	Color         string  `json:"color"`
	ShouldAnimate bool    `json:"shouldAnimate"`
	PinType       string  `json:"pinType"`
	Text          string  `json:"text"`
	AuthorName    string  `json:"authorName"`
}

func (f Feature) Point() orb.Point {
	return orb.Point{f.Lng, f.Lat}
}

type Skips struct {
	Deleted   int
	Malformed int
	Expired   int
}

// FeatureCollection is a full replacement snapshot, never a diff.
type FeatureCollection struct {
	District string    `json:"districtId"`
	Features []Feature `json:"features"`
	Skipped  Skips     `json:"-"`
}

func (fc FeatureCollection) Find(postID string) (Feature, bool) {
	for _, f := range fc.Features {
		if f.PostID == postID {
			return f, true
		}
	}
	return Feature{}, false
}

func (fc FeatureCollection) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(fc.Features))
	for _, f := range fc.Features {
		ids[f.PostID] = struct{}{}
	}
	return ids
}

// GeoJSON renders the collection as point features keyed by post id.
func (fc FeatureCollection) GeoJSON() *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		gf := geojson.NewFeature(f.Point())
		gf.ID = f.PostID
		gf.Properties = geojson.Properties{
			"postId":        f.PostID,
			"pinColor":      f.Color,
			"pinType":       f.PinType,
			"shouldAnimate": f.ShouldAnimate,
			"text":          f.Text,
			"userName":      f.AuthorName,
		}
		out.Append(gf)
	}
	return out
}

// Color picks the tier for a post at now. ok is false when a live post has
// expired. A live post without a timestamp yet counts as brand new.
func Color(p store.Post, now time.Time) (color string, ok bool) {
	if p.PinType != store.PinLive {
		return ColorPersistent, true
	}
	if p.CreatedAt.IsZero() {
		return ColorUrgent, true
	}
	age := now.Sub(p.CreatedAt)
	switch {
	case age < 24*time.Hour:
		return ColorUrgent, true
	case age < 48*time.Hour:
		return ColorWarning, true
	case age < LiveWindow:
		return ColorStable, true
	}
	return "", false
}

func validate(p store.Post) error {
	if !p.HasLocation() {
		return fmt.Errorf("%w: post %s has no location", ErrMalformedFeature, p.ID)
	}
	lat, lng := *p.Lat, *p.Lng
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: post %s has coordinates out of range", ErrMalformedFeature, p.ID)
	}
	return nil
}

// Build projects posts into features. previous is the id set of the prior
// emission; nil means this is the first emission and nothing animates.
func Build(district string, posts []store.Post, previous map[string]struct{}, now time.Time) FeatureCollection {
	fc := FeatureCollection{District: district, Features: make([]Feature, 0, len(posts))}
	for _, p := range posts {
		if p.IsDeleted {
			fc.Skipped.Deleted++
			continue
		}
		if err := validate(p); err != nil {
			fc.Skipped.Malformed++
			continue
		}
		color, ok := Color(p, now)
		if !ok {
			fc.Skipped.Expired++
			continue
		}
		animate := false
		if previous != nil {
			_, seen := previous[p.ID]
			animate = !seen
		}
		fc.Features = append(fc.Features, Feature{
			PostID:        p.ID,
			Lat:           *p.Lat,
			Lng:           *p.Lng,
			Color:         color,
			ShouldAnimate: animate,
			PinType:       p.PinType,
			Text:          p.Text,
			AuthorName:    p.AuthorName,
		})
	}
	return fc
}
