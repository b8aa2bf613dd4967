// Package signal is the typed in-process channel between the map core and
// the panels around it (thread panel, stats, chat, auth overlay). Every
// signal is a concrete Event variant; there are no free-form names.
package signal

// Kind names an Event variant on the wire.
type Kind string

const (
	KindSelectDistrict   Kind = "select-district"
	KindFlyToCoordinates Kind = "fly-to-coordinates"
	KindFlyToPin         Kind = "fly-to-pin"
	KindFlyToArea        Kind = "fly-to-area"
	KindHighlightPin     Kind = "highlight-pin"
	KindRefreshPins      Kind = "refresh-pins"
	KindStartNavigation  Kind = "start-navigation"
	KindScrollToPost     Kind = "scroll-to-post"
	KindOpenThreadPanel  Kind = "open-thread-panel"
	KindDistrictSelected Kind = "district-selected"
	KindPinClicked       Kind = "pin-clicked"
	KindPinPlaced        Kind = "pin-placed"
	KindRouteChanged     Kind = "route-changed"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type Coordinate struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	PostID string  `json:"postId,omitempty"`
}

type SelectDistrict struct {
	Name string `json:"name"`
}

// FlyToCoordinates carries match results from the external chat collaborator.
type FlyToCoordinates struct {
	Points []Coordinate `json:"points"`
}

type FlyToPin struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	PostID string  `json:"postId"`
}

type FlyToArea struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type HighlightPin struct {
	PostID string `json:"postId"`
}

type RefreshPins struct {
	District string `json:"districtId"`
}

type StartNavigation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type ScrollToPost struct {
	PostID string `json:"postId"`
}

type OpenThreadPanel struct{}

type DistrictSelected struct {
	Name string `json:"name"`
}

type PinClicked struct {
	PostID string `json:"postId"`
}

type PinPlaced struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	PinType string  `json:"pinType"`
}

// RouteChanged reports the navigation overlay state. ETA and distance are nil
// when no route is shown or the straight-line fallback is drawn.
type RouteChanged struct {
	Active     bool     `json:"active"`
	Degraded   bool     `json:"degraded"`
	ETAMinutes *int     `json:"etaMinutes"`
	DistanceKm *float64 `json:"distanceKm"`
}

func (SelectDistrict) Kind() Kind   { return KindSelectDistrict }
func (FlyToCoordinates) Kind() Kind { return KindFlyToCoordinates }
func (FlyToPin) Kind() Kind         { return KindFlyToPin }
func (FlyToArea) Kind() Kind        { return KindFlyToArea }
func (HighlightPin) Kind() Kind     { return KindHighlightPin }
func (RefreshPins) Kind() Kind      { return KindRefreshPins }
func (StartNavigation) Kind() Kind  { return KindStartNavigation }
func (ScrollToPost) Kind() Kind     { return KindScrollToPost }
func (OpenThreadPanel) Kind() Kind  { return KindOpenThreadPanel }
func (DistrictSelected) Kind() Kind { return KindDistrictSelected }
func (PinClicked) Kind() Kind       { return KindPinClicked }
func (PinPlaced) Kind() Kind        { return KindPinPlaced }
func (RouteChanged) Kind() Kind     { return KindRouteChanged }

func (SelectDistrict) sealed()   {}
func (FlyToCoordinates) sealed() {}
func (FlyToPin) sealed()         {}
func (FlyToArea) sealed()        {}
func (HighlightPin) sealed()     {}
func (RefreshPins) sealed()      {}
func (StartNavigation) sealed()  {}
func (ScrollToPost) sealed()     {}
func (OpenThreadPanel) sealed()  {}
func (DistrictSelected) sealed() {}
func (PinClicked) sealed()       {}
func (PinPlaced) sealed()        {}
func (RouteChanged) sealed()     {}
