// Package directions is the adapter for the external routing service.
package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"charcha/api/internal/logger"
	"charcha/api/internal/metrics"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/singleflight"
)

// ErrService covers every way the routing service can fail to produce a
// route: transport, status, decoding, or no route found.
var ErrService = errors.New("directions service error")

const DefaultBaseURL = "https://api.mapbox.com"

type Route struct {
	Geometry        orb.LineString
	DurationSeconds float64
	DistanceMeters  float64
}

type Mapbox struct {
	token   string
	profile string
	timeout time.Duration
	client  *http.Client
	group   singleflight.Group

	// BaseURL is overridable for tests.
	BaseURL string
}

func NewMapbox(token, profile string, timeout time.Duration) *Mapbox {
	if profile == "" {
		profile = "driving"
	}
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Mapbox{
		token:   token,
		profile: profile,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		BaseURL: DefaultBaseURL,
	}
}

type mapboxResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry json.RawMessage `json:"geometry"`
		Duration float64         `json:"duration"`
		Distance float64         `json:"distance"`
	} `json:"routes"`
}

// Route asks for a route from -> to. Identical requests in flight share one
// upstream call.
func (m *Mapbox) Route(ctx context.Context, from, to orb.Point) (Route, error) {
	key := m.profile + "/" + coords(from, to)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.fetch(context.WithoutCancel(ctx), from, to)
	})
	select {
	case <-ctx.Done():
		return Route{}, fmt.Errorf("%w: %v", ErrService, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Route{}, res.Err
		}
		return res.Val.(Route), nil
	}
}

func (m *Mapbox) fetch(ctx context.Context, from, to orb.Point) (Route, error) {
	if m.token == "" {
		return Route{}, fmt.Errorf("%w: missing access token", ErrService)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	q.Set("access_token", m.token)
	u := m.BaseURL + "/directions/v5/mapbox/" + url.PathEscape(m.profile) + "/" + coords(from, to) + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrService, err)
	}

	t0 := time.Now()
	metrics.DirectionsRequestsTotal.Inc()
	logger.L().Debug("directions_req", "profile", m.profile, "from", from, "to", to)
	resp, err := m.client.Do(req)
	if err != nil {
		logger.L().Error("directions_http_error", "err", err)
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	var r mapboxResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		logger.L().Error("directions_decode_error", "err", err, "status", resp.StatusCode)
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: decode: %v", ErrService, err)
	}
	dur := time.Since(t0).Milliseconds()
	metrics.DirectionsDurationMs.Observe(float64(dur))
	logger.L().Debug("directions_resp", "status", resp.StatusCode, "code", r.Code, "routes", len(r.Routes), "duration_ms", dur)

	if resp.StatusCode != http.StatusOK || r.Code != "Ok" {
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: status %d code %q %s", ErrService, resp.StatusCode, r.Code, r.Message)
	}
	if len(r.Routes) == 0 {
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: no route", ErrService)
	}

	first := r.Routes[0]
	geom, err := geojson.UnmarshalGeometry(first.Geometry)
	if err != nil {
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: route geometry: %v", ErrService, err)
	}
	line, ok := geom.Geometry().(orb.LineString)
	if !ok || len(line) < 2 {
		metrics.DirectionsFailTotal.Inc()
		return Route{}, fmt.Errorf("%w: route geometry is not a line", ErrService)
	}
	return Route{Geometry: line, DurationSeconds: first.Duration, DistanceMeters: first.Distance}, nil
}

func coords(from, to orb.Point) string {
	return fmtCoord(from) + ";" + fmtCoord(to)
}

func fmtCoord(p orb.Point) string {
	return strconv.FormatFloat(p.Lon(), 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat(), 'f', 6, 64)
}
