package pinfeed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"charcha/api/internal/loop"
	"charcha/api/internal/metrics"
	"charcha/api/internal/store"
	"charcha/api/internal/subs"
)

// Synchronizer keeps one district's feature collection current. All methods
// except Sweep must run on the dispatcher's loop.
type Synchronizer struct {
	store store.Store
	disp  loop.Dispatcher
	reg   *subs.Registry
	sink  func(FeatureCollection)
	log   *slog.Logger

	// Now is the clock used for expiry; defaults to time.Now.
	Now func() time.Time

	district string
	lease    subs.Lease
	posts    []store.Post
	last     *FeatureCollection
}

func New(st store.Store, disp loop.Dispatcher, reg *subs.Registry, log *slog.Logger, sink func(FeatureCollection)) *Synchronizer {
	return &Synchronizer{store: st, disp: disp, reg: reg, sink: sink, log: log, Now: time.Now}
}

// Subscribe switches the feed to district. The previous subscription is
// released before the new one is attached.
func (s *Synchronizer) Subscribe(ctx context.Context, district string) error {
	s.Unsubscribe()

	path := store.PostsPath(district)
	s.district = district
	lease := s.reg.Reserve(path)
	s.lease = lease

	unsub, err := s.store.SubscribePosts(ctx, district,
		func(posts []store.Post) {
			s.disp.Dispatch(func() { s.onSnapshot(lease, posts) })
		},
		func(err error) {
			s.disp.Dispatch(func() { s.onError(lease, err) })
		},
	)
	if err != nil {
		s.reg.Dispose(path)
		s.district = ""
		metrics.SubscriptionErrorsTotal.WithLabelValues("posts").Inc()
		s.log.Warn("pin_subscription_error", "district", district, "error", err)
		return fmt.Errorf("subscribe pins %s: %w", district, err)
	}
	metrics.ActiveSubscriptions.WithLabelValues("posts").Inc()
	s.reg.Bind(lease, func() {
		unsub()
		metrics.ActiveSubscriptions.WithLabelValues("posts").Dec()
	})
	return nil
}

// Unsubscribe releases the current listener and forgets cached posts.
func (s *Synchronizer) Unsubscribe() {
	if s.district == "" {
		return
	}
	s.reg.Dispose(store.PostsPath(s.district))
	s.district = ""
	s.posts = nil
	s.last = nil
}

// Active returns the subscribed district, or "".
func (s *Synchronizer) Active() string {
	return s.district
}

// Last returns the most recent emission.
func (s *Synchronizer) Last() (FeatureCollection, bool) {
	if s.last == nil {
		return FeatureCollection{}, false
	}
	return *s.last, true
}

// Refresh re-emits from cached posts against the current clock, so live
// pins expire without waiting for a store change.
func (s *Synchronizer) Refresh() {
	if s.district == "" || s.last == nil {
		return
	}
	s.emit()
}

// Sweep dispatches Refresh every interval until ctx ends. It may run on any
// goroutine.
func (s *Synchronizer) Sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.disp.Dispatch(s.Refresh)
		}
	}
}

func (s *Synchronizer) onSnapshot(lease subs.Lease, posts []store.Post) {
	if !s.reg.Alive(lease) {
		return
	}
	s.posts = posts
	s.emit()
}

func (s *Synchronizer) onError(lease subs.Lease, err error) {
	if !s.reg.Alive(lease) {
		return
	}
	metrics.SubscriptionErrorsTotal.WithLabelValues("posts").Inc()
	s.log.Warn("pin_subscription_error", "district", s.district, "error", err)
}

func (s *Synchronizer) emit() {
	var previous map[string]struct{}
	if s.last != nil {
		previous = s.last.IDs()
	}
	fc := Build(s.district, s.posts, previous, s.Now())
	s.last = &fc

	metrics.FeatureSnapshotsTotal.Inc()
	if fc.Skipped.Deleted > 0 {
		metrics.PostsSkippedTotal.WithLabelValues("deleted").Add(float64(fc.Skipped.Deleted))
	}
	if fc.Skipped.Malformed > 0 {
		metrics.PostsSkippedTotal.WithLabelValues("malformed").Add(float64(fc.Skipped.Malformed))
		s.log.Debug("pin_malformed_skipped", "district", s.district, "count", fc.Skipped.Malformed)
	}
	if fc.Skipped.Expired > 0 {
		metrics.PostsSkippedTotal.WithLabelValues("expired").Add(float64(fc.Skipped.Expired))
	}
	if s.sink != nil {
		s.sink(fc)
	}
}
