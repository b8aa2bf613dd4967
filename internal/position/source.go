package position

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"charcha/api/internal/loop"
)

// Persister is the durable last-known position backend.
type Persister interface {
	Save(ctx context.Context, userID string, p Point) error
	Current(ctx context.Context, userID string) (Point, error)
}

// Source is one session's position stream. Push and Fail may be called from
// any goroutine; watchers run on the dispatcher.
type Source struct {
	userID  string
	disp    loop.Dispatcher
	persist Persister
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	latest   *Point
	denied   error
	next     uint64
	watchers map[uint64]func(Point)
}

// NewSource builds a stream for userID. persist may be nil.
func NewSource(userID string, disp loop.Dispatcher, persist Persister, log *slog.Logger) *Source {
	return &Source{
		userID:   userID,
		disp:     disp,
		persist:  persist,
		log:      log,
		now:      time.Now,
		watchers: make(map[uint64]func(Point)),
	}
}

// Push records a new fix, notifies watchers and persists it best-effort.
func (s *Source) Push(ctx context.Context, p Point) error {
	if !p.Valid() {
		return errors.New("position out of range")
	}
	if p.At.IsZero() {
		p.At = s.now().UTC()
	}

	s.mu.Lock()
	s.latest = &p
	s.denied = nil
	fns := make([]func(Point), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		s.disp.Dispatch(func() { fn(p) })
	}

	if s.persist != nil && s.userID != "" {
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.persist.Save(saveCtx, s.userID, p); err != nil {
			s.log.Warn("position_persist_failed", "user_id", s.userID, "error", err)
		}
	}
	return nil
}

// Fail marks the stream unavailable, e.g. after the device denied access.
// The persisted fallback is skipped until the next Push.
func (s *Source) Fail(err error) {
	if err == nil {
		err = ErrNoLocation
	}
	s.mu.Lock()
	s.latest = nil
	s.denied = err
	s.mu.Unlock()
}

// Watch registers fn for every new fix. The returned func removes it.
func (s *Source) Watch(fn func(Point)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Current returns the latest fix, then the persisted one, then ErrNoLocation.
func (s *Source) Current(ctx context.Context) (Point, error) {
	s.mu.Lock()
	latest, denied := s.latest, s.denied
	s.mu.Unlock()

	if latest != nil {
		return *latest, nil
	}
	if denied != nil || s.persist == nil || s.userID == "" {
		return Point{}, ErrNoLocation
	}
	p, err := s.persist.Current(ctx, s.userID)
	if err != nil {
		if !errors.Is(err, ErrNoLocation) {
			s.log.Warn("position_lookup_failed", "user_id", s.userID, "error", err)
		}
		return Point{}, ErrNoLocation
	}
	return p, nil
}
