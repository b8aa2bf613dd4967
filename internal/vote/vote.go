// Package vote applies per-user votes and soft deletes to posts through the
// store's optimistic transaction primitive.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"charcha/api/internal/metrics"
	"charcha/api/internal/store"
)

var (
	ErrInvalidVote = errors.New("vote must be +1 or -1")
	// ErrTransactionConflict means every attempt lost to a concurrent writer.
	ErrTransactionConflict = errors.New("vote transaction conflict")
	ErrForbidden           = errors.New("only the author can delete a post")
)

// Apply returns a new map with userID's vote toggled: casting the value
// already held removes it, anything else overwrites.
func Apply(votes map[string]int, userID string, value int) map[string]int {
	out := make(map[string]int, len(votes)+1)
	for k, v := range votes {
		out[k] = v
	}
	if current, ok := out[userID]; ok && current == value {
		delete(out, userID)
		return out
	}
	out[userID] = value
	return out
}

// NetScore sums every vote in the map.
func NetScore(votes map[string]int) int {
	total := 0
	for _, v := range votes {
		total += v
	}
	return total
}

type Result struct {
	Votes map[string]int `json:"votes"`
	Score int            `json:"score"`
}

type Aggregator struct {
	store    store.Store
	attempts int
	log      *slog.Logger
	now      func() time.Time
}

// NewAggregator retries conflicting writes up to attempts times; fewer than
// two attempts is raised to two.
func NewAggregator(st store.Store, attempts int, log *slog.Logger) *Aggregator {
	if attempts < 2 {
		attempts = 2
	}
	return &Aggregator{store: st, attempts: attempts, log: log, now: time.Now}
}

func (a *Aggregator) ApplyVote(ctx context.Context, district, postID, userID string, value int) (Result, error) {
	if value != 1 && value != -1 {
		return Result{}, ErrInvalidVote
	}
	if userID == "" {
		return Result{}, errors.New("vote requires a user")
	}

	var result Result
	err := store.Retry(ctx, a.attempts, func(attempt int) error {
		if attempt > 1 {
			metrics.VoteTransactionsTotal.WithLabelValues("retry").Inc()
			a.log.Info("vote_conflict_retry", "post_id", postID, "attempt", attempt)
		}
		return a.store.UpdatePost(ctx, district, postID, func(p *store.Post) error {
			if p.IsDeleted {
				return fmt.Errorf("vote on post %s: %w", postID, store.ErrNotFound)
			}
			p.Votes = Apply(p.Votes, userID, value)
			result = Result{Votes: p.Votes, Score: NetScore(p.Votes)}
			return nil
		})
	})
	if errors.Is(err, store.ErrConflict) {
		metrics.VoteTransactionsTotal.WithLabelValues("conflict").Inc()
		return Result{}, fmt.Errorf("%w: post %s after %d attempts", ErrTransactionConflict, postID, a.attempts)
	}
	if err != nil {
		return Result{}, err
	}
	metrics.VoteTransactionsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// SoftDelete flags the post deleted. Only the author may delete; deleting
// twice is a no-op that returns the original post.
func (a *Aggregator) SoftDelete(ctx context.Context, district, postID, userID string) (store.Post, error) {
	var deleted store.Post
	err := store.Retry(ctx, a.attempts, func(int) error {
		return a.store.UpdatePost(ctx, district, postID, func(p *store.Post) error {
			if p.AuthorID != userID {
				return ErrForbidden
			}
			if !p.IsDeleted {
				at := a.now().UTC()
				p.IsDeleted = true
				p.DeletedAt = &at
			}
			deleted = p.Clone()
			return nil
		})
	})
	if errors.Is(err, store.ErrConflict) {
		return store.Post{}, fmt.Errorf("%w: delete post %s", ErrTransactionConflict, postID)
	}
	if err != nil {
		return store.Post{}, err
	}
	return deleted, nil
}
