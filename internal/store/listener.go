package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"charcha/api/internal/logger"

	"github.com/jackc/pgx/v5/stdlib"
)

// ChangeChannel is the NOTIFY channel written by the row triggers.
const ChangeChannel = "charcha_changes"

// Change is one row-level notification. Resync is set locally after the
// feed reconnects, since notifications sent while disconnected are lost.
type Change struct {
	Table     string `json:"table"`
	District  string `json:"district"`
	PostID    string `json:"postId"`
	CommentID string `json:"commentId"`
	Resync    bool   `json:"-"`
}

// Listener holds one dedicated connection in LISTEN mode and fans changes
// out to registered hooks.
type Listener struct {
	db    *sql.DB
	mu    sync.Mutex
	next  uint64
	hooks map[uint64]func(Change)
}

func NewListener(db *sql.DB) *Listener {
	return &Listener{db: db, hooks: make(map[uint64]func(Change))}
}

// Add registers fn and returns its remover. fn runs on the listener
// goroutine and must not block.
func (l *Listener) Add(fn func(Change)) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.hooks[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.hooks, id)
		l.mu.Unlock()
	}
}

func (l *Listener) Publish(c Change) {
	l.mu.Lock()
	hooks := make([]func(Change), 0, len(l.hooks))
	for _, fn := range l.hooks {
		hooks = append(hooks, fn)
	}
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(c)
	}
}

// Run keeps the feed attached until ctx is cancelled, reconnecting with
// backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	first := true
	for {
		err := l.listen(ctx, !first)
		if ctx.Err() != nil {
			return nil
		}
		first = false
		logger.L().Warn("change_feed_disconnected", "error", err, "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context, resync bool) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Close()

	return conn.Raw(func(driverConn any) error {
		raw, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return errors.New("listen requires the pgx driver")
		}
		pgConn := raw.Conn()
		if _, err := pgConn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
			return fmt.Errorf("listen %s: %w", ChangeChannel, err)
		}
		if resync {
			l.Publish(Change{Resync: true})
		}
		for {
			n, err := pgConn.WaitForNotification(ctx)
			if err != nil {
				return fmt.Errorf("wait notification: %w", err)
			}
			var change Change
			if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
				logger.L().Warn("change_feed_bad_payload", "payload", n.Payload, "error", err)
				continue
			}
			l.Publish(change)
		}
	})
}
