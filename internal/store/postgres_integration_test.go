package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresUpdatePostCompareAndSwap(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	post, err := s.AddPost(ctx, Post{District: "Pune", AuthorID: "u1", Text: "water logging", PinType: PinLive, Lat: Float(18.52), Lng: Float(73.85)})
	if err != nil {
		t.Fatalf("add post: %v", err)
	}
	if post.Version != 1 || post.CreatedAt.IsZero() {
		t.Fatalf("store should assign version and timestamp: %+v", post)
	}

	err = s.UpdatePost(ctx, "Pune", post.ID, func(p *Post) error {
		if err := s.UpdatePost(ctx, "Pune", post.ID, func(inner *Post) error {
			inner.Votes["u2"] = 1
			return nil
		}); err != nil {
			t.Fatalf("inner update: %v", err)
		}
		p.Votes["u1"] = -1
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetPost(ctx, "Pune", post.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if got.Votes["u2"] != 1 || len(got.Votes) != 1 {
		t.Fatalf("unexpected votes %v", got.Votes)
	}
}

func TestPostgresSubscriptionFollowsChangeFeed(t *testing.T) {
	s := openTestPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() { _ = s.Listen(ctx) }()

	snapshots := make(chan []Post, 64)
	unsub, err := s.SubscribePosts(ctx, "Pune", func(p []Post) { snapshots <- p }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if initial := <-snapshots; len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %d", len(initial))
	}

	// the listener attaches asynchronously; keep writing until a snapshot lands
	deadline := time.After(20 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	if _, err := s.AddPost(ctx, Post{District: "Pune", AuthorID: "u1", Text: "first", PinType: PinPersistent}); err != nil {
		t.Fatalf("add post: %v", err)
	}
	for {
		select {
		case got := <-snapshots:
			if len(got) > 0 {
				return
			}
		case <-tick.C:
			if _, err := s.AddPost(ctx, Post{District: "Pune", AuthorID: "u1", Text: "again", PinType: PinPersistent}); err != nil {
				t.Fatalf("add post: %v", err)
			}
		case <-deadline:
			t.Fatal("no snapshot delivered after insert")
		}
	}
}

func TestPostgresAddCommentRejectsUnknownPost(t *testing.T) {
	s := openTestPostgres(t)
	_, err := s.AddComment(context.Background(), Comment{District: "Pune", PostID: "post_missing", AuthorID: "u1", Text: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresSubscribeSeesInsertRacingTheFirstRead(t *testing.T) {
	s := openTestPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	go func() { _ = s.Listen(ctx) }()

	// wait for the feed to attach using a district nobody else reads
	warm := make(chan []Post, 64)
	unwarm, err := s.SubscribePosts(ctx, "Nashik", func(p []Post) { warm <- p }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-warm
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
attached:
	for {
		if _, err := s.AddPost(ctx, Post{District: "Nashik", AuthorID: "u1", Text: "warmup", PinType: PinPersistent}); err != nil {
			t.Fatalf("add post: %v", err)
		}
		select {
		case p := <-warm:
			if len(p) > 0 {
				break attached
			}
		case <-tick.C:
		case <-ctx.Done():
			t.Fatal("change feed never attached")
		}
	}
	unwarm()

	inserted := make(chan error, 1)
	go func() {
		_, err := s.AddPost(ctx, Post{District: "Pune", AuthorID: "u1", Text: "raced", PinType: PinPersistent})
		inserted <- err
	}()
	snapshots := make(chan []Post, 64)
	unsub, err := s.SubscribePosts(ctx, "Pune", func(p []Post) { snapshots <- p }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	if err := <-inserted; err != nil {
		t.Fatalf("add post: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case got := <-snapshots:
			if len(got) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("insert racing the subscription never reached a snapshot")
		}
	}
}
