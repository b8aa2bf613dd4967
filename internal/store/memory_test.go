package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMemoryStorePostsNewestFirstWithSequenceTieBreak(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = fixedClock(at)

	first, _ := s.AddPost(ctx, Post{District: "Hyderabad", Text: "first", PinType: PinLive})
	second, _ := s.AddPost(ctx, Post{District: "Hyderabad", Text: "second", PinType: PinLive})
	s.Now = fixedClock(at.Add(time.Minute))
	third, _ := s.AddPost(ctx, Post{District: "Hyderabad", Text: "third", PinType: PinLive})
	_, _ = s.AddPost(ctx, Post{District: "Pune", Text: "elsewhere", PinType: PinLive})

	posts, err := s.ListPosts(ctx, "Hyderabad")
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	want := []string{third.ID, second.ID, first.ID}
	if len(posts) != len(want) {
		t.Fatalf("expected %d posts, got %d", len(want), len(posts))
	}
	for i, id := range want {
		if posts[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, posts[i].ID)
		}
	}
}

func TestMemoryStoreCommentsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Now = fixedClock(at)
	post, _ := s.AddPost(ctx, Post{District: "Pune", Text: "p", PinType: PinPersistent})

	var snapshots [][]Comment
	unsub, err := s.SubscribeComments(ctx, "Pune", post.ID, func(c []Comment) { snapshots = append(snapshots, c) }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	a, _ := s.AddComment(ctx, Comment{District: "Pune", PostID: post.ID, Text: "a"})
	b, _ := s.AddComment(ctx, Comment{District: "Pune", PostID: post.ID, Text: "b"})

	if len(snapshots) != 3 {
		t.Fatalf("expected initial + 2 snapshots, got %d", len(snapshots))
	}
	if len(snapshots[0]) != 0 {
		t.Fatalf("initial snapshot should be empty")
	}
	last := snapshots[2]
	if last[0].ID != a.ID || last[1].ID != b.ID {
		t.Fatalf("expected arrival order on equal timestamps, got %s,%s", last[0].ID, last[1].ID)
	}
}

func TestMemoryStoreUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	calls := 0
	unsub, err := s.SubscribePosts(ctx, "Pune", func([]Post) { calls++ }, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if s.Subscribers(PostsPath("Pune")) != 1 {
		t.Fatalf("expected one subscriber")
	}
	unsub()
	unsub()
	_, _ = s.AddPost(ctx, Post{District: "Pune", Text: "x", PinType: PinLive})
	if calls != 1 {
		t.Fatalf("expected only the initial snapshot, got %d calls", calls)
	}
	if s.TotalSubscribers() != 0 {
		t.Fatalf("expected no subscribers left")
	}
}

func TestMemoryStoreSubscribeHookRefuses(t *testing.T) {
	s := NewMemoryStore()
	s.SubscribeHook = func(string) error { return errors.New("permission denied") }
	_, err := s.SubscribePosts(context.Background(), "Pune", func([]Post) {}, nil)
	var subErr *SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
	if subErr.Path != "districts/Pune/posts" {
		t.Fatalf("unexpected path %q", subErr.Path)
	}
}

func TestMemoryStoreUpdatePostDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	post, _ := s.AddPost(ctx, Post{District: "Pune", Text: "x", PinType: PinLive})

	err := s.UpdatePost(ctx, "Pune", post.ID, func(p *Post) error {
		// a second writer commits between our read and our write
		if err := s.UpdatePost(ctx, "Pune", post.ID, func(inner *Post) error {
			inner.Votes["u2"] = -1
			return nil
		}); err != nil {
			t.Fatalf("inner update: %v", err)
		}
		p.Votes["u1"] = 1
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetPost(ctx, "Pune", post.ID)
	if _, ok := got.Votes["u1"]; ok {
		t.Fatal("losing write must not be applied")
	}
	if got.Votes["u2"] != -1 || got.Version != 2 {
		t.Fatalf("unexpected stored state: %+v", got)
	}
}

func TestMemoryStoreUpdateCannotMoveIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	post, _ := s.AddPost(ctx, Post{District: "Pune", Text: "x", PinType: PinLive})
	err := s.UpdatePost(ctx, "Pune", post.ID, func(p *Post) error {
		p.District = "Mumbai"
		p.Text = "edited"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetPost(ctx, "Pune", post.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "edited" {
		t.Fatalf("expected text change to apply")
	}
}

func TestMemoryStoreAddReplyRequiresComment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	post, _ := s.AddPost(ctx, Post{District: "Pune", Text: "x", PinType: PinLive})
	_, err := s.AddReply(ctx, Reply{District: "Pune", PostID: post.ID, CommentID: "missing", Text: "r"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = s.AddComment(ctx, Comment{District: "Mumbai", PostID: post.ID, Text: "c"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("comment under wrong district should fail, got %v", err)
	}
}

func TestSnapshotsDoNotAliasStoreState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	post, _ := s.AddPost(ctx, Post{District: "Pune", Text: "x", PinType: PinLive, Votes: map[string]int{"a": 1}})
	posts, _ := s.ListPosts(ctx, "Pune")
	posts[0].Votes["a"] = -1
	got, _ := s.GetPost(ctx, "Pune", post.ID)
	if got.Votes["a"] != 1 {
		t.Fatal("mutating a snapshot leaked into the store")
	}
}

func TestFailReportsSubscriptionError(t *testing.T) {
	s := NewMemoryStore()
	var got error
	unsub, _ := s.SubscribePosts(context.Background(), "Pune", func([]Post) {}, func(err error) { got = err })
	defer unsub()
	s.Fail(PostsPath("Pune"), errors.New("stream reset"))
	var subErr *SubscriptionError
	if !errors.As(got, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", got)
	}
}

func TestRetryOnlyRetriesConflicts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, 3, func(int) error {
		calls++
		if calls < 2 {
			return ErrConflict
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected success on attempt 2, got err=%v calls=%d", err, calls)
	}

	calls = 0
	boom := errors.New("boom")
	err = Retry(ctx, 3, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("non-conflict errors must not retry, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(ctx, 2, func(int) error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) || calls != 2 {
		t.Fatalf("expected exhaustion after 2 attempts, got err=%v calls=%d", err, calls)
	}
}

func TestPaths(t *testing.T) {
	if got := RepliesPath("Pune", "p1", "c1"); got != "districts/Pune/posts/p1/comments/c1/replies" {
		t.Fatalf("unexpected replies path %q", got)
	}
}
