package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means an optimistic write lost a race with a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)

// SubscriptionError reports a listener that failed to attach or deliver.
type SubscriptionError struct {
	Path string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Unsubscribe releases a listener. Calling it more than once is harmless.
type Unsubscribe func()

// Store is the hierarchical document store:
// districts/{d}/posts/{p}/comments/{c}/replies/{r}.
//
// Each Subscribe call delivers an initial snapshot and then one full snapshot
// per change, in emission order. Posts are newest first; comments and replies
// oldest first with ties broken by insertion order.
type Store interface {
	SubscribePosts(ctx context.Context, district string, onSnapshot func([]Post), onError func(error)) (Unsubscribe, error)
	SubscribeComments(ctx context.Context, district, postID string, onSnapshot func([]Comment), onError func(error)) (Unsubscribe, error)
	SubscribeReplies(ctx context.Context, district, postID, commentID string, onSnapshot func([]Reply), onError func(error)) (Unsubscribe, error)

	ListPosts(ctx context.Context, district string) ([]Post, error)
	GetPost(ctx context.Context, district, postID string) (Post, error)

	AddPost(ctx context.Context, post Post) (Post, error)
	AddComment(ctx context.Context, comment Comment) (Comment, error)
	AddReply(ctx context.Context, reply Reply) (Reply, error)

	// UpdatePost makes one optimistic read-modify-write attempt. mutate works
	// on a copy; ErrConflict is returned when the post changed underneath.
	UpdatePost(ctx context.Context, district, postID string, mutate func(*Post) error) error

	Ping(ctx context.Context) error
}

func PostsPath(district string) string {
	return "districts/" + district + "/posts"
}

func PostPath(district, postID string) string {
	return PostsPath(district) + "/" + postID
}

func CommentsPath(district, postID string) string {
	return PostPath(district, postID) + "/comments"
}

func RepliesPath(district, postID, commentID string) string {
	return CommentsPath(district, postID) + "/" + commentID + "/replies"
}

// Retry runs fn until it succeeds, fails with something other than
// ErrConflict, or attempts run out. fn receives the 1-based attempt number.
func Retry(ctx context.Context, attempts int, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(attempt)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

func sortPostsNewestFirst(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].Seq > posts[j].Seq
	})
}

func sortCommentsOldestFirst(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].Seq < comments[j].Seq
	})
}

func sortRepliesOldestFirst(replies []Reply) {
	sort.SliceStable(replies, func(i, j int) bool {
		if !replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].CreatedAt.Before(replies[j].CreatedAt)
		}
		return replies[i].Seq < replies[j].Seq
	})
}
