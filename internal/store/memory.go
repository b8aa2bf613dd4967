package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"charcha/api/internal/util"
)

type memSub struct {
	path    string
	fire    func()
	onError func(error)
	closed  atomic.Bool
}

// MemoryStore is a versioned in-process document store. Snapshots are
// delivered synchronously on the writing goroutine, outside the data lock,
// serialized so every subscriber sees snapshots in commit order. Callbacks
// must not write back into the store on the delivering goroutine.
type MemoryStore struct {
	mu        sync.Mutex
	deliverMu sync.Mutex
	seq       int64
	nextSub   uint64
	posts     map[string]Post
	comments  map[string]Comment
	replies   map[string]Reply
	subs      map[uint64]*memSub

	// Now stamps new documents. Defaults to time.Now.
	Now func() time.Time
	// SubscribeHook, when set, can refuse a subscription by returning an error.
	SubscribeHook func(path string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:    make(map[string]Post),
		comments: make(map[string]Comment),
		replies:  make(map[string]Reply),
		subs:     make(map[uint64]*memSub),
		Now:      time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) SubscribePosts(ctx context.Context, district string, onSnapshot func([]Post), onError func(error)) (Unsubscribe, error) {
	return s.subscribe(PostsPath(district), func() {
		posts, _ := s.ListPosts(ctx, district)
		onSnapshot(posts)
	}, onError)
}

func (s *MemoryStore) SubscribeComments(ctx context.Context, district, postID string, onSnapshot func([]Comment), onError func(error)) (Unsubscribe, error) {
	return s.subscribe(CommentsPath(district, postID), func() {
		onSnapshot(s.listComments(district, postID))
	}, onError)
}

func (s *MemoryStore) SubscribeReplies(ctx context.Context, district, postID, commentID string, onSnapshot func([]Reply), onError func(error)) (Unsubscribe, error) {
	return s.subscribe(RepliesPath(district, postID, commentID), func() {
		onSnapshot(s.listReplies(district, postID, commentID))
	}, onError)
}

func (s *MemoryStore) subscribe(path string, fire func(), onError func(error)) (Unsubscribe, error) {
	if s.SubscribeHook != nil {
		if err := s.SubscribeHook(path); err != nil {
			return nil, &SubscriptionError{Path: path, Err: err}
		}
	}
	sub := &memSub{path: path, fire: fire, onError: onError}

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = sub
	s.mu.Unlock()

	s.deliverMu.Lock()
	if !sub.closed.Load() {
		sub.fire()
	}
	s.deliverMu.Unlock()

	return func() {
		sub.closed.Store(true)
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

// Subscribers counts live listeners at path.
func (s *MemoryStore) Subscribers(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.path == path {
			n++
		}
	}
	return n
}

// TotalSubscribers counts every live listener.
func (s *MemoryStore) TotalSubscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Fail reports err to every listener at path, as a dropped backend
// connection would.
func (s *MemoryStore) Fail(path string, err error) {
	for _, sub := range s.matching(path) {
		if sub.onError != nil && !sub.closed.Load() {
			sub.onError(&SubscriptionError{Path: path, Err: err})
		}
	}
}

func (s *MemoryStore) matching(path string) []*memSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memSub
	for _, sub := range s.subs {
		if sub.path == path {
			out = append(out, sub)
		}
	}
	return out
}

func (s *MemoryStore) notify(path string) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, sub := range s.matching(path) {
		if !sub.closed.Load() {
			sub.fire()
		}
	}
}

func (s *MemoryStore) ListPosts(_ context.Context, district string) ([]Post, error) {
	s.mu.Lock()
	out := make([]Post, 0)
	for _, p := range s.posts {
		if p.District == district {
			out = append(out, p.Clone())
		}
	}
	s.mu.Unlock()
	sortPostsNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) GetPost(_ context.Context, district, postID string) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok || p.District != district {
		return Post{}, fmt.Errorf("get post %s: %w", postID, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) listComments(district, postID string) []Comment {
	s.mu.Lock()
	out := make([]Comment, 0)
	for _, c := range s.comments {
		if c.District == district && c.PostID == postID {
			out = append(out, c)
		}
	}
	s.mu.Unlock()
	sortCommentsOldestFirst(out)
	return out
}

func (s *MemoryStore) listReplies(district, postID, commentID string) []Reply {
	s.mu.Lock()
	out := make([]Reply, 0)
	for _, r := range s.replies {
		if r.District == district && r.PostID == postID && r.CommentID == commentID {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sortRepliesOldestFirst(out)
	return out
}

func (s *MemoryStore) AddPost(_ context.Context, post Post) (Post, error) {
	s.mu.Lock()
	post = post.Clone()
	if post.ID == "" {
		post.ID = util.NewID("post")
	}
	if _, exists := s.posts[post.ID]; exists {
		s.mu.Unlock()
		return Post{}, fmt.Errorf("add post %s: %w", post.ID, ErrConflict)
	}
	if post.Votes == nil {
		post.Votes = map[string]int{}
	}
	s.seq++
	post.Seq = s.seq
	post.CreatedAt = s.Now().UTC()
	post.Version = 1
	s.posts[post.ID] = post
	s.mu.Unlock()

	s.notify(PostsPath(post.District))
	return post.Clone(), nil
}

func (s *MemoryStore) AddComment(_ context.Context, comment Comment) (Comment, error) {
	s.mu.Lock()
	if p, ok := s.posts[comment.PostID]; !ok || p.District != comment.District {
		s.mu.Unlock()
		return Comment{}, fmt.Errorf("add comment to %s: %w", comment.PostID, ErrNotFound)
	}
	if comment.ID == "" {
		comment.ID = util.NewID("cmt")
	}
	s.seq++
	comment.Seq = s.seq
	comment.CreatedAt = s.Now().UTC()
	s.comments[comment.ID] = comment
	s.mu.Unlock()

	s.notify(CommentsPath(comment.District, comment.PostID))
	return comment, nil
}

func (s *MemoryStore) AddReply(_ context.Context, reply Reply) (Reply, error) {
	s.mu.Lock()
	if c, ok := s.comments[reply.CommentID]; !ok || c.PostID != reply.PostID {
		s.mu.Unlock()
		return Reply{}, fmt.Errorf("add reply to %s: %w", reply.CommentID, ErrNotFound)
	}
	if reply.ID == "" {
		reply.ID = util.NewID("rpl")
	}
	s.seq++
	reply.Seq = s.seq
	reply.CreatedAt = s.Now().UTC()
	s.replies[reply.ID] = reply
	s.mu.Unlock()

	s.notify(RepliesPath(reply.District, reply.PostID, reply.CommentID))
	return reply, nil
}

func (s *MemoryStore) UpdatePost(ctx context.Context, district, postID string, mutate func(*Post) error) error {
	current, err := s.GetPost(ctx, district, postID)
	if err != nil {
		return err
	}
	readVersion := current.Version
	if err := mutate(&current); err != nil {
		return err
	}

	s.mu.Lock()
	stored, ok := s.posts[postID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update post %s: %w", postID, ErrNotFound)
	}
	if stored.Version != readVersion {
		s.mu.Unlock()
		return fmt.Errorf("update post %s: %w", postID, ErrConflict)
	}
	// identity fields are not writable through a mutation
	current.ID = stored.ID
	current.District = stored.District
	current.Seq = stored.Seq
	current.CreatedAt = stored.CreatedAt
	current.Version = stored.Version + 1
	s.posts[postID] = current.Clone()
	s.mu.Unlock()

	s.notify(PostsPath(district))
	return nil
}
