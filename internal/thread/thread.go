// Package thread maintains the comment/reply trees of the posts visible in
// a district panel.
package thread

import (
	"context"
	"fmt"
	"log/slog"

	"charcha/api/internal/loop"
	"charcha/api/internal/metrics"
	"charcha/api/internal/store"
	"charcha/api/internal/subs"
	"charcha/api/internal/vote"
)

type CommentThread struct {
	Comment store.Comment `json:"comment"`
	Replies []store.Reply `json:"replies"`
}

type PostThread struct {
	Post     store.Post      `json:"post"`
	Score    int             `json:"score"`
	Comments []CommentThread `json:"comments"`
}

type postState struct {
	post     store.Post
	comments []store.Comment
	// replies by comment id; may hold replies whose comment is not in
	// comments yet, attached once it shows up
	replies map[string][]store.Reply
}

// Synchronizer is owned by one event loop; every method must run on it.
type Synchronizer struct {
	store store.Store
	disp  loop.Dispatcher
	reg   *subs.Registry
	log   *slog.Logger
	sink  func(PostThread)

	// OnRemove, when set, is told about posts that left the panel.
	OnRemove func(postID string)

	ctx      context.Context
	watching string
	district string
	order    []string
	posts    map[string]*postState
}

func New(st store.Store, disp loop.Dispatcher, reg *subs.Registry, log *slog.Logger, sink func(PostThread)) *Synchronizer {
	return &Synchronizer{
		store: st,
		disp:  disp,
		reg:   reg,
		log:   log,
		sink:  sink,
		ctx:   context.Background(),
		posts: make(map[string]*postState),
	}
}

// watchKey namespaces the panel's own post listener so it never collides
// with the pin feed's listener on the same collection.
func watchKey(district string) string {
	return subs.Join("panel", store.PostsPath(district))
}

// Watch follows district's posts and keeps their threads current.
func (s *Synchronizer) Watch(ctx context.Context, district string) error {
	if s.watching != "" {
		s.reg.Dispose(watchKey(s.watching))
		s.watching = ""
	}
	if district != s.district {
		s.teardownAll()
		s.district = district
	}
	s.ctx = ctx
	key := watchKey(district)
	lease := s.reg.Reserve(key)
	unsub, err := s.store.SubscribePosts(ctx, district,
		func(posts []store.Post) {
			s.disp.Dispatch(func() {
				if s.reg.Alive(lease) {
					s.SetPosts(district, posts)
				}
			})
		},
		func(err error) {
			s.disp.Dispatch(func() {
				if s.reg.Alive(lease) {
					s.subscriptionError("posts", store.PostsPath(district), err)
				}
			})
		},
	)
	if err != nil {
		s.reg.Dispose(key)
		s.subscriptionError("posts", store.PostsPath(district), err)
		return fmt.Errorf("watch threads %s: %w", district, err)
	}
	s.watching = district
	s.reg.Bind(lease, unsub)
	return nil
}

// SetPosts replaces the visible post set. Threads of posts that left the
// set, or of a previous district, are torn down before anything new is
// subscribed. Soft-deleted posts are dropped.
func (s *Synchronizer) SetPosts(district string, posts []store.Post) {
	if district != s.district {
		s.teardownAll()
		s.district = district
	}

	next := make(map[string]store.Post, len(posts))
	order := make([]string, 0, len(posts))
	for _, p := range posts {
		if p.IsDeleted || p.District != district {
			continue
		}
		if _, dup := next[p.ID]; dup {
			continue
		}
		next[p.ID] = p
		order = append(order, p.ID)
	}

	for id := range s.posts {
		if _, keep := next[id]; !keep {
			s.removePost(id)
		}
	}
	s.order = order

	for _, id := range order {
		p := next[id]
		if st, ok := s.posts[id]; ok {
			changed := st.post.Version != p.Version || st.post.Text != p.Text || vote.NetScore(st.post.Votes) != vote.NetScore(p.Votes)
			st.post = p
			if changed {
				s.publish(id)
			}
			continue
		}
		s.posts[id] = &postState{post: p, replies: make(map[string][]store.Reply)}
		s.publish(id)
		s.subscribeComments(id)
	}
}

func (s *Synchronizer) subscribeComments(postID string) {
	district := s.district
	path := store.CommentsPath(district, postID)
	lease := s.reg.Reserve(path)
	unsub, err := s.store.SubscribeComments(s.ctx, district, postID,
		func(comments []store.Comment) {
			s.disp.Dispatch(func() { s.onComments(lease, postID, comments) })
		},
		func(err error) {
			s.disp.Dispatch(func() {
				if s.reg.Alive(lease) {
					s.subscriptionError("comments", path, err)
				}
			})
		},
	)
	if err != nil {
		s.reg.Dispose(path)
		s.subscriptionError("comments", path, err)
		return
	}
	metrics.ActiveSubscriptions.WithLabelValues("comments").Inc()
	s.reg.Bind(lease, func() {
		unsub()
		metrics.ActiveSubscriptions.WithLabelValues("comments").Dec()
	})
}

func (s *Synchronizer) onComments(lease subs.Lease, postID string, comments []store.Comment) {
	if !s.reg.Alive(lease) {
		return
	}
	st, ok := s.posts[postID]
	if !ok {
		return
	}
	previous := st.comments
	st.comments = comments

	present := make(map[string]struct{}, len(comments))
	for _, c := range comments {
		present[c.ID] = struct{}{}
	}
	// replies parked for a comment never seen yet are kept
	for _, old := range previous {
		if _, keep := present[old.ID]; !keep {
			s.reg.Dispose(store.RepliesPath(s.district, postID, old.ID))
			delete(st.replies, old.ID)
		}
	}
	for _, c := range comments {
		if !s.reg.Has(store.RepliesPath(s.district, postID, c.ID)) {
			s.subscribeReplies(postID, c.ID)
		}
	}
	s.publish(postID)
}

func (s *Synchronizer) subscribeReplies(postID, commentID string) {
	district := s.district
	path := store.RepliesPath(district, postID, commentID)
	lease := s.reg.Reserve(path)
	unsub, err := s.store.SubscribeReplies(s.ctx, district, postID, commentID,
		func(replies []store.Reply) {
			s.disp.Dispatch(func() { s.onReplies(lease, postID, commentID, replies) })
		},
		func(err error) {
			s.disp.Dispatch(func() {
				if s.reg.Alive(lease) {
					s.subscriptionError("replies", path, err)
				}
			})
		},
	)
	if err != nil {
		s.reg.Dispose(path)
		s.subscriptionError("replies", path, err)
		return
	}
	metrics.ActiveSubscriptions.WithLabelValues("replies").Inc()
	s.reg.Bind(lease, func() {
		unsub()
		metrics.ActiveSubscriptions.WithLabelValues("replies").Dec()
	})
}

func (s *Synchronizer) onReplies(lease subs.Lease, postID, commentID string, replies []store.Reply) {
	if !s.reg.Alive(lease) {
		return
	}
	st, ok := s.posts[postID]
	if !ok {
		return
	}
	st.replies[commentID] = replies
	s.publish(postID)
}

func (s *Synchronizer) removePost(postID string) {
	s.reg.DisposePrefix(store.PostPath(s.district, postID))
	delete(s.posts, postID)
	if s.OnRemove != nil {
		s.OnRemove(postID)
	}
}

func (s *Synchronizer) teardownAll() {
	for id := range s.posts {
		s.removePost(id)
	}
	s.order = nil
}

func (s *Synchronizer) subscriptionError(level, path string, err error) {
	metrics.SubscriptionErrorsTotal.WithLabelValues(level).Inc()
	s.log.Warn("thread_subscription_error", "level", level, "path", path, "error", err)
}

func (s *Synchronizer) build(postID string) (PostThread, bool) {
	st, ok := s.posts[postID]
	if !ok {
		return PostThread{}, false
	}
	out := PostThread{
		Post:     st.post,
		Score:    vote.NetScore(st.post.Votes),
		Comments: make([]CommentThread, 0, len(st.comments)),
	}
	for _, c := range st.comments {
		replies := st.replies[c.ID]
		if replies == nil {
			replies = []store.Reply{}
		}
		out.Comments = append(out.Comments, CommentThread{Comment: c, Replies: replies})
	}
	return out, true
}

func (s *Synchronizer) publish(postID string) {
	if s.sink == nil {
		return
	}
	if t, ok := s.build(postID); ok {
		s.sink(t)
	}
}

// Thread returns one post's current tree.
func (s *Synchronizer) Thread(postID string) (PostThread, bool) {
	return s.build(postID)
}

// Threads returns every visible thread, newest post first.
func (s *Synchronizer) Threads() []PostThread {
	out := make([]PostThread, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.build(id); ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Synchronizer) District() string {
	return s.district
}

// Close releases the post watch and every comment and reply listener.
func (s *Synchronizer) Close() {
	if s.watching != "" {
		s.reg.Dispose(watchKey(s.watching))
		s.watching = ""
	}
	s.teardownAll()
	s.district = ""
}
