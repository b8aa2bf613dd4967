package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"charcha/api/internal/util"
)

type PostgresStore struct {
	db       *sql.DB
	listener *Listener
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, listener: NewListener(db)}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Listen runs the change feed that drives subscriptions until ctx ends.
func (s *PostgresStore) Listen(ctx context.Context) error {
	return s.listener.Run(ctx)
}

const postColumns = `id, district, author_id, author_name, text, COALESCE(media_url, ''), COALESCE(media_type, ''),
	lat, lng, pin_type, votes::text, is_deleted, deleted_at, created_at, seq, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var (
		item     Post
		lat, lng sql.NullFloat64
		votesRaw string
		deleted  sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.District,
		&item.AuthorID,
		&item.AuthorName,
		&item.Text,
		&item.MediaURL,
		&item.MediaType,
		&lat,
		&lng,
		&item.PinType,
		&votesRaw,
		&item.IsDeleted,
		&deleted,
		&item.CreatedAt,
		&item.Seq,
		&item.Version,
	); err != nil {
		return Post{}, err
	}
	if lat.Valid {
		item.Lat = Float(lat.Float64)
	}
	if lng.Valid {
		item.Lng = Float(lng.Float64)
	}
	if deleted.Valid {
		at := deleted.Time
		item.DeletedAt = &at
	}
	item.Votes = map[string]int{}
	if err := json.Unmarshal([]byte(votesRaw), &item.Votes); err != nil {
		return Post{}, fmt.Errorf("decode votes: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, district string) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE district=$1
		ORDER BY created_at DESC, seq DESC
	`, district)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		item, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, district, postID string) (Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE district=$1 AND id=$2`, district, postID)
	item, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, fmt.Errorf("get post %s: %w", postID, ErrNotFound)
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) listComments(ctx context.Context, district, postID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, district, post_id, author_id, author_name, text, created_at, seq
		FROM comments
		WHERE district=$1 AND post_id=$2
		ORDER BY created_at ASC, seq ASC
	`, district, postID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.District, &item.PostID, &item.AuthorID, &item.AuthorName, &item.Text, &item.CreatedAt, &item.Seq); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) listReplies(ctx context.Context, district, postID, commentID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, district, post_id, comment_id, author_id, author_name, text, created_at, seq
		FROM replies
		WHERE district=$1 AND post_id=$2 AND comment_id=$3
		ORDER BY created_at ASC, seq ASC
	`, district, postID, commentID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Reply, 0)
	for rows.Next() {
		var item Reply
		if err := rows.Scan(&item.ID, &item.District, &item.PostID, &item.CommentID, &item.AuthorID, &item.AuthorName, &item.Text, &item.CreatedAt, &item.Seq); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddPost(ctx context.Context, post Post) (Post, error) {
	if post.ID == "" {
		post.ID = util.NewID("post")
	}
	votes := post.Votes
	if votes == nil {
		votes = map[string]int{}
	}
	votesRaw, err := json.Marshal(votes)
	if err != nil {
		return Post{}, fmt.Errorf("encode votes: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO posts (id, district, author_id, author_name, text, media_url, media_type, lat, lng, pin_type, votes)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11::jsonb)
		RETURNING `+postColumns,
		post.ID, post.District, post.AuthorID, post.AuthorName, post.Text, post.MediaURL, post.MediaType,
		nullFloat(post.Lat), nullFloat(post.Lng), post.PinType, string(votesRaw))
	item, err := scanPost(row)
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) AddComment(ctx context.Context, comment Comment) (Comment, error) {
	if comment.ID == "" {
		comment.ID = util.NewID("cmt")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, district, post_id, author_id, author_name, text)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM posts WHERE id=$3 AND district=$2)
		RETURNING created_at, seq
	`, comment.ID, comment.District, comment.PostID, comment.AuthorID, comment.AuthorName, comment.Text).Scan(&comment.CreatedAt, &comment.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, fmt.Errorf("add comment to %s: %w", comment.PostID, ErrNotFound)
	}
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

func (s *PostgresStore) AddReply(ctx context.Context, reply Reply) (Reply, error) {
	if reply.ID == "" {
		reply.ID = util.NewID("rpl")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO replies (id, district, post_id, comment_id, author_id, author_name, text)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM comments WHERE id=$4 AND post_id=$3 AND district=$2)
		RETURNING created_at, seq
	`, reply.ID, reply.District, reply.PostID, reply.CommentID, reply.AuthorID, reply.AuthorName, reply.Text).Scan(&reply.CreatedAt, &reply.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Reply{}, fmt.Errorf("add reply to %s: %w", reply.CommentID, ErrNotFound)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("insert reply: %w", err)
	}
	return reply, nil
}

// UpdatePost compares the version read against the stored one in the same
// UPDATE statement; zero affected rows means a concurrent writer won.
func (s *PostgresStore) UpdatePost(ctx context.Context, district, postID string, mutate func(*Post) error) error {
	current, err := s.GetPost(ctx, district, postID)
	if err != nil {
		return err
	}
	readVersion := current.Version
	if err := mutate(&current); err != nil {
		return err
	}
	votes := current.Votes
	if votes == nil {
		votes = map[string]int{}
	}
	votesRaw, err := json.Marshal(votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE posts
		SET text=$4, media_url=NULLIF($5, ''), media_type=NULLIF($6, ''), lat=$7, lng=$8, pin_type=$9,
			votes=$10::jsonb, is_deleted=$11, deleted_at=$12, version=version+1
		WHERE district=$1 AND id=$2 AND version=$3
	`, district, postID, readVersion, current.Text, current.MediaURL, current.MediaType,
		nullFloat(current.Lat), nullFloat(current.Lng), current.PinType, string(votesRaw), current.IsDeleted, current.DeletedAt)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update post rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update post %s: %w", postID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) SubscribePosts(ctx context.Context, district string, onSnapshot func([]Post), onError func(error)) (Unsubscribe, error) {
	match := func(c Change) bool {
		return c.Table == "posts" && c.District == district
	}
	return subscribeQuery(ctx, s.listener, PostsPath(district), match, func(ctx context.Context) ([]Post, error) {
		return s.ListPosts(ctx, district)
	}, onSnapshot, onError)
}

func (s *PostgresStore) SubscribeComments(ctx context.Context, district, postID string, onSnapshot func([]Comment), onError func(error)) (Unsubscribe, error) {
	match := func(c Change) bool {
		return c.Table == "comments" && c.District == district && c.PostID == postID
	}
	return subscribeQuery(ctx, s.listener, CommentsPath(district, postID), match, func(ctx context.Context) ([]Comment, error) {
		return s.listComments(ctx, district, postID)
	}, onSnapshot, onError)
}

func (s *PostgresStore) SubscribeReplies(ctx context.Context, district, postID, commentID string, onSnapshot func([]Reply), onError func(error)) (Unsubscribe, error) {
	match := func(c Change) bool {
		return c.Table == "replies" && c.District == district && c.PostID == postID && c.CommentID == commentID
	}
	return subscribeQuery(ctx, s.listener, RepliesPath(district, postID, commentID), match, func(ctx context.Context) ([]Reply, error) {
		return s.listReplies(ctx, district, postID, commentID)
	}, onSnapshot, onError)
}

// subscribeQuery delivers the initial snapshot before returning, then
// re-queries on a single goroutine whenever a matching change arrives.
// Notifications that land while a query runs collapse into one re-query.
func subscribeQuery[T any](
	ctx context.Context,
	listener *Listener,
	path string,
	match func(Change) bool,
	query func(context.Context) ([]T, error),
	onSnapshot func([]T),
	onError func(error),
) (Unsubscribe, error) {
	// the hook goes in before the first read; a change landing in between
	// leaves a kick behind and costs one extra query
	subCtx, cancel := context.WithCancel(ctx)
	kick := make(chan struct{}, 1)
	remove := listener.Add(func(c Change) {
		if c.Resync || match(c) {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})

	initial, err := query(ctx)
	if err != nil {
		remove()
		cancel()
		return nil, &SubscriptionError{Path: path, Err: err}
	}

	onSnapshot(initial)

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case <-kick:
			}
			items, err := query(subCtx)
			if subCtx.Err() != nil {
				return
			}
			if err != nil {
				if onError != nil {
					onError(&SubscriptionError{Path: path, Err: err})
				}
				continue
			}
			onSnapshot(items)
		}
	}()

	return func() {
		remove()
		cancel()
	}, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}
