package app

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"charcha/api/internal/auth"
	"charcha/api/internal/config"
	"charcha/api/internal/geometry"
	"charcha/api/internal/logger"
	"charcha/api/internal/media"
	"charcha/api/internal/pinfeed"
	"charcha/api/internal/search"
	"charcha/api/internal/store"
	"charcha/api/internal/vote"
)

const maxTextLen = 2000

// MediaStore holds post media objects.
type MediaStore interface {
	Upload(ctx context.Context, r io.Reader, size int64, contentType string) (media.Object, error)
	Delete(ctx context.Context, url string) error
}

// PinIndex answers flat pin lookups and keeps the index current.
type PinIndex interface {
	Search(ctx context.Context, q search.Query) ([]search.Match, error)
	IndexPin(r search.PinRecord)
	DeletePin(id string)
}

type Service struct {
	cfg    config.Config
	store  store.Store
	geo    *geometry.Provider
	votes  *vote.Aggregator
	media  MediaStore
	search PinIndex
	now    func() time.Time
}

// Deps are the collaborators a Service needs. Media and Search may be nil.
type Deps struct {
	Store    store.Store
	Geometry *geometry.Provider
	Media    MediaStore
	Search   PinIndex
}

func NewService(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:    cfg,
		store:  deps.Store,
		geo:    deps.Geometry,
		votes:  vote.NewAggregator(deps.Store, cfg.VoteMaxAttempts, logger.L()),
		media:  deps.Media,
		search: deps.Search,
		now:    time.Now,
	}
}

type DistrictSummary struct {
	Name    string     `json:"name"`
	Density float64    `json:"density"`
	Color   string     `json:"color"`
	Bounds  [4]float64 `json:"bounds"`
}

type PostView struct {
	store.Post
	Score int `json:"score"`
}

type CreatePostInput struct {
	Text      string   `json:"text"`
	PinType   string   `json:"pinType"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	MediaURL  string   `json:"mediaUrl"`
	MediaType string   `json:"mediaType"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Districts lists every district with its bounds as [minLng, minLat, maxLng, maxLat].
func (s *Service) Districts(ctx context.Context) ([]DistrictSummary, error) {
	coll, err := s.geo.Get(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DistrictSummary, 0, coll.Len())
	for _, name := range coll.Names() {
		d, err := coll.Lookup(name)
		if err != nil {
			continue
		}
		b := d.Bound()
		out = append(out, DistrictSummary{
			Name:    d.Name,
			Density: d.Density(),
			Color:   geometry.DensityColor(d.Density()),
			Bounds:  [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
		})
	}
	return out, nil
}

// district resolves a path segment to the canonical district name.
func (s *Service) district(ctx context.Context, name string) (*geometry.District, error) {
	coll, err := s.geo.Get(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Lookup(name)
}

func (s *Service) Pins(ctx context.Context, districtName string) (pinfeed.FeatureCollection, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return pinfeed.FeatureCollection{}, err
	}
	posts, err := s.store.ListPosts(ctx, d.Name)
	if err != nil {
		return pinfeed.FeatureCollection{}, err
	}
	return pinfeed.Build(d.Name, posts, nil, s.now()), nil
}

// Posts lists a district's live posts, newest first.
func (s *Service) Posts(ctx context.Context, districtName string) ([]PostView, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return nil, err
	}
	posts, err := s.store.ListPosts(ctx, d.Name)
	if err != nil {
		return nil, err
	}
	out := make([]PostView, 0, len(posts))
	for _, p := range posts {
		if p.IsDeleted {
			continue
		}
		out = append(out, PostView{Post: p, Score: vote.NetScore(p.Votes)})
	}
	return out, nil
}

func cleanText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", validationError("text is required")
	}
	if utf8.RuneCountInString(text) > maxTextLen {
		return "", validationError("text is too long")
	}
	return text, nil
}

func (s *Service) CreatePost(ctx context.Context, who auth.Identity, districtName string, in CreatePostInput) (store.Post, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return store.Post{}, err
	}
	text, err := cleanText(in.Text)
	if err != nil {
		return store.Post{}, err
	}
	pinType := strings.ToLower(strings.TrimSpace(in.PinType))
	if pinType == "" {
		pinType = store.PinLive
	}
	if pinType != store.PinLive && pinType != store.PinPersistent {
		return store.Post{}, validationError("pinType must be live or persistent")
	}
	if (in.Lat == nil) != (in.Lng == nil) {
		return store.Post{}, validationError("lat and lng must be given together")
	}
	if in.Lat != nil && (*in.Lat < -90 || *in.Lat > 90 || *in.Lng < -180 || *in.Lng > 180) {
		return store.Post{}, validationError("coordinates out of range")
	}
	if in.MediaURL != "" && in.MediaType != "image" && in.MediaType != "video" {
		return store.Post{}, validationError("mediaType must be image or video")
	}

	post, err := s.store.AddPost(ctx, store.Post{
		District:   d.Name,
		AuthorID:   who.UserID,
		AuthorName: who.Name,
		Text:       text,
		MediaURL:   in.MediaURL,
		MediaType:  mediaTypeOrEmpty(in),
		Lat:        in.Lat,
		Lng:        in.Lng,
		PinType:    pinType,
	})
	if err != nil {
		return store.Post{}, err
	}
	if s.search != nil {
		if rec, ok := search.RecordFromPost(post); ok {
			s.search.IndexPin(rec)
		}
	}
	logger.L().Info("post_created", "post_id", post.ID, "district", post.District, "pin_type", post.PinType)
	return post, nil
}

func mediaTypeOrEmpty(in CreatePostInput) string {
	if in.MediaURL == "" {
		return ""
	}
	return in.MediaType
}

// livePost fails with ErrNotFound for missing and soft-deleted posts.
func (s *Service) livePost(ctx context.Context, district, postID string) error {
	p, err := s.store.GetPost(ctx, district, postID)
	if err != nil {
		return err
	}
	if p.IsDeleted {
		return store.ErrNotFound
	}
	return nil
}

func (s *Service) AddComment(ctx context.Context, who auth.Identity, districtName, postID, text string) (store.Comment, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return store.Comment{}, err
	}
	text, err = cleanText(text)
	if err != nil {
		return store.Comment{}, err
	}
	if err := s.livePost(ctx, d.Name, postID); err != nil {
		return store.Comment{}, err
	}
	return s.store.AddComment(ctx, store.Comment{
		District:   d.Name,
		PostID:     postID,
		AuthorID:   who.UserID,
		AuthorName: who.Name,
		Text:       text,
	})
}

func (s *Service) AddReply(ctx context.Context, who auth.Identity, districtName, postID, commentID, text string) (store.Reply, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return store.Reply{}, err
	}
	text, err = cleanText(text)
	if err != nil {
		return store.Reply{}, err
	}
	if err := s.livePost(ctx, d.Name, postID); err != nil {
		return store.Reply{}, err
	}
	return s.store.AddReply(ctx, store.Reply{
		District:   d.Name,
		PostID:     postID,
		CommentID:  commentID,
		AuthorID:   who.UserID,
		AuthorName: who.Name,
		Text:       text,
	})
}

func (s *Service) Vote(ctx context.Context, who auth.Identity, districtName, postID string, value int) (vote.Result, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return vote.Result{}, err
	}
	return s.votes.ApplyVote(ctx, d.Name, postID, who.UserID, value)
}

// DeletePost soft-deletes an author's post, then removes its media object
// and index entry best-effort.
func (s *Service) DeletePost(ctx context.Context, who auth.Identity, districtName, postID string) (store.Post, error) {
	d, err := s.district(ctx, districtName)
	if err != nil {
		return store.Post{}, err
	}
	post, err := s.votes.SoftDelete(ctx, d.Name, postID, who.UserID)
	if err != nil {
		return store.Post{}, err
	}
	if s.media != nil && post.MediaURL != "" {
		if err := s.media.Delete(ctx, post.MediaURL); err != nil {
			logger.L().Warn("post_media_cleanup_failed", "post_id", postID, "error", err)
		}
	}
	if s.search != nil {
		s.search.DeletePin(postID)
	}
	logger.L().Info("post_deleted", "post_id", postID, "district", d.Name)
	return post, nil
}

func (s *Service) UploadMedia(ctx context.Context, r io.Reader, size int64, contentType string) (media.Object, error) {
	if s.media == nil {
		return media.Object{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Media storage is not configured", nil)
	}
	if _, _, err := media.Classify(contentType); err != nil {
		return media.Object{}, err
	}
	obj, err := s.media.Upload(ctx, r, size, contentType)
	if err != nil {
		if mapped, _, _, _ := mapError(err); mapped != http.StatusInternalServerError {
			return media.Object{}, err
		}
		logger.L().Error("media_upload_failed", "error", err)
		return media.Object{}, domainError(http.StatusBadGateway, "MEDIA_UPLOAD_FAILED", "Media upload failed", nil)
	}
	return obj, nil
}

func (s *Service) MatchPins(ctx context.Context, q search.Query) ([]search.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.search == nil {
		return []search.Match{}, nil
	}
	return s.search.Search(ctx, q)
}
