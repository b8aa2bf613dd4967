package store

import "time"

const (
	PinLive       = "live"
	PinPersistent = "persistent"
)

type District struct {
	Name string `json:"name"`
}

type Post struct {
	ID         string         `json:"id"`
	District   string         `json:"districtId"`
	AuthorID   string         `json:"authorId"`
	AuthorName string         `json:"authorName"`
	Text       string         `json:"text"`
	MediaURL   string         `json:"mediaUrl,omitempty"`
	MediaType  string         `json:"mediaType,omitempty"`
	Lat        *float64       `json:"lat,omitempty"`
	Lng        *float64       `json:"lng,omitempty"`
	PinType    string         `json:"pinType"`
	CreatedAt  time.Time      `json:"createdAt"`
	Votes      map[string]int `json:"votes"`
	IsDeleted  bool           `json:"isDeleted"`
	DeletedAt  *time.Time     `json:"deletedAt,omitempty"`
	Seq        int64          `json:"-"`
	Version    int64          `json:"-"`
}

// Clone returns a deep copy; snapshots handed to subscribers never alias
// store state.
func (p Post) Clone() Post {
	out := p
	if p.Votes != nil {
		out.Votes = make(map[string]int, len(p.Votes))
		for k, v := range p.Votes {
			out.Votes[k] = v
		}
	}
	if p.Lat != nil {
		lat := *p.Lat
		out.Lat = &lat
	}
	if p.Lng != nil {
		lng := *p.Lng
		out.Lng = &lng
	}
	if p.DeletedAt != nil {
		at := *p.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// HasLocation reports whether both coordinates are present.
func (p Post) HasLocation() bool {
	return p.Lat != nil && p.Lng != nil
}

type Comment struct {
	ID         string    `json:"id"`
	District   string    `json:"districtId"`
	PostID     string    `json:"postId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Seq        int64     `json:"-"`
}

type Reply struct {
	ID         string    `json:"id"`
	District   string    `json:"districtId"`
	PostID     string    `json:"postId"`
	CommentID  string    `json:"commentId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Seq        int64     `json:"-"`
}

func Float(v float64) *float64 {
	return &v
}
