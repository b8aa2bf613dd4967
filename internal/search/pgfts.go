package search

import (
	"context"
	"database/sql"
	"fmt"
)

// PgFTS matches pins with PostgreSQL full-text search over posts.search_tsv.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ANDs the terms with plainto_tsquery, then applies the substring
// rule so results agree with the other matchers.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	args := []any{q.text()}
	where := `search_tsv @@ plainto_tsquery('simple', $1)
		AND NOT is_deleted AND lat IS NOT NULL AND lng IS NOT NULL`
	if q.District != "" {
		args = append(args, q.District)
		where += fmt.Sprintf(" AND district = $%d", len(args))
	}
	query := fmt.Sprintf(`SELECT id, lat, lng, text
		FROM posts
		WHERE %s
		ORDER BY ts_rank(search_tsv, plainto_tsquery('simple', $1)) DESC, created_at DESC
		LIMIT %d`, where, q.limit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.PostID, &m.Lat, &m.Lng, &m.Text); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		if q.Matches(m.Text) {
			out = append(out, m)
		}
	}
	return out, rows.Err()
}

// LoadAllPins returns every flyable pin for full reindexing.
func (p *PgFTS) LoadAllPins(ctx context.Context) ([]PinRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, district, text, author_name, pin_type, lat, lng, EXTRACT(EPOCH FROM created_at)::bigint
		FROM posts
		WHERE NOT is_deleted AND lat IS NOT NULL AND lng IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load pins: %w", err)
	}
	defer rows.Close()

	pins := make([]PinRecord, 0)
	for rows.Next() {
		var r PinRecord
		if err := rows.Scan(&r.ID, &r.District, &r.Text, &r.AuthorName, &r.PinType, &r.Lat, &r.Lng, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		pins = append(pins, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pins: %w", err)
	}
	return pins, nil
}
