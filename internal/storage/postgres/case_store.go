package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/caseforge/casekb/internal/store"
)

// CaseStore is the Postgres-backed store.CaseRepo over the knowledge-base
// case table.
type CaseStore struct {
	pool dbPool
}

// NewCaseStore creates a CaseStore with its own pool.
func NewCaseStore(ctx context.Context, cfg Config) (*CaseStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CaseStore{pool: pool}, nil
}

// NewCaseStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCaseStoreWithPool(pool dbPool) (*CaseStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CaseStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *CaseStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *CaseStore) ExistingIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT case_id FROM ad_cases WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select existing case ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

const caseColumns = `case_id, title, description, source_url, main_image,
images, video_url, brand_name, brand_industry, activity_type, location,
tags, score, score_decimal, favourite, publish_time, author, company_name,
company_logo, agency_name, combined_vector`

// Upsert inserts or refreshes one case; the conflict target makes repeated
// imports of the same batch idempotent. Search vectors over the text columns
// are maintained by database triggers, not written here.
func (s *CaseStore) Upsert(ctx context.Context, c *store.Case) error {
	query := fmt.Sprintf(`
INSERT INTO ad_cases (%s, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,NOW(),NOW())
ON CONFLICT (case_id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	source_url = EXCLUDED.source_url,
	main_image = EXCLUDED.main_image,
	images = EXCLUDED.images,
	video_url = EXCLUDED.video_url,
	brand_name = EXCLUDED.brand_name,
	brand_industry = EXCLUDED.brand_industry,
	activity_type = EXCLUDED.activity_type,
	location = EXCLUDED.location,
	tags = EXCLUDED.tags,
	score = EXCLUDED.score,
	score_decimal = EXCLUDED.score_decimal,
	favourite = EXCLUDED.favourite,
	publish_time = EXCLUDED.publish_time,
	author = EXCLUDED.author,
	company_name = EXCLUDED.company_name,
	company_logo = EXCLUDED.company_logo,
	agency_name = EXCLUDED.agency_name,
	combined_vector = EXCLUDED.combined_vector,
	updated_at = NOW()`, caseColumns)
	if _, err := s.pool.Exec(ctx, query,
		c.CaseID, c.Title, c.Description, c.SourceURL, c.MainImage,
		c.Images, c.VideoURL, c.BrandName, c.BrandIndustry, c.ActivityType,
		c.Location, c.Tags, c.Score, c.ScoreDecimal, c.Favourite,
		c.PublishTime, c.Author, c.CompanyName, c.CompanyLogo, c.AgencyName,
		c.CombinedVector); err != nil {
		return fmt.Errorf("upsert case %d: %w", c.CaseID, err)
	}
	return nil
}

func (s *CaseStore) Get(ctx context.Context, caseID int64) (*store.Case, error) {
	query := fmt.Sprintf(`
SELECT %s, created_at, updated_at
FROM ad_cases
WHERE case_id = $1`, caseColumns)
	var c store.Case
	err := s.pool.QueryRow(ctx, query, caseID).Scan(
		&c.CaseID, &c.Title, &c.Description, &c.SourceURL, &c.MainImage,
		&c.Images, &c.VideoURL, &c.BrandName, &c.BrandIndustry,
		&c.ActivityType, &c.Location, &c.Tags, &c.Score, &c.ScoreDecimal,
		&c.Favourite, &c.PublishTime, &c.Author, &c.CompanyName,
		&c.CompanyLogo, &c.AgencyName, &c.CombinedVector,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("case %d: %w", caseID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("select case: %w", err)
	}
	return &c, nil
}
