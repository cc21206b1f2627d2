package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vendaro/crosslist/internal/domain"
)

func (s *Store) CreateListing(ctx context.Context, l domain.Listing) error {
	ctx, span := otel.Tracer("repo.listings").Start(ctx, "listings.Create")
	defer span.End()
	q := `INSERT INTO listings (id, user_id, title, description, price, images, category, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.Pool.Exec(ctx, q, l.ID, l.UserID, l.Title, l.Description, l.Price,
		l.Images, l.Category, l.Status, l.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=listings.create: %w", err)
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	ctx, span := otel.Tracer("repo.listings").Start(ctx, "listings.Get")
	defer span.End()
	q := `SELECT id, user_id, title, description, price, images, category, status, created_at
		FROM listings WHERE id=$1`
	var l domain.Listing
	err := s.Pool.QueryRow(ctx, q, id).Scan(&l.ID, &l.UserID, &l.Title, &l.Description,
		&l.Price, &l.Images, &l.Category, &l.Status, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, fmt.Errorf("op=listings.get: listing %s: %w", id, domain.ErrNotFound)
		}
		return domain.Listing{}, fmt.Errorf("op=listings.get: %w", err)
	}
	return l, nil
}

func (s *Store) UpdateListingStatus(ctx context.Context, id string, status domain.ListingStatus) error {
	ctx, span := otel.Tracer("repo.listings").Start(ctx, "listings.UpdateStatus")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `UPDATE listings SET status=$2 WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=listings.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=listings.update_status: listing %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

const postColumns = `id, listing_id, marketplace, external_id, external_url, status, error_message, posted_at`

func (s *Store) CreateListingPost(ctx context.Context, p domain.ListingPost) error {
	ctx, span := otel.Tracer("repo.posts").Start(ctx, "posts.Create")
	defer span.End()
	q := `INSERT INTO listing_posts (` + postColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.Pool.Exec(ctx, q, p.ID, p.ListingID, p.Marketplace, p.ExternalID,
		p.ExternalURL, p.Status, p.ErrorMessage, p.PostedAt)
	if err != nil {
		return fmt.Errorf("op=posts.create: %w", err)
	}
	return nil
}

func (s *Store) GetListingPost(ctx context.Context, listingID, marketplace string) (domain.ListingPost, error) {
	ctx, span := otel.Tracer("repo.posts").Start(ctx, "posts.Get")
	defer span.End()
	q := `SELECT ` + postColumns + ` FROM listing_posts WHERE listing_id=$1 AND marketplace=$2`
	var p domain.ListingPost
	err := s.Pool.QueryRow(ctx, q, listingID, marketplace).Scan(&p.ID, &p.ListingID,
		&p.Marketplace, &p.ExternalID, &p.ExternalURL, &p.Status, &p.ErrorMessage, &p.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ListingPost{}, fmt.Errorf("op=posts.get: %s on %s: %w", listingID, marketplace, domain.ErrNotFound)
		}
		return domain.ListingPost{}, fmt.Errorf("op=posts.get: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateListingPost(ctx context.Context, p domain.ListingPost) error {
	ctx, span := otel.Tracer("repo.posts").Start(ctx, "posts.Update")
	defer span.End()
	q := `UPDATE listing_posts SET external_id=$2, external_url=$3, status=$4,
		error_message=$5, posted_at=$6 WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, p.ID, p.ExternalID, p.ExternalURL, p.Status, p.ErrorMessage, p.PostedAt)
	if err != nil {
		return fmt.Errorf("op=posts.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=posts.update: post %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListListingPosts(ctx context.Context, listingID string) ([]domain.ListingPost, error) {
	ctx, span := otel.Tracer("repo.posts").Start(ctx, "posts.List")
	defer span.End()
	q := `SELECT ` + postColumns + ` FROM listing_posts WHERE listing_id=$1 ORDER BY marketplace`
	rows, err := s.Pool.Query(ctx, q, listingID)
	if err != nil {
		return nil, fmt.Errorf("op=posts.list: %w", err)
	}
	defer rows.Close()

	var out []domain.ListingPost
	for rows.Next() {
		var p domain.ListingPost
		if err := rows.Scan(&p.ID, &p.ListingID, &p.Marketplace, &p.ExternalID,
			&p.ExternalURL, &p.Status, &p.ErrorMessage, &p.PostedAt); err != nil {
			return nil, fmt.Errorf("op=posts.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=posts.rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetConnection(ctx context.Context, userID, marketplace string) (domain.MarketplaceConnection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.Get")
	defer span.End()
	q := `SELECT id, user_id, marketplace, access_token, refresh_token, token_expires_at, is_connected, settings
		FROM marketplace_connections WHERE user_id=$1 AND marketplace=$2`
	var c domain.MarketplaceConnection
	err := s.Pool.QueryRow(ctx, q, userID, marketplace).Scan(&c.ID, &c.UserID, &c.Marketplace,
		&c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt, &c.IsConnected, &c.Settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketplaceConnection{}, fmt.Errorf("op=connections.get: %s on %s: %w", userID, marketplace, domain.ErrNotFound)
		}
		return domain.MarketplaceConnection{}, fmt.Errorf("op=connections.get: %w", err)
	}
	return c, nil
}

// UpsertConnection inserts or refreshes a connection keyed by
// (user_id, marketplace). Used by the seed tool and OAuth callbacks.
func (s *Store) UpsertConnection(ctx context.Context, c domain.MarketplaceConnection) error {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.Upsert")
	defer span.End()
	q := `INSERT INTO marketplace_connections (id, user_id, marketplace, access_token, refresh_token, token_expires_at, is_connected, settings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, marketplace) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			token_expires_at=EXCLUDED.token_expires_at,
			is_connected=EXCLUDED.is_connected,
			settings=EXCLUDED.settings`
	_, err := s.Pool.Exec(ctx, q, c.ID, c.UserID, c.Marketplace, c.AccessToken,
		c.RefreshToken, c.TokenExpiresAt, c.IsConnected, c.Settings)
	if err != nil {
		return fmt.Errorf("op=connections.upsert: %w", err)
	}
	return nil
}

func (s *Store) UpdateConnection(ctx context.Context, c domain.MarketplaceConnection) error {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.Update")
	defer span.End()
	q := `UPDATE marketplace_connections SET access_token=$2, refresh_token=$3,
		token_expires_at=$4, is_connected=$5, settings=$6 WHERE id=$1`
	tag, err := s.Pool.Exec(ctx, q, c.ID, c.AccessToken, c.RefreshToken,
		c.TokenExpiresAt, c.IsConnected, c.Settings)
	if err != nil {
		return fmt.Errorf("op=connections.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=connections.update: connection %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}
