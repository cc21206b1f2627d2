// Command seed loads a YAML fixture of listings and marketplace connections
// into Postgres. Intended for local development and demo environments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vendaro/crosslist/internal/adapter/observability"
	"github.com/vendaro/crosslist/internal/adapter/repo/postgres"
	"github.com/vendaro/crosslist/internal/config"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

type seedDoc struct {
	Listings    []seedListing    `yaml:"listings"`
	Connections []seedConnection `yaml:"connections"`
}

type seedListing struct {
	ID          string   `yaml:"id"`
	UserID      string   `yaml:"user_id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Price       float64  `yaml:"price"`
	Images      []string `yaml:"images"`
	Category    string   `yaml:"category"`
}

type seedConnection struct {
	UserID       string            `yaml:"user_id"`
	Marketplace  string            `yaml:"marketplace"`
	AccessToken  string            `yaml:"access_token"`
	RefreshToken string            `yaml:"refresh_token"`
	Settings     map[string]string `yaml:"settings"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "seed.yaml", "path to the seed fixture")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	if err := run(context.Background(), cfg, path); err != nil {
		slog.Error("seed failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=seed.read: %w", err)
	}
	var doc seedDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("op=seed.parse: %w", err)
	}
	if len(doc.Listings) == 0 && len(doc.Connections) == 0 {
		return fmt.Errorf("op=seed.parse: nothing to seed in %s", path)
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgres.New(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	clock := clockx.NewReal()
	now := clock.Now()

	created := 0
	for _, l := range doc.Listings {
		id := l.ID
		if id == "" {
			id = clock.NewID()
		}
		if _, err := store.GetListing(ctx, id); err == nil {
			slog.Info("listing already present, skipping", slog.String("id", id))
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		err := store.CreateListing(ctx, domain.Listing{
			ID:          id,
			UserID:      l.UserID,
			Title:       l.Title,
			Description: l.Description,
			Price:       l.Price,
			Images:      l.Images,
			Category:    l.Category,
			Status:      domain.ListingActive,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		created++
	}

	for _, c := range doc.Connections {
		err := store.UpsertConnection(ctx, domain.MarketplaceConnection{
			ID:           clock.NewID(),
			UserID:       c.UserID,
			Marketplace:  c.Marketplace,
			AccessToken:  c.AccessToken,
			RefreshToken: c.RefreshToken,
			IsConnected:  true,
			Settings:     c.Settings,
		})
		if err != nil {
			return err
		}
	}

	slog.Info("seed complete",
		slog.Int("listings_created", created),
		slog.Int("connections_upserted", len(doc.Connections)))
	return nil
}
