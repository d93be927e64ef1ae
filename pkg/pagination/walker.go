package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/emr-records-client/pkg/query"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrTooManyPages is returned when a list reports more pages than Config.MaxPages.
var ErrTooManyPages = errors.New("too many pages")

// Config holds page walker configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page fetches
	MaxConcurrency int

	// Timeout per page fetch
	Timeout time.Duration

	// MaxPages caps the number of pages a single walk may fetch
	MaxPages int
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
		MaxPages:       1000,
	}
}

// PageFetcher fetches a single page.
type PageFetcher[T any] func(ctx context.Context, req query.PaginationRequest) (query.PageResult[T], error)

// FetchAll fetches every page of the list selected by base (its Page field is
// ignored) and returns the records in order.
func FetchAll[T any](ctx context.Context, fetch PageFetcher[T], base query.PaginationRequest, cfg Config) ([]T, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig().MaxPages
	}

	start := time.Now()

	first, err := fetchPage(ctx, fetch, base.WithPage(1), cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	totalPages := first.TotalPages
	if totalPages <= 1 {
		return first.Data, nil
	}
	if totalPages > cfg.MaxPages {
		return nil, fmt.Errorf("%w: %d pages, limit is %d", ErrTooManyPages, totalPages, cfg.MaxPages)
	}

	log.Debug().
		Int("total_pages", totalPages).
		Int("workers", cfg.MaxConcurrency).
		Msg("Starting parallel page fetch")

	pages := make([][]T, totalPages)
	pages[0] = first.Data

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)

	for p := 2; p <= totalPages; p++ {
		p := p // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			res, err := fetchPage(gctx, fetch, base.WithPage(p), cfg.Timeout)
			if err != nil {
				return fmt.Errorf("fetch page %d/%d: %w", p, totalPages, err)
			}
			pages[p-1] = res.Data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Int("total_pages", totalPages).Msg("Page fetch failed")
		return nil, err
	}

	records := make([]T, 0, len(first.Data)*totalPages)
	for _, data := range pages {
		records = append(records, data...)
	}

	log.Debug().
		Int("pages", totalPages).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return records, nil
}

func fetchPage[T any](ctx context.Context, fetch PageFetcher[T], req query.PaginationRequest, timeout time.Duration) (query.PageResult[T], error) {
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fetch(pageCtx, req)
}
