// Package hardcover looks up book metadata (page counts) on Hardcover's GraphQL API.
package hardcover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hasura/go-graphql-client"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/cache"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/util"
)

const (
	DefaultBaseURL  = "https://api.hardcover.app/v1/graphql"
	DefaultCacheTTL = 24 * time.Hour
	DefaultTimeout  = 30 * time.Second
)

const bookPagesQuery = `query BookPages($title: String!) {
  books(where: {title: {_eq: $title}}, order_by: {users_count: desc}, limit: 5) {
    id
    title
    pages
    contributions {
      author {
        name
      }
    }
  }
}`

// headerAddingTransport adds the headers required by the Hardcover API.
type headerAddingTransport struct {
	token string
	rt    http.RoundTripper
}

func (t *headerAddingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.token != "" {
		token := t.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Config holds client settings.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	CacheTTL  time.Duration
	RateLimit time.Duration
	Burst     int
}

type bookResult struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Pages         *int   `json:"pages"`
	Contributions []struct {
		Author struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"contributions"`
}

type booksResponse struct {
	Books []bookResult `json:"books"`
}

// MetadataClient resolves page counts by title and author. Results,
// misses included, are cached.
type MetadataClient struct {
	gql         *graphql.Client
	rateLimiter *util.RateLimiter
	pages       cache.Cache[string, int]
	logger      *logger.Logger
}

// NewMetadataClient creates a new Hardcover metadata client
func NewMetadataClient(cfg Config, log *logger.Logger) *MetadataClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	log = log.Component("hardcover_client")

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &headerAddingTransport{
			token: cfg.Token,
			rt:    http.DefaultTransport,
		},
	}

	return &MetadataClient{
		gql:         graphql.NewClient(cfg.BaseURL, httpClient),
		rateLimiter: util.NewRateLimiter(cfg.RateLimit, cfg.Burst, log),
		pages:       cache.WithTTL[string, int](cache.NewMemoryCache[string, int](log), cfg.CacheTTL),
		logger:      log,
	}
}

func cacheKey(title, author string) string {
	return strings.ToLower(strings.TrimSpace(title)) + "|" + strings.ToLower(strings.TrimSpace(author))
}

// LookupPages returns the page count of the best match for title (and author,
// when given), or 0 when Hardcover knows no such book.
func (c *MetadataClient) LookupPages(ctx context.Context, title, author string) (int, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return 0, apperr.Validation("title is required")
	}
	key := cacheKey(title, author)
	if pages, ok := c.pages.Get(key); ok {
		return pages, nil
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter error: %w", err)
	}

	raw, err := c.gql.ExecRaw(ctx, bookPagesQuery, map[string]interface{}{"title": title})
	if err != nil {
		c.logger.Warn("Hardcover lookup failed", map[string]interface{}{
			"title": title,
			"error": err.Error(),
		})
		return 0, apperr.Upstream(0, "hardcover lookup failed", err)
	}

	var resp booksResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, apperr.Upstream(0, "failed to decode hardcover response", err)
	}

	pages := pickPages(resp.Books, author)
	c.pages.Set(key, pages, 0)
	c.logger.Debug("Resolved page count", map[string]interface{}{
		"title":   title,
		"author":  author,
		"pages":   pages,
		"matches": len(resp.Books),
	})
	return pages, nil
}

// pickPages prefers the first candidate whose contributors include author,
// then the first candidate with a page count at all.
func pickPages(books []bookResult, author string) int {
	author = strings.ToLower(strings.TrimSpace(author))
	fallback := 0
	for _, b := range books {
		if b.Pages == nil || *b.Pages <= 0 {
			continue
		}
		if fallback == 0 {
			fallback = *b.Pages
		}
		if author == "" {
			return *b.Pages
		}
		for _, c := range b.Contributions {
			name := strings.ToLower(c.Author.Name)
			if name != "" && (strings.Contains(name, author) || strings.Contains(author, name)) {
				return *b.Pages
			}
		}
	}
	return fallback
}
