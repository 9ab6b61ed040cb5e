// Package booksource talks to the remote book search/download service.
package booksource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/apperr"
	"github.com/drallgood/reader-progress-sync/internal/logger"
	"github.com/drallgood/reader-progress-sync/internal/util"
)

const (
	profilePath = "/eapi/user/profile"
	// maxFileSize bounds a single downloaded book.
	maxFileSize = 512 << 20
)

// Credentials are the user's book source session cookies.
type Credentials struct {
	UserID  string
	UserKey string
}

// Config holds client settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit time.Duration
	Burst     int
}

// File is a downloaded book.
type File struct {
	Data        []byte
	Extension   string
	Author      string
	Description string
}

type fileResponse struct {
	Success int `json:"success"`
	File    struct {
		DownloadLink  string `json:"downloadLink"`
		Description   string `json:"description"`
		Author        string `json:"author,omitempty"`
		Extension     string `json:"extension"`
		AllowDownload bool   `json:"allowDownload"`
	} `json:"file"`
}

// Client represents a book source API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *util.RateLimiter
	logger     *logger.Logger
}

// NewClient creates a new book source client
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    util.NewRateLimiter(cfg.RateLimit, cfg.Burst, log),
		logger:     log.Component("booksource"),
	}
}

func (c *Client) get(ctx context.Context, rawURL string, creds Credentials) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, */*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.AddCookie(&http.Cookie{Name: "siteLanguageV2", Value: "en"})
	req.AddCookie(&http.Cookie{Name: "remix_userid", Value: creds.UserID})
	req.AddCookie(&http.Cookie{Name: "remix_userkey", Value: creds.UserKey})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("network error calling book source: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := c.limiter.OnRateLimit(util.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		resp.Body.Close()
		return nil, apperr.Upstream(resp.StatusCode, fmt.Sprintf("book source rate limited, retry in %s", wait), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		c.logger.Warn("Book source returned an error", map[string]interface{}{
			"url":         rawURL,
			"status_code": resp.StatusCode,
		})
		return nil, apperr.Upstream(resp.StatusCode,
			fmt.Sprintf("book source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	c.limiter.ResetRate()
	return resp, nil
}

// Login checks that creds open a valid session.
func (c *Client) Login(ctx context.Context, creds Credentials) error {
	if creds.UserID == "" || creds.UserKey == "" {
		return apperr.Validation("book source credentials are required")
	}
	resp, err := c.get(ctx, c.baseURL+profilePath, creds)
	if err != nil {
		if apperr.UpstreamStatus(err) == http.StatusUnauthorized || apperr.UpstreamStatus(err) == http.StatusForbidden {
			return apperr.Upstream(apperr.UpstreamStatus(err), "book source login failed", err)
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// Download resolves the book's download link and fetches the file.
func (c *Client) Download(ctx context.Context, bookID, hash string, creds Credentials) (*File, error) {
	if bookID == "" || hash == "" {
		return nil, apperr.Validation("book id and hash are required")
	}

	c.logger.Debug("Resolving download link", map[string]interface{}{
		"book_id": bookID,
	})

	resp, err := c.get(ctx, fmt.Sprintf("%s/eapi/book/%s/%s/file", c.baseURL, url.PathEscape(bookID), url.PathEscape(hash)), creds)
	if err != nil {
		return nil, err
	}
	var meta fileResponse
	err = json.NewDecoder(resp.Body).Decode(&meta)
	resp.Body.Close()
	if err != nil {
		return nil, apperr.Upstream(0, "failed to decode book source file response", err)
	}
	if meta.File.DownloadLink == "" {
		return nil, apperr.Upstream(0, fmt.Sprintf("book source returned no download link for %s", bookID), nil)
	}

	link, err := c.resolve(meta.File.DownloadLink)
	if err != nil {
		return nil, apperr.Upstream(0, "invalid download link", err)
	}
	resp, err = c.get(ctx, link, creds)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("network error reading book file: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, apperr.Validation("book file exceeds %d bytes", maxFileSize)
	}

	c.logger.Info("Downloaded book file", map[string]interface{}{
		"book_id": bookID,
		"bytes":   len(data),
	})
	return &File{
		Data:        data,
		Extension:   meta.File.Extension,
		Author:      meta.File.Author,
		Description: meta.File.Description,
	}, nil
}

// resolve makes relative download links absolute against the base URL.
func (c *Client) resolve(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(u).String(), nil
}
