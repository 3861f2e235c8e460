// Package profile reads peer profiles from the profile service, backed by
// the local cache so conversation headers render offline.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"go.uber.org/zap"
)

// Client is a read-through profile cache: fresh reads hit the service and
// refresh the cache, failures fall back to whatever was cached last.
type Client struct {
	baseURL string
	http    *http.Client
	db      *store.DB
	maxAge  time.Duration
	logger  *zap.Logger
}

// NewClient creates a profile client. maxAge bounds how stale a cached
// profile may be before a network read is attempted.
func NewClient(baseURL string, db *store.DB, maxAge time.Duration, logger *zap.Logger) *Client {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		db:      db,
		maxAge:  maxAge,
		logger:  logger,
	}
}

// Get returns the profile for userID. A cached copy within maxAge is
// served directly; otherwise the service is consulted and the cache
// refreshed. With the service unreachable the stale copy is better than
// nothing and is returned without error.
func (c *Client) Get(ctx context.Context, userID string) (*store.Profile, error) {
	cached, err := c.db.GetProfile(userID)
	if err != nil {
		return nil, fmt.Errorf("read profile cache: %w", err)
	}
	if cached != nil && time.Since(time.UnixMilli(cached.FetchedAt)) < c.maxAge {
		return cached, nil
	}

	fresh, err := c.fetch(ctx, userID)
	if err != nil {
		if cached != nil {
			if c.logger != nil {
				c.logger.Debug("profile service unreachable, serving cached",
					zap.String("user_id", userID), zap.Error(err))
			}
			return cached, nil
		}
		return nil, err
	}

	if err := c.db.UpsertProfile(fresh); err != nil && c.logger != nil {
		c.logger.Warn("profile cache write failed", zap.Error(err))
	}
	return fresh, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (*store.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/users/"+userID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch profile: status %d: %s", resp.StatusCode, snippet)
	}

	var body struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
		Phone       string `json:"phone"`
		Online      bool   `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &store.Profile{
		UserID:      body.UserID,
		DisplayName: body.DisplayName,
		AvatarURL:   body.AvatarURL,
		Phone:       body.Phone,
		Online:      body.Online,
		FetchedAt:   time.Now().UnixMilli(),
	}, nil
}
