// Package community reads member profiles from the community platform's
// user API.
package community

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/config"
	"github.com/pathfinder/pathfinder/pkg/ingest"
)

const defaultTimeout = 5 * time.Second

var ErrUserNotFound = errors.New("community user not found")

// User is the subset of the user resource the pipeline reads.
type User struct {
	ID           json.RawMessage        `json:"id"`
	Username     string                 `json:"username"`
	DisplayName  string                 `json:"displayName"`
	Country      string                 `json:"country"`
	Company      string                 `json:"company"`
	JobTitle     string                 `json:"jobTitle"`
	JoinedAt     string                 `json:"joined_at"`
	RegisteredAt string                 `json:"registeredAt"`
	Registered   string                 `json:"registered_at"`
	CustomFields map[string]interface{} `json:"customFields"`
}

// Field returns a custom profile field, falling back to the top-level
// attribute of the same name.
func (u *User) Field(name string) string {
	if v, ok := u.CustomFields[name]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	switch strings.ToLower(name) {
	case "job title":
		return u.JobTitle
	case "country":
		return u.Country
	case "company":
		return u.Company
	}
	return ""
}

// JoinDate parses the first join timestamp the user resource carries.
func (u *User) JoinDate() *time.Time {
	for _, raw := range []string{u.JoinedAt, u.RegisteredAt, u.Registered} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, raw); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

func NewClient(cfg config.CommunityConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: rc, logger: logger}
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", userID).
		SetResult(&user).
		Get("/users/{id}")
	if err != nil {
		return nil, fmt.Errorf("fetch community user %s: %w", userID, err)
	}
	if resp.StatusCode() == 404 {
		return nil, ErrUserNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch community user %s: status %d: %s", userID, resp.StatusCode(), resp.String())
	}
	return &user, nil
}

// Fetch implements ingest.MetadataSource.
func (c *Client) Fetch(ctx context.Context, userID string) (*ingest.Metadata, error) {
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	meta := &ingest.Metadata{
		Country:  user.Field("Country"),
		Company:  user.Field("Company"),
		JoinedAt: user.JoinDate(),
	}
	c.logger.Debug("fetched community user metadata",
		zap.String("user_id", userID),
		zap.Bool("has_country", meta.Country != ""),
		zap.Bool("has_company", meta.Company != ""),
		zap.Bool("has_joined_at", meta.JoinedAt != nil),
	)
	return meta, nil
}
