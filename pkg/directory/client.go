// Package directory is the HTTP client for the identity directory serving
// group rosters and the user listing. It implements eligibility's
// GroupProvider: availability failures wrap
// eligibility.ErrProviderUnavailable and missing groups wrap
// eligibility.ErrMisconfigured, so callers can branch with errors.Is. Lookups
// go through a TTL cache and a circuit breaker so a down directory degrades
// to fast, classified failures instead of piled-up timeouts.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
)

var (
	// ErrUnavailable marks network errors, timeouts, and 5xx responses.
	ErrUnavailable = fmt.Errorf("directory unavailable: %w", eligibility.ErrProviderUnavailable)

	// ErrGroupNotFound marks a 404 for a group the configuration references.
	ErrGroupNotFound = fmt.Errorf("directory group not found: %w", eligibility.ErrMisconfigured)

	// ErrCircuitOpen is returned while the breaker is failing fast.
	ErrCircuitOpen = fmt.Errorf("directory circuit breaker open: %w", eligibility.ErrProviderUnavailable)
)

// Config holds the directory client settings.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	CacheSize      int           `mapstructure:"cache_size"`

	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 60 * time.Second
	}
	if out.CacheSize <= 0 {
		out.CacheSize = 256
	}
	if out.BreakerFailureThreshold <= 0 {
		out.BreakerFailureThreshold = 3
	}
	if out.BreakerCooldown <= 0 {
		out.BreakerCooldown = 30 * time.Second
	}
	return out
}

// Client talks to the identity directory.
type Client struct {
	cfg     Config
	http    *http.Client
	logger  *zap.Logger
	breaker *circuitBreaker

	groups   *expirable.LRU[string, *eligibility.Group]
	subjects *expirable.LRU[string, []string]
}

const subjectsCacheKey = "__subjects__"

// NewClient creates a directory client. BaseURL is required.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("directory base URL is required")
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
		breaker:  newCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, logger),
		groups:   expirable.NewLRU[string, *eligibility.Group](cfg.CacheSize, nil, cfg.CacheTTL),
		subjects: expirable.NewLRU[string, []string](1, nil, cfg.CacheTTL),
	}, nil
}

type groupPayload struct {
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	MemberGroups []string `json:"member_groups"`
}

type subjectsPayload struct {
	Users []string `json:"users"`
}

// Group fetches one group roster, from cache when fresh.
func (c *Client) Group(ctx context.Context, name string) (*eligibility.Group, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("%w: empty group name", ErrGroupNotFound)
	}
	if cached, ok := c.groups.Get(key); ok {
		return cached, nil
	}

	var payload groupPayload
	if err := c.get(ctx, "/groups/"+url.PathEscape(key), &payload); err != nil {
		return nil, fmt.Errorf("group %q: %w", name, err)
	}

	group := &eligibility.Group{
		Name:         payload.Name,
		Members:      payload.Members,
		MemberGroups: payload.MemberGroups,
	}
	c.groups.Add(key, group)
	return group, nil
}

// Subjects lists every known directory subject, from cache when fresh.
func (c *Client) Subjects(ctx context.Context) ([]string, error) {
	if cached, ok := c.subjects.Get(subjectsCacheKey); ok {
		return cached, nil
	}

	var payload subjectsPayload
	if err := c.get(ctx, "/users", &payload); err != nil {
		return nil, err
	}
	c.subjects.Add(subjectsCacheKey, payload.Users)
	return payload.Users, nil
}

// Purge drops all cached rosters, forcing the next lookups to hit the
// directory. Used before credential issuance, where staleness is not
// acceptable.
func (c *Client) Purge() {
	c.groups.Purge()
	c.subjects.Purge()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		// A missing group is a configuration problem, not an availability
		// one; it must not trip the breaker.
		c.breaker.recordSuccess()
		return ErrGroupNotFound
	case resp.StatusCode >= 500:
		c.breaker.recordFailure()
		return fmt.Errorf("%w: directory returned %d", ErrUnavailable, resp.StatusCode)
	default:
		c.breaker.recordSuccess()
		return fmt.Errorf("%w: unexpected directory response %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.breaker.recordFailure()
		return fmt.Errorf("%w: malformed directory response: %v", ErrUnavailable, err)
	}
	c.breaker.recordSuccess()
	return nil
}
