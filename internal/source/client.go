package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/caseforge/casekb/internal/casekb"
)

// ClientConfig configures the remote case-library client.
type ClientConfig struct {
	BaseURL     string
	PageSize    int
	CaseType    string
	SearchValue string
	UserAgent   string
	Timeout     time.Duration
}

// HTTPClient implements Client against the case library's list API and
// detail pages.
type HTTPClient struct {
	cfg     ClientConfig
	fetcher *Fetcher
	logger  *zap.Logger
}

// NewHTTPClient builds an HTTPClient.
func NewHTTPClient(cfg ClientConfig, logger *zap.Logger) *HTTPClient {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &HTTPClient{
		cfg: cfg,
		fetcher: NewFetcher(FetcherConfig{
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.Timeout,
		}),
		logger: logger,
	}
}

// listEnvelope is the list API response shape. A non-zero code is a
// well-formed remote error even when transported over HTTP 200.
type listEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Total int        `json:"total"`
		List  []ListItem `json:"list"`
	} `json:"data"`
}

// ListPage fetches and decodes one page of the list API.
func (c *HTTPClient) ListPage(ctx context.Context, page int) (*ListResult, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/api/cases")
	if err != nil {
		return nil, fmt.Errorf("list URL: %w", err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
	if c.cfg.CaseType != "" {
		q.Set("type", c.cfg.CaseType)
	}
	if c.cfg.SearchValue != "" {
		q.Set("search", c.cfg.SearchValue)
	}
	u.RawQuery = q.Encode()

	body, err := c.fetcher.Fetch(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("list page %d: %w", page, err)
	}

	var env listEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode list page %d: %w", page, err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("list page %d: %w", page, &casekb.StatusError{
			StatusCode: env.Code,
			Message:    env.Msg,
		})
	}

	c.logger.Debug("list page fetched",
		zap.Int("page", page),
		zap.Int("items", len(env.Data.List)),
		zap.Int("total", env.Data.Total))

	return &ListResult{
		Items:   env.Data.List,
		Total:   env.Data.Total,
		HasMore: page*c.cfg.PageSize < env.Data.Total,
	}, nil
}

// FetchDetail fetches and parses one case detail page.
func (c *HTTPClient) FetchDetail(ctx context.Context, item ListItem) (*Detail, error) {
	if item.URL == "" {
		return nil, fmt.Errorf("case %d has no detail URL", item.CaseID)
	}
	body, err := c.fetcher.Fetch(ctx, item.URL)
	if err != nil {
		return nil, fmt.Errorf("detail for case %d: %w", item.CaseID, err)
	}
	detail, err := ParseDetail(body, item.URL)
	if err != nil {
		return nil, fmt.Errorf("parse detail for case %d: %w", item.CaseID, err)
	}
	return detail, nil
}
