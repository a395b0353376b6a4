package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// httpClient is the shared base for all collaborator clients: JSON over
// HTTP with a bearer token and a per-call timeout.
type httpClient struct {
	base    string
	token   string
	hc      *http.Client
	log     logx.Logger
	timeout time.Duration
}

func newHTTPClient(base, token string, log logx.Logger) httpClient {
	return httpClient{
		base:    strings.TrimRight(strings.TrimSpace(base), "/"),
		token:   strings.TrimSpace(token),
		hc:      &http.Client{Timeout: 2 * time.Minute},
		log:     log,
		timeout: 2 * time.Minute,
	}
}

func (c httpClient) postJSON(ctx context.Context, path string, in, out any) error {
	if c.base == "" {
		return fmt.Errorf("collaborator base URL not configured for %s", path)
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---- StockFilter ----

type HTTPStockFilter struct{ httpClient }

func NewHTTPStockFilter(base, token string, log logx.Logger) *HTTPStockFilter {
	return &HTTPStockFilter{newHTTPClient(base, token, log)}
}

func (c *HTTPStockFilter) FilterStocks(ctx context.Context, cfg schedule.JSONMap) ([]WorkItem, error) {
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	if err := c.postJSON(ctx, "/api/stock-filter", map[string]any{"config": cfg}, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ---- KOLAssigner ----

type HTTPKOLAssigner struct{ httpClient }

func NewHTTPKOLAssigner(base, token string, log logx.Logger) *HTTPKOLAssigner {
	return &HTTPKOLAssigner{newHTTPClient(base, token, log)}
}

func (c *HTTPKOLAssigner) AssignKOLs(ctx context.Context, items []WorkItem) ([]Assignment, error) {
	var resp struct {
		Assignments []Assignment `json:"assignments"`
	}
	if err := c.postJSON(ctx, "/api/kol-assignment", map[string]any{"items": items}, &resp); err != nil {
		return nil, err
	}
	return resp.Assignments, nil
}

// ---- Generator ----

type HTTPGenerator struct{ httpClient }

func NewHTTPGenerator(base, token string, log logx.Logger) *HTTPGenerator {
	return &HTTPGenerator{newHTTPClient(base, token, log)}
}

func (c *HTTPGenerator) Generate(ctx context.Context, item WorkItem, asg Assignment, cfg schedule.JSONMap) (GeneratedPost, error) {
	var post GeneratedPost
	err := c.postJSON(ctx, "/api/generate", map[string]any{
		"item":       item,
		"assignment": asg,
		"config":     cfg,
	}, &post)
	return post, err
}

// ---- Publisher ----

type HTTPPublisher struct{ httpClient }

func NewHTTPPublisher(base, token string, log logx.Logger) *HTTPPublisher {
	return &HTTPPublisher{newHTTPClient(base, token, log)}
}

func (c *HTTPPublisher) Publish(ctx context.Context, post GeneratedPost) (string, error) {
	var resp struct {
		PlatformPostID string `json:"platform_post_id"`
	}
	if err := c.postJSON(ctx, "/api/publish", post, &resp); err != nil {
		return "", err
	}
	return resp.PlatformPostID, nil
}

func (c *HTTPPublisher) PublishExisting(ctx context.Context, postID string) (string, error) {
	var resp struct {
		PlatformPostID string `json:"platform_post_id"`
	}
	if err := c.postJSON(ctx, "/api/publish/"+postID, nil, &resp); err != nil {
		return "", err
	}
	return resp.PlatformPostID, nil
}
