package datafetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bitmark-inc/logger"

	"stocknity/fault"
	"stocknity/models"
)

// HTTPSourceConfig describes a JSON provider
type HTTPSourceConfig struct {
	Name     string
	BaseURL  string
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	MaxBody  int
}

// DefaultMaxBody caps a provider response
const DefaultMaxBody = 10 << 20

// HTTPSource queries a provider that answers GET {base}/{endpoint}?index=&sector=
// with either a bare JSON array of rows or {"data": [...]}
type HTTPSource struct {
	cfg    HTTPSourceConfig
	client *http.Client
	log    *logger.L
}

// NewHTTPSource creates an HTTP-backed source
func NewHTTPSource(cfg HTTPSourceConfig, log *logger.L) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

func (s *HTTPSource) Name() string {
	return s.cfg.Name
}

func (s *HTTPSource) Endpoint() string {
	return s.cfg.Endpoint
}

// Query fetches rows for dims. "Any" dimensions are not sent as filters.
func (s *HTTPSource) Query(ctx context.Context, dims models.Dimensions) (models.Rows, error) {
	params := url.Values{}
	if dims.Index != "" && dims.Index != "Any" {
		params.Set("index", dims.Index)
	}
	if dims.Sector != "" && dims.Sector != "Any" {
		params.Set("sector", dims.Sector)
	}
	if dims.ScoreKind != "" {
		params.Set("kind", dims.ScoreKind)
	}

	endpoint := strings.TrimRight(s.cfg.BaseURL, "/") + "/" + strings.TrimLeft(s.cfg.Endpoint, "/")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %v: %w", s.cfg.Name, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.cfg.MaxBody)+1))
	if err != nil {
		return nil, fmt.Errorf("%s read failed: %v: %w", s.cfg.Name, err, fault.ErrUpstreamUnavailable)
	}
	if len(body) > s.cfg.MaxBody {
		return nil, fmt.Errorf("%s response exceeds %d bytes: %w", s.cfg.Name, s.cfg.MaxBody, fault.ErrUpstreamUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s status %d: %w", s.cfg.Name, resp.StatusCode, fault.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		s.log.Warnf("Warning: %s status=%d body=%s", s.cfg.Name, resp.StatusCode, preview(body))
		return nil, fmt.Errorf("%s status %d: %w", s.cfg.Name, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	rows, err := decodeRows(body)
	if err != nil {
		s.log.Warnf("Warning: %s parse error: %v, body preview: %s", s.cfg.Name, err, preview(body))
		return nil, fmt.Errorf("%s parse failed: %v: %w", s.cfg.Name, err, fault.ErrUpstreamUnavailable)
	}
	return rows, nil
}

func decodeRows(body []byte) (models.Rows, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows models.Rows
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		err := dec.Decode(&rows)
		return rows, err
	}
	var wrapped struct {
		Data models.Rows `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	err := dec.Decode(&wrapped)
	return wrapped.Data, err
}

func preview(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
