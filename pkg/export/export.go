// Package export talks to the statistics/export services: aggregate
// question-performance stats for a conversation and downloadable summary
// artifacts. Both are treated as opaque remote calls; failures are
// surfaced to the caller with a retry affordance, never swallowed.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// QuestionStats aggregates graded-answer performance for one conversation.
type QuestionStats struct {
	ConversationID   string  `json:"conversation_id"`
	QuestionsAsked   int     `json:"questions_asked"`
	QuestionsCorrect int     `json:"questions_correct"`
	AverageScore     float64 `json:"average_score"`
}

// Artifact is a generated downloadable summary or exam document. The
// download URL is pre-signed and expires.
type Artifact struct {
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StatsService fetches aggregate question stats by conversation id.
type StatsService interface {
	QuestionStats(ctx context.Context, conversationID string) (*QuestionStats, error)
}

// ArtifactService generates downloadable summary/exam artifacts.
type ArtifactService interface {
	GenerateSummary(ctx context.Context, conversationID string) (*Artifact, error)
	GenerateExam(ctx context.Context, conversationID string) (*Artifact, error)
}

// Client implements both services over the HTTP export API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient creates an export API client. The token is sent as a bearer
// credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc:      newHTTPClient(),
	}
}

// newHTTPClient sets transport-level timeouts; request lifetime is
// controlled by the caller's context deadline.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) QuestionStats(ctx context.Context, conversationID string) (*QuestionStats, error) {
	var stats QuestionStats
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/stats"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) GenerateSummary(ctx context.Context, conversationID string) (*Artifact, error) {
	return c.generate(ctx, conversationID, "summary")
}

func (c *Client) GenerateExam(ctx context.Context, conversationID string) (*Artifact, error) {
	return c.generate(ctx, conversationID, "exam")
}

func (c *Client) generate(ctx context.Context, conversationID, kind string) (*Artifact, error) {
	var artifact Artifact
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/exports"
	body := map[string]string{"kind": kind}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("export request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("export request: status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
