package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatsweep/internal/model"
)

const defaultBaseURL = "https://discord.com/api/v9"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the conversation service over HTTP with a bearer credential.
type Client struct {
	http    HTTPClient
	baseURL string
	token   string
}

// NewClient creates a Client using the given credential and HTTP client.
func NewClient(token string, client HTTPClient) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    client,
		baseURL: defaultBaseURL,
		token:   token,
	}
}

// SetBaseURL overrides the API base URL (useful for testing).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

type searchAuthor struct {
	ID string `json:"id"`
}

type searchMessage struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id"`
	Author      searchAuthor      `json:"author"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	Pinned      bool              `json:"pinned"`
	Attachments []json.RawMessage `json:"attachments"`
	Hit         bool              `json:"hit"`
}

type searchResponse struct {
	TotalResults int               `json:"total_results"`
	Messages     [][]searchMessage `json:"messages"`
}

// Search fetches one page of messages matching the server-side filters.
// Non-hit context rows in the response are dropped.
func (c *Client) Search(ctx context.Context, q SearchQuery) (SearchPage, error) {
	endpoint := c.baseURL + "/guilds/" + url.PathEscape(q.GuildID) + "/messages/search"
	if q.GuildID == "" || q.GuildID == "@me" {
		endpoint = c.baseURL + "/channels/@me/messages/search"
	}

	params := url.Values{}
	params.Set("sort_by", "timestamp")
	params.Set("sort_order", "desc")
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.ChannelID != "" {
		params.Set("channel_id", q.ChannelID)
	}
	if q.AuthorID != "" {
		params.Set("author_id", q.AuthorID)
	}
	if q.MinID != "" {
		params.Set("min_id", q.MinID)
	}
	if q.MaxID != "" {
		params.Set("max_id", q.MaxID)
	}
	if q.Content != "" {
		params.Set("content", q.Content)
	}
	if q.Has != "" {
		params.Set("has", q.Has)
	}
	if q.IncludeNSFW {
		params.Set("include_nsfw", "true")
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return SearchPage{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusAccepted {
		return SearchPage{}, ErrIndexing
	}
	if err := statusErr(resp); err != nil {
		return SearchPage{}, fmt.Errorf("search: %w", err)
	}

	var sr searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10*1024*1024)).Decode(&sr); err != nil {
		return SearchPage{}, &TransientError{Err: fmt.Errorf("decode search response: %w", err)}
	}

	page := SearchPage{Total: sr.TotalResults}
	for _, group := range sr.Messages {
		for _, m := range group {
			if !m.Hit {
				continue
			}
			page.Records = append(page.Records, model.MessageRecord{
				ID:            m.ID,
				ChannelID:     m.ChannelID,
				AuthorID:      m.Author.ID,
				Content:       m.Content,
				Timestamp:     m.Timestamp,
				Pinned:        m.Pinned,
				HasAttachment: len(m.Attachments) > 0,
			})
		}
	}
	return page, nil
}

// Delete removes a single message.
func (c *Client) Delete(ctx context.Context, channelID, messageID string) error {
	endpoint := c.baseURL + "/channels/" + url.PathEscape(channelID) +
		"/messages/" + url.PathEscape(messageID)

	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusErr(resp); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// SetArchived changes a thread's archived state.
func (c *Client) SetArchived(ctx context.Context, threadID string, archived bool) error {
	endpoint := c.baseURL + "/channels/" + url.PathEscape(threadID)
	body, err := json.Marshal(map[string]bool{"archived": archived})
	if err != nil {
		return fmt.Errorf("encode archived patch: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, endpoint, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusErr(resp); err != nil {
		return fmt.Errorf("set archived %s: %w", threadID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%s %s: %w", method, endpoint, err)}
	}
	return resp, nil
}

// statusErr maps a response status to the outcome taxonomy. The body is
// consumed only for rate-limited responses.
func statusErr(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuth
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("server status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.RetryAfter <= 0 {
		return time.Second
	}
	return time.Duration(body.RetryAfter * float64(time.Second))
}
