package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brunodmn/inboxcache/internal/store"
)

// Conversation identifies one conversation on the message source.
// Group conversations live under a different resource path but return
// the same page shape.
type Conversation struct {
	ID    string
	Group bool
}

// Page is one fetched window of messages plus its pagination facts.
type Page struct {
	Messages []store.Message
	Total    int
	HasMore  bool
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("message source: %s returned %d", e.URL, e.Code)
}

// Client talks to the backend message source API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	MediaURL  string `json:"mediaUrl"`
	Timestamp int64  `json:"timestamp"`
}

type pageResponse struct {
	Messages   []wireMessage `json:"messages"`
	Pagination struct {
		Total   int  `json:"total"`
		HasMore bool `json:"hasMore"`
	} `json:"pagination"`
}

// FetchMessages fetches one page of a conversation from the network.
func (c *Client) FetchMessages(ctx context.Context, conv Conversation, page, limit int) (*Page, error) {
	resource := "conversations"
	if conv.Group {
		resource = "group-conversations"
	}
	u := fmt.Sprintf("%s/%s/%s/messages?page=%s&limit=%s",
		c.baseURL, resource, url.PathEscape(conv.ID),
		strconv.Itoa(page), strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	out := &Page{
		Total:   body.Pagination.Total,
		HasMore: body.Pagination.HasMore,
	}
	for _, wm := range body.Messages {
		out.Messages = append(out.Messages, store.Message{
			MsgID:          wm.ID,
			ConversationID: conv.ID,
			Direction:      wm.Direction,
			MessageType:    wm.Type,
			Body:           wm.Content,
			Status:         wm.Status,
			MediaURL:       wm.MediaURL,
			ServerTS:       wm.Timestamp,
		})
	}
	return out, nil
}

type downloadResponse struct {
	MediaURL string `json:"mediaUrl"`
}

// DownloadMediaURL asks the backend for a fresh, non-expired URL for a
// message's media asset.
func (c *Client) DownloadMediaURL(ctx context.Context, messageID string) (string, error) {
	u := fmt.Sprintf("%s/messages/%s/download-media", c.baseURL, url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download media url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode, URL: u}
	}

	var body downloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode media url: %w", err)
	}
	if body.MediaURL == "" {
		return "", fmt.Errorf("empty mediaUrl for message %s", messageID)
	}
	return body.MediaURL, nil
}
