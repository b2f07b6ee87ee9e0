// Package meta implements the platform.Sender capability on the Meta Graph
// API, covering Facebook Messenger and Instagram messaging.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/store"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	defaultTimeout    = 15 * time.Second
)

// Client sends messages through the Graph API /me/messages endpoint.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithAPIVersion sets the Graph API version.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) { c.apiVersion = version }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a Graph API client.
func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendBody struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text       string          `json:"text,omitempty"`
		Attachment *sendAttachment `json:"attachment,omitempty"`
	} `json:"message"`
}

type sendAttachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers the request as one or more Graph API calls: the text first,
// then one call per attachment (the API takes a single attachment per send).
// The platform id of the text message (or first attachment when there is no
// text) is returned.
func (c *Client) Send(ctx context.Context, ch *store.Channel, req platform.SendRequest) (*platform.SendResult, error) {
	token := ch.Credential(store.CredentialAccessToken)
	if token == "" {
		return nil, fmt.Errorf("meta: channel %s has no access token", ch.ID)
	}

	var firstID string
	if req.Text != "" {
		id, err := c.send(ctx, token, req.Recipient, req.Text, nil)
		if err != nil {
			return nil, err
		}
		firstID = id
	}
	for _, a := range req.Attachments {
		id, err := c.send(ctx, token, req.Recipient, "", &a)
		if err != nil {
			return nil, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	if firstID == "" {
		return nil, fmt.Errorf("meta: empty send request")
	}
	return &platform.SendResult{MessageID: firstID}, nil
}

func (c *Client) send(ctx context.Context, token, recipient, text string, attachment *platform.Attachment) (string, error) {
	var body sendBody
	body.Recipient.ID = recipient
	body.Message.Text = text
	if attachment != nil {
		sa := &sendAttachment{Type: attachmentType(attachment.Type)}
		sa.Payload.URL = attachment.URL
		body.Message.Attachment = sa
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("meta: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/me/messages?%s", c.baseURL, c.apiVersion,
		url.Values{"access_token": {token}}.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("meta: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("meta: executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("meta: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.Unmarshal(raw, &er); err != nil || er.Error.Message == "" {
			er.Error.Message = string(raw)
		}
		return "", &platform.APIError{
			Platform: "meta",
			Status:   resp.StatusCode,
			Code:     er.Error.Code,
			Message:  er.Error.Message,
		}
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("meta: decoding response: %w", err)
	}
	return out.MessageID, nil
}

// attachmentType maps normalized attachment kinds onto the Graph API's set.
func attachmentType(t string) string {
	switch t {
	case "image", "video", "audio", "file":
		return t
	case "document":
		return "file"
	}
	return "file"
}
