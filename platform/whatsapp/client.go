// Package whatsapp implements the platform.Sender capability on the
// WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/store"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v19.0"
	defaultTimeout    = 15 * time.Second
)

// Client sends messages through the Cloud API /{phone_number_id}/messages
// endpoint.
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

// WithAPIVersion sets the API version.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) { c.apiVersion = version }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// New creates a Cloud API client.
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

type textBody struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *mediaLink `json:"image,omitempty"`
	Video    *mediaLink `json:"video,omitempty"`
	Audio    *mediaLink `json:"audio,omitempty"`
	Document *mediaLink `json:"document,omitempty"`
}

type mediaLink struct {
	Link string `json:"link"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers text and attachments as separate Cloud API calls and returns
// the platform id of the first accepted message.
func (c *Client) Send(ctx context.Context, ch *store.Channel, req platform.SendRequest) (*platform.SendResult, error) {
	token := ch.Credential(store.CredentialAccessToken)
	if token == "" {
		return nil, fmt.Errorf("whatsapp: channel %s has no access token", ch.ID)
	}
	// ExternalID is the phone_number_id the Cloud API addresses sends by.
	if ch.ExternalID == "" {
		return nil, fmt.Errorf("whatsapp: channel %s has no phone number id", ch.ID)
	}

	var firstID string
	if req.Text != "" {
		body := textBody{MessagingProduct: "whatsapp", To: req.Recipient, Type: "text"}
		body.Text = &struct {
			Body string `json:"body"`
		}{Body: req.Text}
		id, err := c.send(ctx, token, ch.ExternalID, body)
		if err != nil {
			return nil, err
		}
		firstID = id
	}
	for _, a := range req.Attachments {
		body := textBody{MessagingProduct: "whatsapp", To: req.Recipient}
		link := &mediaLink{Link: a.URL}
		switch a.Type {
		case "image":
			body.Type, body.Image = "image", link
		case "video":
			body.Type, body.Video = "video", link
		case "audio":
			body.Type, body.Audio = "audio", link
		default:
			body.Type, body.Document = "document", link
		}
		id, err := c.send(ctx, token, ch.ExternalID, body)
		if err != nil {
			return nil, err
		}
		if firstID == "" {
			firstID = id
		}
	}
	if firstID == "" {
		return nil, fmt.Errorf("whatsapp: empty send request")
	}
	return &platform.SendResult{MessageID: firstID}, nil
}

func (c *Client) send(ctx context.Context, token, phoneNumberID string, body textBody) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("whatsapp: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("whatsapp: executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whatsapp: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.Unmarshal(raw, &er); err != nil || er.Error.Message == "" {
			er.Error.Message = string(raw)
		}
		return "", &platform.APIError{
			Platform: "whatsapp",
			Status:   resp.StatusCode,
			Code:     er.Error.Code,
			Message:  er.Error.Message,
		}
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("whatsapp: decoding response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("whatsapp: response carries no message id")
	}
	return out.Messages[0].ID, nil
}
