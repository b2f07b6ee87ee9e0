package meta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/store"
)

func testChannel() *store.Channel {
	return &store.Channel{
		ID:          "ch-1",
		Type:        store.ChannelFacebook,
		ExternalID:  "page_99",
		Credentials: map[string]string{store.CredentialAccessToken: "tok"},
	}
}

func TestSendText(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok" {
			t.Errorf("missing access token, query = %v", r.URL.Query())
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"recipient_id": "user_1",
			"message_id":   "mid_out_1",
		})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	res, err := c.Send(context.Background(), testChannel(), platform.SendRequest{
		Recipient: "user_1",
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "mid_out_1" {
		t.Errorf("message id = %q, want mid_out_1", res.MessageID)
	}

	recipient := gotBody["recipient"].(map[string]any)
	if recipient["id"] != "user_1" {
		t.Errorf("recipient = %v", recipient)
	}
	message := gotBody["message"].(map[string]any)
	if message["text"] != "hello" {
		t.Errorf("message = %v", message)
	}
}

func TestSendAttachment(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "mid_a"})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	res, err := c.Send(context.Background(), testChannel(), platform.SendRequest{
		Recipient:   "user_1",
		Text:        "see attached",
		Attachments: []platform.Attachment{{Type: "image", URL: "https://cdn.example.com/a.jpg"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// One call for the text, one per attachment.
	if calls != 2 {
		t.Errorf("expected 2 API calls, got %d", calls)
	}
	if res.MessageID != "mid_a" {
		t.Errorf("message id = %q", res.MessageID)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid user id","type":"OAuthException","code":100}}`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Send(context.Background(), testChannel(), platform.SendRequest{
		Recipient: "nobody",
		Text:      "hi",
	})

	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *platform.APIError, got %v", err)
	}
	if apiErr.Code != 100 || apiErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected error detail: %+v", apiErr)
	}
	if apiErr.Retryable() {
		t.Error("400 must not be retryable")
	}
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Send(context.Background(), testChannel(), platform.SendRequest{Recipient: "u", Text: "hi"})

	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *platform.APIError, got %v", err)
	}
	if !apiErr.Retryable() {
		t.Error("502 must be retryable")
	}
}

func TestSendMissingToken(t *testing.T) {
	ch := testChannel()
	ch.Credentials = nil
	c := New()
	if _, err := c.Send(context.Background(), ch, platform.SendRequest{Recipient: "u", Text: "hi"}); err == nil {
		t.Fatal("expected error for missing access token")
	}
}
