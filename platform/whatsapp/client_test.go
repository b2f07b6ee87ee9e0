package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nvats/unibox/platform"
	"github.com/nvats/unibox/store"
)

func testChannel() *store.Channel {
	return &store.Channel{
		ID:          "ch-wa",
		Type:        store.ChannelWhatsApp,
		ExternalID:  "phone_42",
		Credentials: map[string]string{store.CredentialAccessToken: "tok"},
	}
}

func TestSendText(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.OUT"}},
		})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	res, err := c.Send(context.Background(), testChannel(), platform.SendRequest{
		Recipient: "15559998888",
		Text:      "hola",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != "wamid.OUT" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if !strings.HasSuffix(gotPath, "/phone_42/messages") {
		t.Errorf("path = %q, want .../phone_42/messages", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["messaging_product"] != "whatsapp" || gotBody["to"] != "15559998888" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSendDocumentAttachment(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b map[string]any
		_ = json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.X"}},
		})
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Send(context.Background(), testChannel(), platform.SendRequest{
		Recipient:   "15559998888",
		Attachments: []platform.Attachment{{Type: "document", URL: "https://cdn.example.com/f.pdf"}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 call, got %d", len(bodies))
	}
	if bodies[0]["type"] != "document" {
		t.Errorf("type = %v", bodies[0]["type"])
	}
	doc := bodies[0]["document"].(map[string]any)
	if doc["link"] != "https://cdn.example.com/f.pdf" {
		t.Errorf("document = %v", doc)
	}
}

func TestSendRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit hit","code":80007}}`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL))
	_, err := c.Send(context.Background(), testChannel(), platform.SendRequest{Recipient: "x", Text: "hi"})

	var apiErr *platform.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *platform.APIError, got %v", err)
	}
	if !apiErr.Retryable() {
		t.Error("429 must be retryable")
	}
}

func TestSendEmptyRequest(t *testing.T) {
	c := New()
	if _, err := c.Send(context.Background(), testChannel(), platform.SendRequest{Recipient: "x"}); err == nil {
		t.Fatal("expected error for empty request")
	}
}
