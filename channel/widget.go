package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvats/unibox/store"
)

// widgetPayload is the flat envelope posted by the embedded web widget. The
// widget talks to us directly, so there is no platform indirection: the
// website token identifies the channel and a browser-generated uuid
// identifies the visitor.
type widgetPayload struct {
	Event        string `json:"event"`
	WebsiteToken string `json:"website_token"`
	VisitorID    string `json:"visitor_id"`
	VisitorName  string `json:"visitor_name"`
	MessageID    string `json:"message_id"`
	Content      string `json:"content"`
	Attachments  []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"attachments"`
	Timestamp int64 `json:"timestamp"`
}

// WidgetNormalizer handles web widget envelopes.
type WidgetNormalizer struct{}

func (n *WidgetNormalizer) Normalize(payload []byte) ([]Event, error) {
	var p widgetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Event != "" && p.Event != "message_created" {
		return nil, nil
	}

	ts := time.Now().UTC()
	if p.Timestamp > 0 {
		ts = time.Unix(p.Timestamp, 0).UTC()
	}

	ev := Event{
		Channel:     store.ChannelWebWidget,
		Kind:        KindMessage,
		SenderID:    p.VisitorID,
		RecipientID: p.WebsiteToken,
		MessageID:   p.MessageID,
		SenderName:  p.VisitorName,
		Text:        p.Content,
		Timestamp:   ts,
	}
	for _, a := range p.Attachments {
		ev.Attachments = append(ev.Attachments, Attachment{Type: a.Type, URL: a.URL})
	}
	return []Event{ev}, nil
}
