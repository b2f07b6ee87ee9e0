package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nvats/unibox/store"
)

// messengerPayload is the entry[].messaging[] shape shared by Facebook
// Messenger and Instagram webhooks.
type messengerPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string               `json:"id"`
		Time      int64                `json:"time"`
		Messaging []messengerMessaging `json:"messaging"`
	} `json:"entry"`
}

type messengerMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
}

// MessengerNormalizer handles the Messenger/Instagram webhook dialect.
type MessengerNormalizer struct {
	Channel store.ChannelType
}

func (n *MessengerNormalizer) Normalize(payload []byte) ([]Event, error) {
	var p messengerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var events []Event
	for _, entry := range p.Entry {
		for _, m := range entry.Messaging {
			base := Event{
				Channel:     n.Channel,
				SenderID:    m.Sender.ID,
				RecipientID: m.Recipient.ID,
				EntryID:     entry.ID,
				Timestamp:   millisTime(m.Timestamp),
			}

			switch {
			case m.Message != nil:
				ev := base
				ev.Kind = KindMessage
				ev.MessageID = m.Message.MID
				ev.Text = m.Message.Text
				ev.Echo = m.Message.IsEcho
				for _, a := range m.Message.Attachments {
					ev.Attachments = append(ev.Attachments, Attachment{
						Type: a.Type,
						URL:  a.Payload.URL,
					})
				}
				events = append(events, ev)

			case m.Read != nil:
				// Watermark receipts cover every message at or before the
				// watermark instant rather than naming a message id.
				ev := base
				ev.Kind = KindRead
				ev.Status = store.MessageStatusRead
				if m.Read.Watermark > 0 {
					ev.Timestamp = millisTime(m.Read.Watermark)
				}
				events = append(events, ev)

			case m.Delivery != nil:
				// One status event per delivered message id.
				for _, mid := range m.Delivery.MIDs {
					ev := base
					ev.Kind = KindStatus
					ev.MessageID = mid
					ev.Status = store.MessageStatusDelivered
					events = append(events, ev)
				}
			}
		}
	}
	return events, nil
}

func millisTime(ms int64) time.Time {
	if ms == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
