package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nvats/unibox/store"
)

// whatsappPayload is the WhatsApp Cloud API entry[].changes[].value shape.
type whatsappPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string        `json:"field"`
			Value whatsappValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
		Image    *whatsappMedia `json:"image"`
		Video    *whatsappMedia `json:"video"`
		Audio    *whatsappMedia `json:"audio"`
		Document *whatsappMedia `json:"document"`
	} `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type whatsappMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Link     string `json:"link"`
	Caption  string `json:"caption"`
}

// WhatsAppNormalizer handles the WhatsApp Cloud API webhook dialect.
type WhatsAppNormalizer struct{}

func (n *WhatsAppNormalizer) Normalize(payload []byte) ([]Event, error) {
	var p whatsappPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var events []Event
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			// phone_number_id is the channel account; the entry id is the
			// WhatsApp Business Account id and only serves as a fallback.
			accountID := v.Metadata.PhoneNumberID

			names := map[string]string{}
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, m := range v.Messages {
				ev := Event{
					Channel:     store.ChannelWhatsApp,
					Kind:        KindMessage,
					SenderID:    m.From,
					RecipientID: accountID,
					MessageID:   m.ID,
					SenderName:  names[m.From],
					EntryID:     entry.ID,
					Timestamp:   secondsTime(m.Timestamp),
				}
				if m.Text != nil {
					ev.Text = m.Text.Body
				}
				for kind, media := range map[string]*whatsappMedia{
					"image": m.Image, "video": m.Video, "audio": m.Audio, "document": m.Document,
				} {
					if media == nil {
						continue
					}
					ev.Attachments = append(ev.Attachments, Attachment{Type: kind, URL: media.Link})
					if ev.Text == "" && media.Caption != "" {
						ev.Text = media.Caption
					}
				}
				events = append(events, ev)
			}

			for _, st := range v.Statuses {
				status, ok := whatsappStatus(st.Status)
				if !ok {
					continue
				}
				events = append(events, Event{
					Channel:     store.ChannelWhatsApp,
					Kind:        KindStatus,
					SenderID:    accountID,
					RecipientID: st.RecipientID,
					MessageID:   st.ID,
					Echo:        true,
					Status:      status,
					EntryID:     entry.ID,
					Timestamp:   secondsTime(st.Timestamp),
				})
			}
		}
	}
	return events, nil
}

func whatsappStatus(s string) (store.MessageStatus, bool) {
	switch s {
	case "sent":
		return store.MessageStatusSent, true
	case "delivered":
		return store.MessageStatusDelivered, true
	case "read":
		return store.MessageStatusRead, true
	case "failed":
		return store.MessageStatusFailed, true
	}
	return "", false
}

func secondsTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
