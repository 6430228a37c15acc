package domain

import "time"

// Attachment is a file sent along with every message of a campaign.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// EmailMessage is the fully-resolved message ready for a dispatcher.
// By the time a message reaches this struct, all template rendering and
// tracking link generation is complete.
type EmailMessage struct {
	CampaignID   string            `json:"campaign_id"`
	SubscriberID string            `json:"subscriber_id"`
	To           string            `json:"to"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html"`
	Headers      map[string]string `json:"headers,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
}

// SendResult is returned by a dispatcher after attempting delivery.
// Development is set when the send was simulated instead of handed to a
// real transport.
type SendResult struct {
	Success     bool      `json:"success"`
	MessageID   string    `json:"message_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Development bool      `json:"development,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}
