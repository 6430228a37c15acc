package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a newsletter campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignSent      CampaignStatus = "SENT"
	CampaignError     CampaignStatus = "ERROR"
)

// Campaign is a newsletter issue. The queue engine only reads its content and
// writes its aggregate status and counters.
type Campaign struct {
	ID       string         `json:"id" db:"id"`
	Title    string         `json:"title" db:"title"`
	Subject  string         `json:"subject" db:"subject"`
	Content  string         `json:"content" db:"content"`
	Template string         `json:"template,omitempty" db:"template"`
	Status   CampaignStatus `json:"status" db:"status"`

	// Selected content references (ids into the directory's content tables).
	SelectedEvents []string `json:"selected_events" db:"selected_events"`
	SelectedPlaces []string `json:"selected_places" db:"selected_places"`
	SelectedPosts  []string `json:"selected_posts" db:"selected_posts"`

	// Object-store keys of files attached to every send.
	AttachmentKeys []string `json:"attachment_keys" db:"attachment_keys"`

	TotalSent      int        `json:"total_sent" db:"total_sent"`
	TotalDelivered int        `json:"total_delivered" db:"total_delivered"`
	SentAt         *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignError
}

// CanStartSending reports whether the campaign may move into SENDING.
// A campaign already SENDING may receive additional subscribers.
func (c *Campaign) CanStartSending() bool {
	switch c.Status {
	case CampaignDraft, CampaignScheduled, CampaignSending:
		return true
	}
	return false
}

// Event is a directory event selected into a campaign.
type Event struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Slug        string     `json:"slug" db:"slug"`
	Description string     `json:"description" db:"description"`
	Location    string     `json:"location" db:"location"`
	ImageURL    string     `json:"image_url" db:"image_url"`
	StartsAt    *time.Time `json:"starts_at" db:"starts_at"`
}

// Place is a directory listing (business or venue) selected into a campaign.
type Place struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Slug        string `json:"slug" db:"slug"`
	Description string `json:"description" db:"description"`
	Address     string `json:"address" db:"address"`
	ImageURL    string `json:"image_url" db:"image_url"`
}

// Post is a blog/news post selected into a campaign.
type Post struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Slug        string     `json:"slug" db:"slug"`
	Excerpt     string     `json:"excerpt" db:"excerpt"`
	ImageURL    string     `json:"image_url" db:"image_url"`
	PublishedAt *time.Time `json:"published_at" db:"published_at"`
}

// SelectedContent is the resolved content block of a campaign, looked up
// once per job from the campaign's id lists.
type SelectedContent struct {
	Events []Event `json:"events"`
	Places []Place `json:"places"`
	Posts  []Post  `json:"posts"`
}

// IsEmpty returns true when the campaign selected no content at all.
func (s *SelectedContent) IsEmpty() bool {
	return s == nil || len(s.Events)+len(s.Places)+len(s.Posts) == 0
}
