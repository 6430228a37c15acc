package domain

import "time"

// SubscriberStatus enumerates the states a newsletter subscriber can be in.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "ACTIVE"
	SubscriberUnsubscribed SubscriberStatus = "UNSUBSCRIBED"
)

// Subscriber is a single newsletter recipient.
type Subscriber struct {
	ID               string           `json:"id" db:"id"`
	Email            string           `json:"email" db:"email"`
	Name             string           `json:"name" db:"name"`
	Status           SubscriberStatus `json:"status" db:"status"`
	UnsubscribeToken string           `json:"-" db:"unsubscribe_token"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}
