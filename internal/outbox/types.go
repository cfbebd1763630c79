// Package outbox holds the HTTP contract between the Content Service and the
// Notification Relay, and the relay's client for it.
package outbox

import "time"

// Kind of outbox record. Values match the URL segment.
type Kind string

const (
	KindContacts      Kind = "contacts"
	KindSubscribers   Kind = "subscribers"
	KindAnnouncements Kind = "announcements"
)

// Contact is a contact message waiting for its admin notification.
type Contact struct {
	ID               int64     `json:"id"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	Email            string    `json:"email"`
	Subject          string    `json:"subject"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"created_at"`
	NotificationSent bool      `json:"notification_sent"`
}

// Subscriber is a subscriber waiting for the welcome email.
type Subscriber struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	SubscribedAt     time.Time `json:"subscribed_at"`
	WelcomeEmailSent bool      `json:"welcome_email_sent"`
}

// Recipient is an active subscriber as seen by announcement fan-out.
type Recipient struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Announcement is a published announcement not yet sent to the newsletter.
type Announcement struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Category         string    `json:"category"`
	Priority         string    `json:"priority"`
	CreatedAt        time.Time `json:"created_at"`
	SentToNewsletter bool      `json:"sent_to_newsletter"`
}

type ContactsResponse struct {
	Success  bool      `json:"success"`
	Contacts []Contact `json:"contacts"`
}

type SubscribersResponse struct {
	Success     bool         `json:"success"`
	Subscribers []Subscriber `json:"subscribers"`
}

type RecipientsResponse struct {
	Success     bool        `json:"success"`
	Subscribers []Recipient `json:"subscribers"`
}

type AnnouncementsResponse struct {
	Success       bool           `json:"success"`
	Announcements []Announcement `json:"announcements"`
}

// AckResponse is returned by every acknowledge route.
type AckResponse struct {
	Success bool `json:"success"`
}

// FailureRequest is the body of a failure report.
type FailureRequest struct {
	Error string `json:"error"`
}

// FailureResponse tells the relay whether the row left discovery.
type FailureResponse struct {
	Success             bool `json:"success"`
	Attempts            int  `json:"attempts"`
	DeadLettered        bool `json:"dead_lettered"`
	AlreadyAcknowledged bool `json:"already_acknowledged,omitempty"`
}

// WakeSignal is the SQS message body announcing new outbox work.
type WakeSignal struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}
