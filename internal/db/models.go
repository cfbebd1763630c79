package db

import (
	"fmt"
	"time"
)

// Kind names one of the three outbox record kinds.
type Kind string

const (
	KindContacts      Kind = "contacts"
	KindSubscribers   Kind = "subscribers"
	KindAnnouncements Kind = "announcements"
)

// Kinds lists every outbox kind in relay order.
var Kinds = []Kind{KindSubscribers, KindContacts, KindAnnouncements}

// ParseKind validates a kind taken from a URL or config.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindContacts, KindSubscribers, KindAnnouncements:
		return k, nil
	}
	return "", fmt.Errorf("unknown outbox kind %q", s)
}

func (k Kind) table() string {
	switch k {
	case KindContacts:
		return "contact_messages"
	case KindSubscribers:
		return "newsletter_subscribers"
	default:
		return "announcements"
	}
}

// flag is the one-way completion column for the kind.
func (k Kind) flag() string {
	switch k {
	case KindContacts:
		return "notification_sent"
	case KindSubscribers:
		return "welcome_email_sent"
	default:
		return "sent_to_newsletter"
	}
}

// summary is the column shown to operators in dead-letter listings.
func (k Kind) summary() string {
	switch k {
	case KindContacts:
		return "subject"
	case KindSubscribers:
		return "email"
	default:
		return "title"
	}
}

// Announcement categories
const (
	CategoryGeneral   = "general"
	CategoryEvent     = "event"
	CategoryImportant = "important"
	CategoryNews      = "news"
)

// Announcement priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

func ValidCategory(c string) bool {
	switch c {
	case CategoryGeneral, CategoryEvent, CategoryImportant, CategoryNews:
		return true
	}
	return false
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Delivery bookkeeping shared by all outbox rows.
type Delivery struct {
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty"`
}

// ContactMessage is a contact form submission awaiting an admin notification.
type ContactMessage struct {
	ID               int64     `json:"id"`
	FirstName        string    `json:"first_name"`
	LastName         string    `json:"last_name"`
	Email            string    `json:"email"`
	Subject          string    `json:"subject"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"created_at"`
	NotificationSent bool      `json:"notification_sent"`
	Delivery
}

// Subscriber is a newsletter subscription. Email is unique as stored.
type Subscriber struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	SubscribedAt     time.Time `json:"subscribed_at"`
	IsActive         bool      `json:"is_active"`
	WelcomeEmailSent bool      `json:"welcome_email_sent"`
	Delivery
}

// Announcement is broadcast to every active subscriber once published.
type Announcement struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Category         string    `json:"category"`
	Priority         string    `json:"priority"`
	IsPublished      bool      `json:"is_published"`
	CreatedAt        time.Time `json:"created_at"`
	SentToNewsletter bool      `json:"sent_to_newsletter"`
	Delivery
}

// SubscribeOutcome reports what Subscribe did with an address.
type SubscribeOutcome string

const (
	Subscribed        SubscribeOutcome = "subscribed"
	Reactivated       SubscribeOutcome = "reactivated"
	AlreadySubscribed SubscribeOutcome = "already_subscribed"
)

// FailureResult is returned by RecordFailure.
type FailureResult struct {
	Attempts int `json:"attempts"`
	// DeadLettered is true once the row has been pulled out of discovery.
	DeadLettered bool `json:"dead_lettered"`
	// NewlyDeadLettered is true only on the report that crossed the limit.
	NewlyDeadLettered bool `json:"-"`
	// AlreadyAcknowledged is set when the row was acked before the failure arrived.
	AlreadyAcknowledged bool `json:"already_acknowledged,omitempty"`
}

// DeadLetter is an operator-facing view of a row that exhausted its attempts.
type DeadLetter struct {
	Kind           Kind      `json:"kind"`
	ID             int64     `json:"id"`
	Summary        string    `json:"summary"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}
