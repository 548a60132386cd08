package domain

import (
	"errors"
	"time"
)

// ErrUnavailable marks a collaborator failure that is expected to clear on its own.
var ErrUnavailable = errors.New("collaborator unavailable")

var ErrNotFound = errors.New("not found")

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Outcome describes how a completed job ended.
type Outcome string

const (
	OutcomeBooked   Outcome = "booked"
	OutcomeReviewed Outcome = "reviewed"
)

// Review reasons recorded on manual-review records.
const (
	ReasonEmptyMessage         = "empty message"
	ReasonUnknownRecipient     = "unknown recipient"
	ReasonIncompleteExtraction = "incomplete extraction"
	ReasonExtractionFailed     = "extraction failed"
)

// Envelope is a raw inbound message as received from the mail relay.
type Envelope struct {
	MessageID  string    `json:"message_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

type Job struct {
	ID string
	// TenantID is the resolved tenant and the queue key; empty for an unknown recipient.
	TenantID    string
	Payload     Envelope
	Status      JobStatus
	RetryCount  int
	MaxRetries  int
	LastError   string
	Fingerprint string
	EnqueuedAt  time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     Outcome

	// Extracted is kept across job-level retries so a persistence failure
	// does not trigger a second extraction call.
	Extracted *ExtractedFields
}

// ExtractedFields is the candidate booking data returned by an extractor.
type ExtractedFields struct {
	ClientName  string     `json:"client_name,omitempty"`
	ClientEmail string     `json:"client_email,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	EventDate   *time.Time `json:"event_date,omitempty"`
	Venue       string     `json:"venue,omitempty"`
	Fee         *float64   `json:"fee,omitempty"`
	Currency    string     `json:"currency,omitempty"`
	Source      string     `json:"source,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
}

type Booking struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	ClientName     string     `json:"client_name,omitempty"`
	ClientEmail    string     `json:"client_email,omitempty"`
	EventType      string     `json:"event_type,omitempty"`
	EventDate      *time.Time `json:"event_date,omitempty"`
	Venue          string     `json:"venue,omitempty"`
	Fee            *float64   `json:"fee,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	Source         string     `json:"source,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ReviewRecord is a message parked for manual follow-up.
type ReviewRecord struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id,omitempty"`
	Reason    string           `json:"reason"`
	Payload   Envelope         `json:"payload"`
	Fields    *ExtractedFields `json:"fields,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type Tenant struct {
	ID        string    `json:"id"`
	Prefix    string    `json:"prefix"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
