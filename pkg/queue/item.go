package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the processing state of an offboarding request.
type Status string

// Processing states. QUEUED -> IN_PROGRESS -> (ERROR | SUCCESS)
const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusError      Status = "ERROR"
	StatusSuccess    Status = "SUCCESS"
)

// Sentinel errors returned by the store. Errors from DynamoDB itself are
// wrapped, so errors.As still reaches the SDK error types.
var (
	ErrNotFound          = errors.New("item not found")
	ErrConflict          = errors.New("item was modified concurrently")
	ErrInvalidStatus     = errors.New("invalid status: must be QUEUED, IN_PROGRESS, ERROR or SUCCESS")
	ErrInvalidComparison = errors.New("invalid sort key comparison")
	ErrInvalidLookup     = errors.New("invalid lookup")
	ErrInvalidItem       = errors.New("invalid item")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DateLayout is the format of offboarding_date.
const DateLayout = "2006-01-02"

// timestampLayout matches ECMAScript's toISOString, so timestamps written
// by older tooling sort alongside ours.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusError, StatusSuccess:
		return true
	}
	return false
}

// Item is a row of the offboarding queue table.
type Item struct {
	Email           string `dynamodbav:"email" json:"email"`
	Status          Status `dynamodbav:"status" json:"status"`
	OffboardingDate string `dynamodbav:"offboarding_date" json:"offboarding_date"`
	SnowID          string `dynamodbav:"snow_id" json:"snow_id"`
	CreatedAt       string `dynamodbav:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt       string `dynamodbav:"updated_at,omitempty" json:"updated_at,omitempty"`
	Version         int64  `dynamodbav:"version" json:"version"`
}

// Validate checks the fields that make up the table's keys.
func (i Item) Validate() error {
	if i.Email == "" {
		return fmt.Errorf("%w: email cannot be empty", ErrInvalidItem)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidItem, ErrInvalidStatus, i.Status)
	}
	if _, err := time.Parse(DateLayout, i.OffboardingDate); err != nil {
		return fmt.Errorf("%w: offboarding_date %q is not YYYY-MM-DD", ErrInvalidItem, i.OffboardingDate)
	}
	return nil
}

// indexChanged reports whether next would move i to a different place in
// the status index.
func (i Item) indexChanged(next Item) bool {
	return i.Status != next.Status || i.OffboardingDate != next.OffboardingDate
}

// sameContent reports whether next carries nothing new for i.
func (i Item) sameContent(next Item) bool {
	return !i.indexChanged(next) && i.SnowID == next.SnowID
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
