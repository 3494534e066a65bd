package domain

import "time"

// UserState is the conversation state of a user.
type UserState string

const (
	StateBasic        UserState = "BASIC"
	StateWaitForEmail UserState = "WAIT_FOR_EMAIL"
)

// Known reports whether s is one of the enumerated states.
func (s UserState) Known() bool {
	return s == StateBasic || s == StateWaitForEmail
}

// UserRecord is a chat-platform user known to the bot.
// Active implies Email != nil.
type UserRecord struct {
	ID             uint64    `json:"id"`
	PlatformUserID int64     `json:"platform_user_id"`
	Username       string    `json:"username,omitempty"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	Email          *string   `json:"email,omitempty"`
	Active         bool      `json:"active"`
	State          UserState `json:"state"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewUserFromEvent builds the transient record for a first-seen user.
func NewUserFromEvent(e *InboundEvent) UserRecord {
	return UserRecord{
		PlatformUserID: e.UserID,
		Username:       e.Username,
		FirstName:      e.FirstName,
		LastName:       e.LastName,
		Active:         false,
		State:          StateBasic,
	}
}
