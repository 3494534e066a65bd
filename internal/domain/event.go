package domain

import "time"

// PayloadKind is the classified variant of an inbound event.
type PayloadKind string

const (
	PayloadText        PayloadKind = "text"
	PayloadDocument    PayloadKind = "document"
	PayloadPhoto       PayloadKind = "photo"
	PayloadUnsupported PayloadKind = "unsupported"
)

// FileRef points at a file kept in the chat platform's storage.
type FileRef struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// InboundEvent is a single update received from the chat platform.
// A populated Text wins over Document, and Document wins over Photo.
type InboundEvent struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"user_id"`
	ChatID     int64     `json:"chat_id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	Document   *FileRef  `json:"document,omitempty"`
	Photo      []FileRef `json:"photo,omitempty"` // every size offered by the platform
	ReceivedAt time.Time `json:"received_at"`
}

// Kind classifies the event payload. Exactly one kind is returned.
func (e *InboundEvent) Kind() PayloadKind {
	switch {
	case e == nil:
		return PayloadUnsupported
	case e.Text != "":
		return PayloadText
	case e.Document != nil && e.Document.FileID != "":
		return PayloadDocument
	case len(e.Photo) > 0:
		return PayloadPhoto
	default:
		return PayloadUnsupported
	}
}

// RawLogEntry is the append-only audit copy of an inbound event.
type RawLogEntry struct {
	ID        int64       `json:"id"`
	EventID   string      `json:"event_id"`
	UserID    int64       `json:"user_id"`
	ChatID    int64       `json:"chat_id"`
	Kind      PayloadKind `json:"kind"`
	Payload   []byte      `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}
