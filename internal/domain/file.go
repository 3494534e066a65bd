package domain

import (
	"fmt"
	"net/url"
	"time"
)

// ResourceType names the kind of a stored file. It doubles as the
// path segment of public links.
type ResourceType string

const (
	ResourceDocument ResourceType = "document"
	ResourcePhoto    ResourceType = "photo"
)

// BinaryContent holds the raw bytes of an uploaded file.
type BinaryContent struct {
	ID   uint64
	Data []byte
}

// FileMetadata describes one stored file. Each row owns exactly one BinaryContent.
type FileMetadata struct {
	ID             uint64       `json:"id"`
	Kind           ResourceType `json:"kind"`
	PlatformFileID string       `json:"platform_file_id"`
	ContentID      uint64       `json:"content_id"`
	Size           int64        `json:"size"`
	MimeType       string       `json:"mime_type,omitempty"`
	Name           string       `json:"name,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Link builds the public download link http://{host}/{type}?id={token}.
func (t ResourceType) Link(host, token string) string {
	return fmt.Sprintf("http://%s/%s?id=%s", host, t, url.QueryEscape(token))
}
