//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/mock_transport.go -package=mocks
package domain

import "context"

// Transport is the chat platform seen from the workers.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) error
	FetchBytes(ctx context.Context, ref FileRef) ([]byte, error)
}

// Mailer delivers a rendered mail.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

// Publisher enqueues a payload on a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}
