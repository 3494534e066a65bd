//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=../mocks/mock_repository.go -package=mocks
package domain

import "context"

// UserRepository stores user records. Lookups return (nil, nil) when the
// record does not exist.
type UserRepository interface {
	FindByID(ctx context.Context, id uint64) (*UserRecord, error)
	FindByPlatformID(ctx context.Context, platformUserID int64) (*UserRecord, error)
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)

	// FindOrCreate returns the stored record for u.PlatformUserID, inserting u
	// first when none exists. Safe under concurrent first sightings.
	FindOrCreate(ctx context.Context, u UserRecord) (*UserRecord, error)

	// Update writes u only if the stored version still equals u.Version.
	// It returns ErrVersionConflict otherwise and ErrEmailTaken when the
	// email belongs to another record. On success u.Version is advanced.
	Update(ctx context.Context, u *UserRecord) error

	List(ctx context.Context, limit int) ([]UserRecord, error)
}

// RawLogRepository is the append-only audit trail of inbound events.
type RawLogRepository interface {
	Append(ctx context.Context, entry RawLogEntry) error
}

// FileRepository stores file metadata rows.
type FileRepository interface {
	Save(ctx context.Context, meta FileMetadata) (FileMetadata, error)
	FindByID(ctx context.Context, kind ResourceType, id uint64) (*FileMetadata, error)
}

// ContentStore keeps raw file bytes under surrogate numeric ids.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (uint64, error)
	Get(ctx context.Context, id uint64) (*BinaryContent, error)
	Delete(ctx context.Context, id uint64) error
}
