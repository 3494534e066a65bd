// Package ingest downloads files from the chat platform and stores their
// bytes and metadata as one logical unit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"filebot/internal/domain"
	"filebot/internal/metrics"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxFileBytes = 20 << 20
)

// Stages reported by UploadError.
const (
	StageFetch    = "fetch"
	StageValidate = "validate"
	StageContent  = "store-content"
	StageMetadata = "store-metadata"
)

var (
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrNoFile       = errors.New("no file in event")
)

// UploadError wraps the proximate cause of a failed ingestion.
type UploadError struct {
	Stage string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed at %s: %v", e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type Config struct {
	FetchTimeout time.Duration
	MaxFileBytes int64
}

// Ingestor persists uploaded files.
type Ingestor struct {
	transport domain.Transport
	contents  domain.ContentStore
	files     domain.FileRepository
	cfg       Config
	logger    *slog.Logger
}

func New(transport domain.Transport, contents domain.ContentStore, files domain.FileRepository, cfg Config, logger *slog.Logger) *Ingestor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}
	return &Ingestor{
		transport: transport,
		contents:  contents,
		files:     files,
		cfg:       cfg,
		logger:    logger,
	}
}

// IngestDocument stores the document attached to an event.
func (i *Ingestor) IngestDocument(ctx context.Context, doc *domain.FileRef) (domain.FileMetadata, error) {
	if doc == nil || doc.FileID == "" {
		return domain.FileMetadata{}, &UploadError{Stage: StageFetch, Err: ErrNoFile}
	}
	return i.Ingest(ctx, domain.ResourceDocument, *doc)
}

// IngestPhoto stores the largest of the offered photo sizes.
func (i *Ingestor) IngestPhoto(ctx context.Context, sizes []domain.FileRef) (domain.FileMetadata, error) {
	if len(sizes) == 0 {
		return domain.FileMetadata{}, &UploadError{Stage: StageFetch, Err: ErrNoFile}
	}
	return i.Ingest(ctx, domain.ResourcePhoto, LargestPhoto(sizes))
}

// LargestPhoto picks the size with the most bytes. The platform lists sizes
// in ascending order, so the last one wins when sizes are unknown.
func LargestPhoto(sizes []domain.FileRef) domain.FileRef {
	best := lo.MaxBy(sizes, func(a, b domain.FileRef) bool {
		return a.FileSize > b.FileSize
	})
	if best.FileSize == 0 {
		return sizes[len(sizes)-1]
	}
	return best
}

// Ingest fetches ref once, stores the bytes, then the metadata. If the
// metadata write fails the content is deleted again.
func (i *Ingestor) Ingest(ctx context.Context, kind domain.ResourceType, ref domain.FileRef) (domain.FileMetadata, error) {
	start := time.Now()
	meta, err := i.ingest(ctx, kind, ref)
	if err != nil {
		metrics.UploadsFailed.Inc()
		return domain.FileMetadata{}, err
	}
	metrics.IngestLatency.Observe(time.Since(start).Seconds())
	metrics.IngestBytes.Observe(float64(meta.Size))
	return meta, nil
}

func (i *Ingestor) ingest(ctx context.Context, kind domain.ResourceType, ref domain.FileRef) (domain.FileMetadata, error) {
	if ref.FileID == "" {
		return domain.FileMetadata{}, &UploadError{Stage: StageFetch, Err: ErrNoFile}
	}
	if ref.FileSize > i.cfg.MaxFileBytes {
		return domain.FileMetadata{}, &UploadError{Stage: StageValidate, Err: ErrFileTooLarge}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.cfg.FetchTimeout)
	data, err := i.transport.FetchBytes(fetchCtx, ref)
	cancel()
	if err != nil {
		return domain.FileMetadata{}, &UploadError{Stage: StageFetch, Err: err}
	}

	switch {
	case len(data) == 0:
		return domain.FileMetadata{}, &UploadError{Stage: StageValidate, Err: ErrEmptyFile}
	case int64(len(data)) > i.cfg.MaxFileBytes:
		return domain.FileMetadata{}, &UploadError{Stage: StageValidate, Err: ErrFileTooLarge}
	}

	contentID, err := i.contents.Put(ctx, data)
	if err != nil {
		return domain.FileMetadata{}, &UploadError{Stage: StageContent, Err: err}
	}

	detected := mimetype.Detect(data)
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = detected.String()
	}
	name := ref.FileName
	if name == "" {
		name = string(kind) + "_" + lo.CoalesceOrEmpty(ref.FileUniqueID, ref.FileID) + detected.Extension()
	}

	meta, err := i.files.Save(ctx, domain.FileMetadata{
		Kind:           kind,
		PlatformFileID: ref.FileID,
		ContentID:      contentID,
		Size:           int64(len(data)),
		MimeType:       mimeType,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		if delErr := i.contents.Delete(ctx, contentID); delErr != nil {
			i.logger.Error("orphaned content after failed metadata save",
				"content_id", contentID,
				"kind", kind,
				"err", delErr,
			)
		}
		return domain.FileMetadata{}, &UploadError{Stage: StageMetadata, Err: err}
	}

	i.logger.Info("file stored",
		"kind", kind,
		"metadata_id", meta.ID,
		"content_id", contentID,
		"size", meta.Size,
		"mime", meta.MimeType,
	)
	return meta, nil
}
