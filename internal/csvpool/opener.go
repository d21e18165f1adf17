package csvpool

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/custard-io/custard/internal/blob"
	"github.com/custard-io/custard/internal/fault"
	"github.com/custard-io/custard/internal/repositories"
)

// BlobOpener implements FileOpener over the file repository and the blob
// store: the repository maps file_id to the blob key, the store yields the
// bytes.
type BlobOpener struct {
	files repositories.FileRepository
	store blob.Store
}

// NewBlobOpener creates a BlobOpener.
func NewBlobOpener(files repositories.FileRepository, store blob.Store) *BlobOpener {
	return &BlobOpener{files: files, store: store}
}

// OpenFile implements FileOpener.
func (o *BlobOpener) OpenFile(ctx context.Context, fileID uuid.UUID) (io.ReadCloser, error) {
	file, err := o.files.GetByID(ctx, fileID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "file %s not found", fileID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "file lookup failed", err)
	}

	src, err := o.store.Open(ctx, file.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fault.Newf(fault.CodeNotFound, "file %s has no stored content", fileID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "blob fetch failed", err)
	}
	return src, nil
}
