package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/blob"
	"github.com/custard-io/custard/internal/csvpool"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/repositories"
)

// signedURLTTL is the lifetime of download links issued by SignedURL.
const signedURLTTL = 15 * time.Minute

// FileHandler groups the uploaded-file endpoints.
type FileHandler struct {
	repo   repositories.FileRepository
	store  blob.Store
	pool   *csvpool.Pool
	maxLen int64
	logger *zap.Logger
}

// NewFileHandler creates a FileHandler. maxUploadBytes caps one upload;
// zero applies the CSV pool's per-file source cap.
func NewFileHandler(repo repositories.FileRepository, store blob.Store, pool *csvpool.Pool, maxUploadBytes int64, logger *zap.Logger) *FileHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = csvpool.DefaultLimits.MaxSourceBytes
	}
	return &FileHandler{
		repo:   repo,
		store:  store,
		pool:   pool,
		maxLen: maxUploadBytes,
		logger: logger.Named("file_handler"),
	}
}

// fileResponse is the JSON representation of an uploaded file.
type fileResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"`
}

func fileToResponse(f *db.UploadedFile) fileResponse {
	return fileResponse{
		ID:          f.ID.String(),
		Name:        f.Name,
		SizeBytes:   f.SizeBytes,
		ContentType: f.ContentType,
		CreatedAt:   f.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Upload handles POST /api/v1/files: one multipart upload under the
// "file" field. The bytes go to the blob store; only metadata is
// persisted.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxLen+1<<20) // slack for multipart framing
	src, header, err := r.FormFile("file")
	if err != nil {
		ErrBadRequest(w, "multipart field \"file\" is required")
		return
	}
	defer src.Close()

	if header.Size > h.maxLen {
		errJSON(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit", "too_large")
		return
	}

	blobKey := uuid.NewString()
	size, err := h.store.Put(r.Context(), blobKey, io.LimitReader(src, h.maxLen))
	if err != nil {
		h.logger.Error("failed to store upload", zap.Error(err))
		ErrInternal(w)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/csv"
	}

	file := &db.UploadedFile{
		OwnerID:     identity.UserID,
		Name:        header.Filename,
		BlobKey:     blobKey,
		SizeBytes:   size,
		ContentType: contentType,
	}
	if err := h.repo.Create(r.Context(), file); err != nil {
		h.logger.Error("failed to create file record", zap.Error(err))
		// Best effort: do not leave an orphaned blob behind.
		_ = h.store.Delete(r.Context(), blobKey)
		ErrInternal(w)
		return
	}

	h.logger.Info("file uploaded",
		zap.String("file_id", file.ID.String()),
		zap.String("owner_id", identity.UserID.String()),
		zap.Int64("size_bytes", size),
	)
	Created(w, fileToResponse(file))
}

// listFilesResponse wraps a paginated list of files.
type listFilesResponse struct {
	Items []fileResponse `json:"items"`
	Total int64          `json:"total"`
}

// List handles GET /api/v1/files.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	opts := paginationOpts(r)

	files, total, err := h.repo.ListByOwner(r.Context(), identity.UserID, opts)
	if err != nil {
		h.logger.Error("failed to list files", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]fileResponse, len(files))
	for i := range files {
		items[i] = fileToResponse(&files[i])
	}
	Ok(w, listFilesResponse{Items: items, Total: total})
}

// SignedURL handles GET /api/v1/files/{id}/url: a short-lived download
// link for the raw CSV.
func (h *FileHandler) SignedURL(w http.ResponseWriter, r *http.Request) {
	file, ok := h.ownedFile(w, r)
	if !ok {
		return
	}

	url, err := h.store.SignedURL(file.BlobKey, signedURLTTL)
	if err != nil {
		h.logger.Error("failed to sign URL", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{
		"url":        url,
		"expires_in": int(signedURLTTL.Seconds()),
	})
}

// Delete handles DELETE /api/v1/files/{id}. The blob and any live CSV
// session go with the record.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	file, ok := h.ownedFile(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), file.ID); err != nil {
		h.logger.Error("failed to delete file record", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.pool.Release(file.ID)
	if err := h.store.Delete(r.Context(), file.BlobKey); err != nil {
		h.logger.Warn("failed to delete blob",
			zap.String("blob_key", file.BlobKey),
			zap.Error(err),
		)
	}

	h.logger.Info("file deleted", zap.String("file_id", file.ID.String()))
	NoContent(w)
}

// ServeBlob handles GET /api/v1/files/blob/{key}: the public signed
// download route. Authentication is the signature itself.
func (h *FileHandler) ServeBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := r.URL.Query()

	verified, err := h.store.VerifySignedPath(key, q.Get("expires"), q.Get("signature"))
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	src, err := h.store.Open(r.Context(), verified)
	if errors.Is(err, blob.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to open blob", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer src.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Cache-Control", "private, no-store")
	if _, err := io.Copy(w, src); err != nil {
		h.logger.Warn("blob download aborted", zap.Error(err))
	}
}

// ownedFile resolves {id} and enforces ownership, writing the error
// response itself on failure.
func (h *FileHandler) ownedFile(w http.ResponseWriter, r *http.Request) (*db.UploadedFile, bool) {
	identity := identityFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid file id")
		return nil, false
	}

	file, err := h.repo.GetByID(r.Context(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to load file", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if file.OwnerID != identity.UserID {
		ErrNotFound(w)
		return nil, false
	}
	return file, true
}
