package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/filter"
	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/resource"
	"github.com/pulseframe/pulseframe/internal/storage"
	"github.com/pulseframe/pulseframe/internal/tasks"
)

// MediaService is the resource engine instantiated for the media kind.
type MediaService = resource.Service[models.Media, models.MediaCreate, models.MediaUpdate, models.MediaOut]

// MediaFinder serves the kind-specific listings.
type MediaFinder interface {
	ListByUser(ctx context.Context, userID int64, skip, limit int) ([]models.Media, error)
	ListByType(ctx context.Context, fileType string, skip, limit int) ([]models.Media, error)
	ListPublic(ctx context.Context, skip, limit int) ([]models.Media, error)
}

// TaskQueue is the enqueue-only slice of the job queue.
type TaskQueue interface {
	Enqueue(ctx context.Context, function string, args any, opts queue.Options) (*queue.Job, error)
}

// Blobs is the handler-facing slice of the blob store plus its stats info.
type Blobs interface {
	storage.BlobStore
	Info() storage.Info
}

// Media serves the media kind: CRUD plus upload, download and the
// kind-specific listings. queue may be nil to disable post-upload
// processing.
type Media struct {
	svc     *MediaService
	finder  MediaFinder
	blobs   Blobs
	queue   TaskQueue
	maxSize int64
	log     zerolog.Logger
}

// NewMedia builds the media handler. maxSize caps upload bodies in bytes.
func NewMedia(svc *MediaService, finder MediaFinder, blobs Blobs, q TaskQueue, maxSize int64, log zerolog.Logger) *Media {
	return &Media{
		svc:     svc,
		finder:  finder,
		blobs:   blobs,
		queue:   q,
		maxSize: maxSize,
		log:     log.With().Str("subsystem", "http").Logger(),
	}
}

// mediaView decorates the output shape with the serving URLs. Local-backend
// rows serve both URLs from the download endpoint.
type mediaView struct {
	models.MediaOut
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
}

func withURLs(m models.MediaOut) mediaView {
	u := fmt.Sprintf("/media/%d/download", m.ID)
	return mediaView{MediaOut: m, URL: u, DownloadURL: u}
}

func withURLsAll(rows []models.MediaOut) []mediaView {
	out := make([]mediaView, 0, len(rows))
	for _, m := range rows {
		out = append(out, withURLs(m))
	}
	return out
}

// uploadResponse is the body returned by Upload.
type uploadResponse struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	FileType    string `json:"file_type"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
	Message     string `json:"message"`
}

// Upload handles POST /media/upload (multipart). The blob lands in storage
// first; if the row insert fails the blob is removed again. Image uploads
// enqueue the processing pipeline.
func (h *Media) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "multipart field file is required")
		return
	}
	if file.Size > h.maxSize {
		abortJSON(c, http.StatusRequestEntityTooLarge, codePayloadTooLarge,
			fmt.Sprintf("File too large. Maximum size: %d bytes", h.maxSize))
		return
	}

	ctx := c.Request.Context()
	src, err := file.Open()
	if err != nil {
		failed(c, h.log, fmt.Errorf("open upload: %w", err))
		return
	}
	defer src.Close()

	name := file.Filename
	if name == "" {
		name = "unnamed"
	}
	path, size, err := h.blobs.Save(ctx, name, src)
	if err != nil {
		failed(c, h.log, fmt.Errorf("save upload: %w", err))
		return
	}

	mime := file.Header.Get("Content-Type")
	in := models.MediaCreate{
		Filename:       name,
		StoragePath:    path,
		FileSize:       size,
		MimeType:       mime,
		FileType:       fileTypeFor(mime),
		StorageBackend: h.blobs.Info().Backend,
	}
	if v := c.PostForm("description"); v != "" {
		in.Description = &v
	}
	if v := c.PostForm("alt_text"); v != "" {
		in.AltText = &v
	}
	if v := c.PostForm("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "form field user_id must be an integer")
			return
		}
		in.UserID = &id
	}
	if v := c.PostForm("is_public"); v != "" {
		pub, err := strconv.ParseBool(v)
		if err != nil {
			abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "form field is_public must be a boolean")
			return
		}
		in.IsPublic = &pub
	}

	out, err := h.svc.Create(ctx, in, true)
	if err != nil {
		if derr := h.blobs.Delete(ctx, path); derr != nil {
			h.log.Warn().Err(derr).Str("path", path).Msg("orphaned blob not removed")
		}
		failed(c, h.log, err)
		return
	}

	h.enqueueProcessing(ctx, out)

	view := withURLs(out)
	c.JSON(http.StatusCreated, uploadResponse{
		ID:          view.ID,
		Filename:    view.Filename,
		FileSize:    view.FileSize,
		FileType:    view.FileType,
		URL:         view.URL,
		DownloadURL: view.DownloadURL,
		Message:     "File uploaded successfully",
	})
}

// enqueueProcessing submits the post-upload pipeline for image rows. The
// upload already succeeded, so a full queue only costs the derived assets.
func (h *Media) enqueueProcessing(ctx context.Context, m models.MediaOut) {
	if h.queue == nil || m.FileType != "image" {
		return
	}
	job, err := h.queue.Enqueue(ctx, tasks.FunctionProcessMedia, tasks.ProcessMediaArgs{
		MediaID:  m.ID,
		FilePath: m.StoragePath,
	}, queue.Options{})
	if err != nil {
		h.log.Warn().Err(err).Int64("media_id", m.ID).Msg("processing not enqueued")
		return
	}
	h.log.Info().Int64("media_id", m.ID).Str("task_id", job.ID).Msg("processing enqueued")
}

// Download handles GET /media/:id/download, streaming the blob with an
// attachment disposition.
func (h *Media) Download(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	out, err := h.svc.GetByID(ctx, id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}

	blob, err := h.blobs.Open(ctx, out.StoragePath)
	if errors.Is(err, fs.ErrNotExist) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, fmt.Errorf("open blob: %w", err))
		return
	}
	defer blob.Close()

	mime := out.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, out.FileSize, mime, blob, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", out.Filename),
	})
}

// List handles GET /media/.
func (h *Media) List(c *gin.Context) {
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	rows, err := h.svc.List(c.Request.Context(), skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLsAll(rows))
}

// Get handles GET /media/:id.
func (h *Media) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	out, err := h.svc.GetByID(c.Request.Context(), id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLs(out))
}

// Create handles POST /media/, registering metadata for a blob that already
// exists in storage. Uploads go through Upload instead.
func (h *Media) Create(c *gin.Context) {
	var in models.MediaCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	if in.StorageBackend == "" {
		in.StorageBackend = h.blobs.Info().Backend
	}
	if in.FileType == "" {
		in.FileType = fileTypeFor(in.MimeType)
	}
	out, err := h.svc.Create(c.Request.Context(), in, true)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, withURLs(out))
}

// Update handles PATCH /media/:id. Metadata only; replacing the file means
// delete and re-upload.
func (h *Media) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var patch models.MediaUpdate
	if err := c.ShouldBindJSON(&patch); err != nil {
		bindingFailed(c, err)
		return
	}
	out, err := h.svc.Update(c.Request.Context(), id, patch, true)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLs(out))
}

// Delete handles DELETE /media/:id, removing the row and then the blob.
// A blob that will not delete is logged and left for a sweep; the row is
// already gone.
func (h *Media) Delete(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	out, err := h.svc.GetByID(ctx, id)
	if errors.Is(err, resource.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}

	deleted, err := h.svc.Delete(ctx, id, true)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	if !deleted {
		abortJSON(c, http.StatusNotFound, codeNotFound, fmt.Sprintf("Media %d not found", id))
		return
	}
	if err := h.blobs.Delete(ctx, out.StoragePath); err != nil {
		h.log.Warn().Err(err).Str("path", out.StoragePath).Int64("media_id", id).Msg("blob not removed")
	}
	c.Status(http.StatusNoContent)
}

// ByUser handles GET /media/user/:user_id.
func (h *Media) ByUser(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	rows, err := h.finder.ListByUser(c.Request.Context(), userID, skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLsAll(h.svc.ProjectAll(rows)))
}

// ByType handles GET /media/type/:file_type. Types: image, video, audio,
// document, other.
func (h *Media) ByType(c *gin.Context) {
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	rows, err := h.finder.ListByType(c.Request.Context(), c.Param("file_type"), skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLsAll(h.svc.ProjectAll(rows)))
}

// Public handles GET /media/public/list.
func (h *Media) Public(c *gin.Context) {
	skip, limit, ok := pagination(c)
	if !ok {
		return
	}
	rows, err := h.finder.ListPublic(c.Request.Context(), skip, limit)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLsAll(h.svc.ProjectAll(rows)))
}

// Filter handles POST /media/filter.
func (h *Media) Filter(c *gin.Context) {
	var q filter.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		bindingFailed(c, err)
		return
	}
	rows, err := h.svc.Filter(c.Request.Context(), q)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, withURLsAll(rows))
}

// FilterPaginated handles POST /media/filter/paginated.
func (h *Media) FilterPaginated(c *gin.Context) {
	var q filter.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		bindingFailed(c, err)
		return
	}
	page, err := h.svc.FilterPaginated(c.Request.Context(), q)
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resource.Page[mediaView]{
		Data:    withURLsAll(page.Data),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore,
	})
}

// StorageInfo handles GET /media/stats/info.
func (h *Media) StorageInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.blobs.Info())
}

// fileTypeFor buckets a mime type into the coarse file_type facet.
func fileTypeFor(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	}
	switch mime {
	case "application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return "document"
	default:
		return "other"
	}
}
