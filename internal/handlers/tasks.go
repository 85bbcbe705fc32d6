package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/tasks"
)

// Tasks serves job submission, status polling and cancellation.
type Tasks struct {
	queue *queue.Client
	log   zerolog.Logger
}

// NewTasks builds the tasks handler.
func NewTasks(q *queue.Client, log zerolog.Logger) *Tasks {
	return &Tasks{queue: q, log: log.With().Str("subsystem", "http").Logger()}
}

type processMediaRequest struct {
	MediaID    int64    `json:"media_id" binding:"required"`
	FilePath   string   `json:"file_path" binding:"required"`
	Operations []string `json:"operations"`
}

type thumbnailRequest struct {
	MediaID       int64  `json:"media_id" binding:"required"`
	FilePath      string `json:"file_path" binding:"required"`
	ThumbnailSize []int  `json:"thumbnail_size"`
}

type optimizeRequest struct {
	MediaID  int64  `json:"media_id" binding:"required"`
	FilePath string `json:"file_path" binding:"required"`
	Quality  int    `json:"quality" binding:"omitempty,min=1,max=100"`
}

type sendEmailRequest struct {
	ToEmail  string `json:"to_email" binding:"required,email"`
	Subject  string `json:"subject" binding:"required"`
	Body     string `json:"body" binding:"required"`
	HTMLBody string `json:"html_body"`
	UserID   *int64 `json:"user_id"`
}

type bulkEmailRequest struct {
	Emails          []tasks.EmailMessage `json:"emails" binding:"required,min=1"`
	RateLimitEmails int                  `json:"rate_limit_emails" binding:"omitempty,min=1"`
	UserID          *int64               `json:"user_id"`
}

// enqueue submits the job, honoring a caller-supplied idempotency key.
func (h *Tasks) enqueue(c *gin.Context, function string, args any) (*queue.Job, bool) {
	opts := queue.Options{IdempotencyKey: c.GetHeader("X-Idempotency-Key")}
	job, err := h.queue.Enqueue(c.Request.Context(), function, args, opts)
	if err != nil {
		h.log.Error().Err(err).Str("function", function).Msg("enqueue failed")
		abortJSON(c, http.StatusServiceUnavailable, codeUnavailable, "task queue unavailable")
		return nil, false
	}
	return job, true
}

// ProcessMedia handles POST /tasks/media/process.
func (h *Tasks) ProcessMedia(c *gin.Context) {
	var in processMediaRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	job, ok := h.enqueue(c, tasks.FunctionProcessMedia, tasks.ProcessMediaArgs{
		MediaID:    in.MediaID,
		FilePath:   in.FilePath,
		Operations: in.Operations,
	})
	if !ok {
		return
	}
	ops := in.Operations
	if len(ops) == 0 {
		ops = []string{"thumbnail", "optimize"}
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":    job.ID,
		"message":    "Media processing task enqueued",
		"media_id":   in.MediaID,
		"operations": ops,
	})
}

// GenerateThumbnail handles POST /tasks/media/thumbnail.
func (h *Tasks) GenerateThumbnail(c *gin.Context) {
	var in thumbnailRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	if len(in.ThumbnailSize) != 0 && len(in.ThumbnailSize) != 2 {
		abortJSON(c, http.StatusUnprocessableEntity, codeValidation, "thumbnail_size must be [width, height]")
		return
	}
	args := tasks.ThumbnailArgs{MediaID: in.MediaID, FilePath: in.FilePath}
	if len(in.ThumbnailSize) == 2 {
		args.Width, args.Height = in.ThumbnailSize[0], in.ThumbnailSize[1]
	}
	job, ok := h.enqueue(c, tasks.FunctionGenerateThumbnail, args)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":  job.ID,
		"message":  "Thumbnail generation task enqueued",
		"media_id": in.MediaID,
	})
}

// OptimizeImage handles POST /tasks/media/optimize.
func (h *Tasks) OptimizeImage(c *gin.Context) {
	var in optimizeRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	job, ok := h.enqueue(c, tasks.FunctionOptimizeImage, tasks.OptimizeArgs{
		MediaID:  in.MediaID,
		FilePath: in.FilePath,
		Quality:  in.Quality,
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":  job.ID,
		"message":  "Image optimization task enqueued",
		"media_id": in.MediaID,
	})
}

// SendEmail handles POST /tasks/email/send.
func (h *Tasks) SendEmail(c *gin.Context) {
	var in sendEmailRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	job, ok := h.enqueue(c, tasks.FunctionSendSingleEmail, tasks.EmailArgs{
		EmailMessage: tasks.EmailMessage{
			ToEmail:  in.ToEmail,
			Subject:  in.Subject,
			Body:     in.Body,
			HTMLBody: in.HTMLBody,
		},
		UserID: in.UserID,
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":  job.ID,
		"message":  "Email task enqueued",
		"to_email": in.ToEmail,
	})
}

// SendBulkEmails handles POST /tasks/email/bulk.
func (h *Tasks) SendBulkEmails(c *gin.Context) {
	var in bulkEmailRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		bindingFailed(c, err)
		return
	}
	rate := in.RateLimitEmails
	if rate <= 0 {
		rate = tasks.DefaultBulkRate
	}
	job, ok := h.enqueue(c, tasks.FunctionSendBulkEmails, tasks.BulkEmailArgs{
		Emails:    in.Emails,
		RateLimit: rate,
		UserID:    in.UserID,
	})
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":      job.ID,
		"message":      "Bulk email task enqueued",
		"total_emails": len(in.Emails),
		"rate_limit":   rate,
	})
}

// Status handles GET /tasks/:id/status.
func (h *Tasks) Status(c *gin.Context) {
	report, err := h.queue.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Task not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Cancel handles DELETE /tasks/:id. Only jobs still waiting in the queue
// can be cancelled.
func (h *Tasks) Cancel(c *gin.Context) {
	id := c.Param("id")
	err := h.queue.Cancel(c.Request.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		abortJSON(c, http.StatusNotFound, codeNotFound, "Task not found")
		return
	}
	if err != nil {
		failed(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Task cancelled successfully",
		"task_id": id,
	})
}
