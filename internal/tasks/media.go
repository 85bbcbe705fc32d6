// Package tasks implements the built-in background job families: media
// processing (thumbnails, image optimization) and email sending. Every
// handler follows the queue contract: decoded args in, JSON-serializable
// result out, error to route through the retry machinery. Progress lands on
// the job's status key and user-facing updates go out as task notifications
// keyed by the entity they concern.
package tasks

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strconv"
	"time"

	"golang.org/x/image/draw"

	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/queue"
	"github.com/pulseframe/pulseframe/internal/storage"
	"github.com/pulseframe/pulseframe/internal/webhooks"
)

// Queue function names for the built-in job families.
const (
	FunctionProcessMedia      = "process_media"
	FunctionGenerateThumbnail = "generate_thumbnail"
	FunctionOptimizeImage     = "optimize_image"
	FunctionSendSingleEmail   = "send_single_email"
	FunctionSendBulkEmails    = "send_bulk_emails"
)

const (
	defaultThumbWidth  = 300
	defaultThumbHeight = 300
	defaultQuality     = 85

	// Optimization shrinks anything larger than this on either axis.
	maxOptimizeWidth  = 2048
	maxOptimizeHeight = 2048
)

// Store is the slice of the blob store the media handlers need.
type Store interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, r io.Reader) (int64, error)
}

// MediaUpdater applies the post-processing patch to the media row. The
// worker wires the media resource service with a relay-backed broadcaster
// here, so the update reaches channel subscribers of the API process.
type MediaUpdater interface {
	Update(ctx context.Context, id int64, patch models.MediaUpdate, broadcast bool) (models.MediaOut, error)
}

// Notifier publishes task notifications for websocket relay. kind names
// the hub channel; entityID scopes the pub/sub subject.
type Notifier interface {
	TaskNotification(ctx context.Context, kind, entityID, jobID, event string, data any)
}

// ProgressSetter records caller-visible progress extras for a job.
type ProgressSetter interface {
	SetProgress(ctx context.Context, id string, progress any) error
}

// progressUpdate is the stored progress shape, merged into status reads.
type progressUpdate struct {
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	UpdatedAt string `json:"updated_at"`
}

// ProcessMediaArgs drive the full processing pipeline.
type ProcessMediaArgs struct {
	MediaID    int64    `json:"media_id"`
	FilePath   string   `json:"file_path"`
	Operations []string `json:"operations,omitempty"`
}

// ThumbnailArgs drive a standalone thumbnail job.
type ThumbnailArgs struct {
	MediaID  int64  `json:"media_id"`
	FilePath string `json:"file_path"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// OptimizeArgs drive a standalone optimization job.
type OptimizeArgs struct {
	MediaID  int64  `json:"media_id"`
	FilePath string `json:"file_path"`
	Quality  int    `json:"quality,omitempty"`
}

// ThumbnailResult reports a generated thumbnail.
type ThumbnailResult struct {
	MediaID       int64  `json:"media_id"`
	ThumbnailPath string `json:"thumbnail_path"`
	ThumbnailSize [2]int `json:"thumbnail_size"`
	OriginalSize  [2]int `json:"original_size"`
}

// OptimizeResult reports an in-place re-encode.
type OptimizeResult struct {
	MediaID                 int64   `json:"media_id"`
	OriginalSizeBytes       int64   `json:"original_size_bytes"`
	OptimizedSizeBytes      int64   `json:"optimized_size_bytes"`
	CompressionRatioPercent float64 `json:"compression_ratio_percent"`
	Dimensions              [2]int  `json:"dimensions"`
}

// ProcessResult aggregates the pipeline's per-operation results.
type ProcessResult struct {
	MediaID    int64          `json:"media_id"`
	Operations map[string]any `json:"operations"`
}

// MediaProcessor owns the media job family. media, notify, progress and
// events may each be nil to disable that concern.
type MediaProcessor struct {
	store    Store
	media    MediaUpdater
	notify   Notifier
	progress ProgressSetter
	events   queue.EventSink
	log      zerolog.Logger
}

// NewMediaProcessor builds the processor.
func NewMediaProcessor(store Store, media MediaUpdater, notify Notifier, progress ProgressSetter, events queue.EventSink, log zerolog.Logger) *MediaProcessor {
	return &MediaProcessor{
		store:    store,
		media:    media,
		notify:   notify,
		progress: progress,
		events:   events,
		log:      log.With().Str("subsystem", "tasks").Logger(),
	}
}

// Register binds the media job family onto a worker.
func (p *MediaProcessor) Register(w *queue.Worker) {
	w.Register(FunctionProcessMedia, p.ProcessMedia)
	w.Register(FunctionGenerateThumbnail, p.GenerateThumbnail)
	w.Register(FunctionOptimizeImage, p.OptimizeImage)
}

// ProcessMedia runs the full pipeline: validate the blob is an image, then
// apply the requested operations (default thumbnail + optimize). When
// optimization changed the stored blob the media row's file size is patched
// through the resource service, which fans an updated frame out to the
// media channel.
func (p *MediaProcessor) ProcessMedia(ctx context.Context, job *queue.Job) (any, error) {
	var args ProcessMediaArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}
	ops := args.Operations
	if len(ops) == 0 {
		ops = []string{"thumbnail", "optimize"}
	}

	p.setProgress(ctx, job.ID, 5)
	p.log.Info().
		Int64("media_id", args.MediaID).
		Strs("operations", ops).
		Str("job_id", job.ID).
		Msg("media processing started")

	result := &ProcessResult{MediaID: args.MediaID, Operations: map[string]any{}}

	if err := p.verifyImage(ctx, args.FilePath); err != nil {
		return nil, p.failProcessing(ctx, job.ID, args.MediaID, err)
	}

	ranThumbnail := false
	var optimized *OptimizeResult
	for _, op := range ops {
		switch op {
		case "thumbnail":
			p.setProgress(ctx, job.ID, 20)
			thumb, err := p.generateThumbnail(ctx, job.ID, args.MediaID, args.FilePath, defaultThumbWidth, defaultThumbHeight, nil)
			if err != nil {
				return nil, p.failProcessing(ctx, job.ID, args.MediaID, err)
			}
			result.Operations["thumbnail"] = thumb
			ranThumbnail = true

		case "optimize":
			if ranThumbnail {
				p.setProgress(ctx, job.ID, 50)
			} else {
				p.setProgress(ctx, job.ID, 20)
			}
			opt, err := p.optimizeImage(ctx, job.ID, args.MediaID, args.FilePath, defaultQuality, nil)
			if err != nil {
				return nil, p.failProcessing(ctx, job.ID, args.MediaID, err)
			}
			result.Operations["optimize"] = opt
			optimized = opt

		default:
			err := fmt.Errorf("unknown operation %q", op)
			return nil, p.failProcessing(ctx, job.ID, args.MediaID, err)
		}
	}

	p.setProgress(ctx, job.ID, 95)

	if optimized != nil && p.media != nil {
		patch := models.MediaUpdate{FileSize: &optimized.OptimizedSizeBytes}
		if _, err := p.media.Update(ctx, args.MediaID, patch, true); err != nil {
			// The artifacts exist; a stale size column is not worth a retry.
			p.log.Warn().Err(err).Int64("media_id", args.MediaID).Msg("media row update failed")
		}
	}

	p.notifyMedia(ctx, args.MediaID, job.ID, "media_processed", result)
	p.trigger(ctx, webhooks.EventMediaProcessed, map[string]any{
		"task_id":    job.ID,
		"media_id":   args.MediaID,
		"operations": ops,
	})
	p.log.Info().
		Int64("media_id", args.MediaID).
		Int("operations", len(result.Operations)).
		Msg("media processing completed")
	return result, nil
}

// GenerateThumbnail is the standalone thumbnail job.
func (p *MediaProcessor) GenerateThumbnail(ctx context.Context, job *queue.Job) (any, error) {
	var args ThumbnailArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.Width <= 0 {
		args.Width = defaultThumbWidth
	}
	if args.Height <= 0 {
		args.Height = defaultThumbHeight
	}

	p.setProgress(ctx, job.ID, 10)
	tick := func(pct int) { p.setProgress(ctx, job.ID, pct) }
	res, err := p.generateThumbnail(ctx, job.ID, args.MediaID, args.FilePath, args.Width, args.Height, tick)
	if err != nil {
		return nil, err
	}
	p.setProgress(ctx, job.ID, 90)
	return res, nil
}

// OptimizeImage is the standalone optimization job.
func (p *MediaProcessor) OptimizeImage(ctx context.Context, job *queue.Job) (any, error) {
	var args OptimizeArgs
	if err := job.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.Quality <= 0 || args.Quality > 100 {
		args.Quality = defaultQuality
	}

	p.setProgress(ctx, job.ID, 10)
	tick := func(pct int) { p.setProgress(ctx, job.ID, pct) }
	res, err := p.optimizeImage(ctx, job.ID, args.MediaID, args.FilePath, args.Quality, tick)
	if err != nil {
		return nil, err
	}
	p.setProgress(ctx, job.ID, 90)
	return res, nil
}

// generateThumbnail decodes the source blob, scales it to fit within
// width x height without upscaling, and stores it as <base>_thumb.jpg next
// to the source.
func (p *MediaProcessor) generateThumbnail(ctx context.Context, jobID string, mediaID int64, filePath string, width, height int, tick func(int)) (*ThumbnailResult, error) {
	img, _, err := p.decode(ctx, filePath)
	if err != nil {
		err = fmt.Errorf("generate thumbnail for media %d: %w", mediaID, err)
		p.notifyMedia(ctx, mediaID, jobID, "thumbnail_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	if tick != nil {
		tick(30)
	}

	ow, oh := img.Bounds().Dx(), img.Bounds().Dy()
	tw, th := fitWithin(ow, oh, width, height)
	thumb := scaleOnWhite(img, tw, th)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: defaultQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail for media %d: %w", mediaID, err)
	}
	if tick != nil {
		tick(60)
	}

	thumbPath := storage.Derived(filePath, "_thumb", ".jpg")
	if _, err := p.store.Write(ctx, thumbPath, bytes.NewReader(buf.Bytes())); err != nil {
		err = fmt.Errorf("store thumbnail for media %d: %w", mediaID, err)
		p.notifyMedia(ctx, mediaID, jobID, "thumbnail_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	res := &ThumbnailResult{
		MediaID:       mediaID,
		ThumbnailPath: thumbPath,
		ThumbnailSize: [2]int{tw, th},
		OriginalSize:  [2]int{ow, oh},
	}
	p.notifyMedia(ctx, mediaID, jobID, "thumbnail_generated", res)
	p.log.Info().
		Int64("media_id", mediaID).
		Str("thumbnail_path", thumbPath).
		Msg("thumbnail generated")
	return res, nil
}

// optimizeImage re-encodes the blob in place in its own format, shrinking
// anything larger than the optimization bounds first. quality applies to
// JPEG output.
func (p *MediaProcessor) optimizeImage(ctx context.Context, jobID string, mediaID int64, filePath string, quality int, tick func(int)) (*OptimizeResult, error) {
	data, err := p.read(ctx, filePath)
	if err != nil {
		err = fmt.Errorf("optimize media %d: %w", mediaID, err)
		p.notifyMedia(ctx, mediaID, jobID, "optimization_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	originalSize := int64(len(data))

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		err = fmt.Errorf("optimize media %d: decode image: %w", mediaID, err)
		p.notifyMedia(ctx, mediaID, jobID, "optimization_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	if tick != nil {
		tick(30)
	}

	ow, oh := img.Bounds().Dx(), img.Bounds().Dy()
	tw, th := fitWithin(ow, oh, maxOptimizeWidth, maxOptimizeHeight)

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		if err := jpeg.Encode(&buf, scaleOnWhite(img, tw, th), &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("optimize media %d: encode jpeg: %w", mediaID, err)
		}
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, scaleKeepAlpha(img, tw, th)); err != nil {
			return nil, fmt.Errorf("optimize media %d: encode png: %w", mediaID, err)
		}
	case "gif":
		if err := gif.Encode(&buf, scaleKeepAlpha(img, tw, th), nil); err != nil {
			return nil, fmt.Errorf("optimize media %d: encode gif: %w", mediaID, err)
		}
	default:
		err := fmt.Errorf("optimize media %d: unsupported image format %q", mediaID, format)
		p.notifyMedia(ctx, mediaID, jobID, "optimization_failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	if tick != nil {
		tick(60)
	}

	optimizedSize, err := p.store.Write(ctx, filePath, bytes.NewReader(buf.Bytes()))
	if err != nil {
		err = fmt.Errorf("optimize media %d: store: %w", mediaID, err)
		p.notifyMedia(ctx, mediaID, jobID, "optimization_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	ratio := 0.0
	if originalSize > 0 {
		ratio = math.Round((1-float64(optimizedSize)/float64(originalSize))*10000) / 100
	}
	res := &OptimizeResult{
		MediaID:                 mediaID,
		OriginalSizeBytes:       originalSize,
		OptimizedSizeBytes:      optimizedSize,
		CompressionRatioPercent: ratio,
		Dimensions:              [2]int{tw, th},
	}
	p.notifyMedia(ctx, mediaID, jobID, "image_optimized", res)
	p.log.Info().
		Int64("media_id", mediaID).
		Int64("original_bytes", originalSize).
		Int64("optimized_bytes", optimizedSize).
		Msg("image optimized")
	return res, nil
}

// failProcessing fans the pipeline failure out before the job error is
// returned to the retry machinery.
func (p *MediaProcessor) failProcessing(ctx context.Context, jobID string, mediaID int64, err error) error {
	p.notifyMedia(ctx, mediaID, jobID, "processing_failed", map[string]any{"error": err.Error()})
	p.trigger(ctx, webhooks.EventMediaFailed, map[string]any{
		"task_id":  jobID,
		"media_id": mediaID,
		"error":    err.Error(),
	})
	p.log.Error().Err(err).Int64("media_id", mediaID).Msg("media processing failed")
	return err
}

// verifyImage confirms the blob parses as a supported image before any
// operation runs.
func (p *MediaProcessor) verifyImage(ctx context.Context, filePath string) error {
	rc, err := p.store.Open(ctx, filePath)
	if err != nil {
		return fmt.Errorf("open media blob: %w", err)
	}
	defer rc.Close()
	if _, _, err := image.DecodeConfig(rc); err != nil {
		return fmt.Errorf("file is not a valid image: %w", err)
	}
	return nil
}

func (p *MediaProcessor) decode(ctx context.Context, filePath string) (image.Image, string, error) {
	rc, err := p.store.Open(ctx, filePath)
	if err != nil {
		return nil, "", fmt.Errorf("open media blob: %w", err)
	}
	defer rc.Close()
	img, format, err := image.Decode(rc)
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

func (p *MediaProcessor) read(ctx context.Context, filePath string) ([]byte, error) {
	rc, err := p.store.Open(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("open media blob: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read media blob: %w", err)
	}
	return data, nil
}

func (p *MediaProcessor) setProgress(ctx context.Context, jobID string, pct int) {
	if p.progress == nil {
		return
	}
	update := progressUpdate{
		Status:    "processing",
		Progress:  pct,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := p.progress.SetProgress(ctx, jobID, update); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("progress update failed")
	}
}

// notifyMedia surfaces processing updates on the media channel, scoped to
// the media id's notification subject.
func (p *MediaProcessor) notifyMedia(ctx context.Context, mediaID int64, jobID, event string, data any) {
	if p.notify == nil {
		return
	}
	p.notify.TaskNotification(ctx, "media", strconv.FormatInt(mediaID, 10), jobID, event, data)
}

func (p *MediaProcessor) trigger(ctx context.Context, event string, data any) {
	if p.events == nil {
		return
	}
	p.events.Trigger(ctx, event, data)
}

// fitWithin shrinks (never grows) w x h to fit inside maxW x maxH while
// keeping the aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	return tw, th
}

// scaleOnWhite resamples src to w x h over a white background, which is how
// transparency survives a JPEG encode.
func scaleOnWhite(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// scaleKeepAlpha resamples src to w x h preserving transparency for formats
// that carry it.
func scaleKeepAlpha(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
