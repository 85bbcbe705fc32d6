package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/models"
	"github.com/pulseframe/pulseframe/internal/queue"
)

// memStore keeps blobs in a map, standing in for the local blob store.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (s *memStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Write(_ context.Context, path string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = data
	return int64(len(data)), nil
}

func (s *memStore) get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	return data, ok
}

type notification struct {
	kind   string
	entity string
	event  string
	jobID  string
	data   any
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []notification
}

func (n *captureNotifier) TaskNotification(_ context.Context, kind, entityID, jobID, event string, data any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{kind: kind, entity: entityID, event: event, jobID: jobID, data: data})
}

func (n *captureNotifier) eventNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.event)
	}
	return out
}

func (n *captureNotifier) find(event string) (notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.notes {
		if note.event == event {
			return note, true
		}
	}
	return notification{}, false
}

func (n *captureNotifier) count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, note := range n.notes {
		if note.event == event {
			total++
		}
	}
	return total
}

type captureProgress struct {
	mu      sync.Mutex
	updates []int
}

func (p *captureProgress) SetProgress(_ context.Context, _ string, progress any) error {
	update, ok := progress.(progressUpdate)
	if !ok {
		return fmt.Errorf("unexpected progress payload %T", progress)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update.Progress)
	return nil
}

func (p *captureProgress) values() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.updates...)
}

type sinkEvent struct {
	name string
	data map[string]any
}

type captureSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *captureSink) Trigger(_ context.Context, event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, _ := data.(map[string]any)
	s.events = append(s.events, sinkEvent{name: event, data: payload})
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.name)
	}
	return out
}

type capturedPatch struct {
	id        int64
	patch     models.MediaUpdate
	broadcast bool
}

type captureUpdater struct {
	mu      sync.Mutex
	patches []capturedPatch
	err     error
}

func (u *captureUpdater) Update(_ context.Context, id int64, patch models.MediaUpdate, broadcast bool) (models.MediaOut, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return models.MediaOut{}, u.err
	}
	u.patches = append(u.patches, capturedPatch{id: id, patch: patch, broadcast: broadcast})
	return models.MediaOut{ID: id}, nil
}

func (u *captureUpdater) all() []capturedPatch {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]capturedPatch(nil), u.patches...)
}

func newJob(t *testing.T, id, function string, args any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &queue.Job{ID: id, Function: function, Args: raw}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 251), G: uint8(y % 241), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8((x + y) % 251), G: 120, B: uint8(y % 241), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (string, int, int) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return format, cfg.Width, cfg.Height
}

type mediaFixture struct {
	store    *memStore
	notes    *captureNotifier
	progress *captureProgress
	sink     *captureSink
	updater  *captureUpdater
	proc     *MediaProcessor
}

func newMediaFixture() *mediaFixture {
	f := &mediaFixture{
		store:    newMemStore(),
		notes:    &captureNotifier{},
		progress: &captureProgress{},
		sink:     &captureSink{},
		updater:  &captureUpdater{},
	}
	f.proc = NewMediaProcessor(f.store, f.updater, f.notes, f.progress, f.sink, zerolog.Nop())
	return f
}

func TestGenerateThumbnailScalesToFit(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["2025/06/01/photo.jpg"] = encodeJPEG(t, 800, 600)

	job := newJob(t, "job-1", FunctionGenerateThumbnail, ThumbnailArgs{
		MediaID:  42,
		FilePath: "2025/06/01/photo.jpg",
	})
	out, err := f.proc.GenerateThumbnail(context.Background(), job)
	require.NoError(t, err)

	res, ok := out.(*ThumbnailResult)
	require.True(t, ok)
	assert.Equal(t, int64(42), res.MediaID)
	assert.Equal(t, "2025/06/01/photo_thumb.jpg", res.ThumbnailPath)
	assert.Equal(t, [2]int{300, 225}, res.ThumbnailSize)
	assert.Equal(t, [2]int{800, 600}, res.OriginalSize)

	data, ok := f.store.get(res.ThumbnailPath)
	require.True(t, ok)
	format, w, h := decodeDims(t, data)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 300, w)
	assert.Equal(t, 225, h)

	note, ok := f.notes.find("thumbnail_generated")
	require.True(t, ok)
	assert.Equal(t, "media", note.kind)
	assert.Equal(t, "42", note.entity)
	assert.Equal(t, "job-1", note.jobID)

	assert.Equal(t, []int{10, 30, 60, 90}, f.progress.values())
}

func TestGenerateThumbnailNeverUpscales(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["tiny.png"] = encodePNG(t, 100, 80)

	job := newJob(t, "job-2", FunctionGenerateThumbnail, ThumbnailArgs{
		MediaID:  1,
		FilePath: "tiny.png",
	})
	out, err := f.proc.GenerateThumbnail(context.Background(), job)
	require.NoError(t, err)

	res := out.(*ThumbnailResult)
	assert.Equal(t, [2]int{100, 80}, res.ThumbnailSize)

	data, ok := f.store.get("tiny_thumb.jpg")
	require.True(t, ok)
	format, w, h := decodeDims(t, data)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, w)
	assert.Equal(t, 80, h)
}

func TestGenerateThumbnailMissingBlob(t *testing.T) {
	f := newMediaFixture()

	job := newJob(t, "job-3", FunctionGenerateThumbnail, ThumbnailArgs{
		MediaID:  5,
		FilePath: "gone.jpg",
	})
	_, err := f.proc.GenerateThumbnail(context.Background(), job)
	require.Error(t, err)

	note, ok := f.notes.find("thumbnail_failed")
	require.True(t, ok)
	assert.Equal(t, "media", note.kind)
	assert.Equal(t, "5", note.entity)
}

func TestOptimizeImageReencodesInPlace(t *testing.T) {
	f := newMediaFixture()
	original := encodePNG(t, 120, 90)
	f.store.blobs["pic.png"] = original

	job := newJob(t, "job-4", FunctionOptimizeImage, OptimizeArgs{
		MediaID:  9,
		FilePath: "pic.png",
	})
	out, err := f.proc.OptimizeImage(context.Background(), job)
	require.NoError(t, err)

	res := out.(*OptimizeResult)
	assert.Equal(t, int64(9), res.MediaID)
	assert.Equal(t, int64(len(original)), res.OriginalSizeBytes)
	assert.Equal(t, [2]int{120, 90}, res.Dimensions)

	data, ok := f.store.get("pic.png")
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), res.OptimizedSizeBytes)
	format, w, h := decodeDims(t, data)
	assert.Equal(t, "png", format)
	assert.Equal(t, 120, w)
	assert.Equal(t, 90, h)

	_, ok = f.notes.find("image_optimized")
	assert.True(t, ok)
}

func TestOptimizeImageShrinksOversized(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["wide.jpg"] = encodeJPEG(t, 2100, 50)

	job := newJob(t, "job-5", FunctionOptimizeImage, OptimizeArgs{
		MediaID:  3,
		FilePath: "wide.jpg",
	})
	out, err := f.proc.OptimizeImage(context.Background(), job)
	require.NoError(t, err)

	res := out.(*OptimizeResult)
	assert.Equal(t, [2]int{2048, 49}, res.Dimensions)

	data, _ := f.store.get("wide.jpg")
	format, w, h := decodeDims(t, data)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 2048, w)
	assert.Equal(t, 49, h)
}

func TestOptimizeImageRejectsGarbage(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["junk.bin"] = []byte("definitely not an image")

	job := newJob(t, "job-6", FunctionOptimizeImage, OptimizeArgs{
		MediaID:  2,
		FilePath: "junk.bin",
	})
	_, err := f.proc.OptimizeImage(context.Background(), job)
	require.Error(t, err)

	_, ok := f.notes.find("optimization_failed")
	assert.True(t, ok)
}

func TestProcessMediaRunsPipelineAndPatchesRow(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["2025/06/01/upload.jpg"] = encodeJPEG(t, 640, 480)

	job := newJob(t, "job-7", FunctionProcessMedia, ProcessMediaArgs{
		MediaID:  7,
		FilePath: "2025/06/01/upload.jpg",
	})
	out, err := f.proc.ProcessMedia(context.Background(), job)
	require.NoError(t, err)

	res, ok := out.(*ProcessResult)
	require.True(t, ok)
	assert.Equal(t, int64(7), res.MediaID)
	require.Contains(t, res.Operations, "thumbnail")
	require.Contains(t, res.Operations, "optimize")

	thumb := res.Operations["thumbnail"].(*ThumbnailResult)
	assert.Equal(t, "2025/06/01/upload_thumb.jpg", thumb.ThumbnailPath)
	_, stored := f.store.get(thumb.ThumbnailPath)
	assert.True(t, stored)

	opt := res.Operations["optimize"].(*OptimizeResult)
	patches := f.updater.all()
	require.Len(t, patches, 1)
	assert.Equal(t, int64(7), patches[0].id)
	require.NotNil(t, patches[0].patch.FileSize)
	assert.Equal(t, opt.OptimizedSizeBytes, *patches[0].patch.FileSize)
	assert.True(t, patches[0].broadcast)

	assert.Equal(t, []int{5, 20, 50, 95}, f.progress.values())

	note, ok := f.notes.find("media_processed")
	require.True(t, ok)
	assert.Equal(t, "media", note.kind)
	assert.Equal(t, "7", note.entity)
	assert.Contains(t, f.notes.eventNames(), "thumbnail_generated")
	assert.Contains(t, f.notes.eventNames(), "image_optimized")

	assert.Equal(t, []string{"media.processed"}, f.sink.names())
}

func TestProcessMediaThumbnailOnlySkipsRowPatch(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["a.png"] = encodePNG(t, 50, 50)

	job := newJob(t, "job-8", FunctionProcessMedia, ProcessMediaArgs{
		MediaID:    8,
		FilePath:   "a.png",
		Operations: []string{"thumbnail"},
	})
	out, err := f.proc.ProcessMedia(context.Background(), job)
	require.NoError(t, err)

	res := out.(*ProcessResult)
	assert.Contains(t, res.Operations, "thumbnail")
	assert.NotContains(t, res.Operations, "optimize")
	assert.Empty(t, f.updater.all())
}

func TestProcessMediaRejectsNonImage(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["evil.exe"] = []byte{0x4d, 0x5a, 0x90, 0x00}

	job := newJob(t, "job-9", FunctionProcessMedia, ProcessMediaArgs{
		MediaID:  11,
		FilePath: "evil.exe",
	})
	_, err := f.proc.ProcessMedia(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid image")

	note, ok := f.notes.find("processing_failed")
	require.True(t, ok)
	assert.Equal(t, "media", note.kind)
	assert.Equal(t, "11", note.entity)
	assert.Equal(t, []string{"media.failed"}, f.sink.names())
}

func TestProcessMediaUnknownOperation(t *testing.T) {
	f := newMediaFixture()
	f.store.blobs["b.png"] = encodePNG(t, 40, 40)

	job := newJob(t, "job-10", FunctionProcessMedia, ProcessMediaArgs{
		MediaID:    4,
		FilePath:   "b.png",
		Operations: []string{"rotate"},
	})
	_, err := f.proc.ProcessMedia(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown operation "rotate"`)

	_, ok := f.notes.find("processing_failed")
	assert.True(t, ok)
}

func TestProcessMediaRowPatchFailureIsNotFatal(t *testing.T) {
	f := newMediaFixture()
	f.updater.err = errors.New("db down")
	f.store.blobs["c.jpg"] = encodeJPEG(t, 60, 60)

	job := newJob(t, "job-11", FunctionProcessMedia, ProcessMediaArgs{
		MediaID:  6,
		FilePath: "c.jpg",
	})
	out, err := f.proc.ProcessMedia(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, out)

	_, ok := f.notes.find("media_processed")
	assert.True(t, ok)
}

func TestFitWithin(t *testing.T) {
	cases := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{800, 600, 300, 300, 300, 225},
		{600, 800, 300, 300, 225, 300},
		{100, 80, 300, 300, 100, 80},
		{2100, 50, 2048, 2048, 2048, 49},
		{1, 4000, 300, 300, 1, 300},
	}
	for _, tc := range cases {
		gotW, gotH := fitWithin(tc.w, tc.h, tc.maxW, tc.maxH)
		assert.Equal(t, tc.wantW, gotW, "width for %dx%d", tc.w, tc.h)
		assert.Equal(t, tc.wantH, gotH, "height for %dx%d", tc.w, tc.h)
	}
}
