package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/config"
)

func newTestStore(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func TestSaveOrganizesByDate(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p, size, err := l.Save(ctx, "photo.PNG", strings.NewReader("image-bytes"))
	require.NoError(t, err)
	assert.EqualValues(t, len("image-bytes"), size)
	assert.True(t, strings.HasPrefix(p, "2025/06/01/"), "path %q should be date organized", p)
	assert.True(t, strings.HasSuffix(p, ".PNG"), "path %q should keep the extension", p)
	assert.True(t, l.Exists(ctx, p))
}

func TestSaveDefusesHostileFilename(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p, _, err := l.Save(ctx, "../../../etc/passwd.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, "2025/06/01/"))

	full := filepath.Join(l.Root(), filepath.FromSlash(p))
	_, err = os.Stat(full)
	assert.NoError(t, err, "blob must land inside the media root")
}

func TestOpenRoundTrip(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p, _, err := l.Save(ctx, "doc.txt", strings.NewReader("hello world"))
	require.NoError(t, err)

	rc, err := l.Open(ctx, p)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestOpenMissingBlob(t *testing.T) {
	l := newTestStore(t)

	_, err := l.Open(context.Background(), "2025/06/01/nope.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestTraversalRejected(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"../secret", "a/../../b", "/etc/passwd", ".."} {
		_, err := l.Open(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidPath, "open %q", p)
		assert.ErrorIs(t, l.Delete(ctx, p), ErrInvalidPath, "delete %q", p)
		assert.False(t, l.Exists(ctx, p))
	}
}

func TestWritePlacesDerivedArtifact(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p, _, err := l.Save(ctx, "photo.png", strings.NewReader("original"))
	require.NoError(t, err)

	thumb := Derived(p, "_thumb", ".jpg")
	size, err := l.Write(ctx, thumb, strings.NewReader("thumbnail"))
	require.NoError(t, err)
	assert.EqualValues(t, len("thumbnail"), size)

	rc, err := l.Open(ctx, thumb)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "thumbnail", string(data))

	// Overwrite in place.
	_, err = l.Write(ctx, p, strings.NewReader("optimized"))
	require.NoError(t, err)
	rc2, err := l.Open(ctx, p)
	require.NoError(t, err)
	defer rc2.Close()
	data, _ = io.ReadAll(rc2)
	assert.Equal(t, "optimized", string(data))
}

func TestDeletePrunesEmptyDateDirs(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p, _, err := l.Save(ctx, "doc.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, p))
	assert.False(t, l.Exists(ctx, p))

	// The whole 2025/06/01 chain was empty and should be gone.
	_, err = os.Stat(filepath.Join(l.Root(), "2025"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
	_, err = os.Stat(l.Root())
	assert.NoError(t, err, "media root must survive")
}

func TestDeleteKeepsPopulatedDirs(t *testing.T) {
	l := newTestStore(t)
	ctx := context.Background()

	p1, _, err := l.Save(ctx, "a.txt", strings.NewReader("a"))
	require.NoError(t, err)
	p2, _, err := l.Save(ctx, "b.txt", strings.NewReader("b"))
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, p1))
	assert.True(t, l.Exists(ctx, p2))
}

func TestDerived(t *testing.T) {
	assert.Equal(t, "a/b_thumb.jpg", Derived("a/b.png", "_thumb", ".jpg"))
	assert.Equal(t, "a/b_thumb.png", Derived("a/b.png", "_thumb", ""))
	assert.Equal(t, "noext_thumb.jpg", Derived("noext", "_thumb", ".jpg"))
}

func TestNewStoreRejectsUnwiredS3(t *testing.T) {
	cfg := config.Defaults()
	cfg.UseS3 = true
	cfg.MediaFolder = t.TempDir()

	_, err := NewStore(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USE_S3")
}

func TestInfo(t *testing.T) {
	l := newTestStore(t)
	info := l.Info()
	assert.Equal(t, "local", info.Backend)
	assert.Equal(t, l.Root(), info.MediaFolder)
}
