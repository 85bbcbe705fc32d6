// Package storage stores and retrieves media blobs. The local backend
// organizes files under the media root by upload date and keeps every
// stored path relative, so records stay portable across hosts. An S3
// backend can sit behind the same interface; selecting it without a wired
// client is a startup error rather than a silent fallback.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
)

// ErrInvalidPath rejects stored paths that would escape the media root.
var ErrInvalidPath = errors.New("storage: path escapes media root")

// BlobStore is the handler-facing contract for media blobs. Paths returned
// by Save are relative, forward-slash separated, and must be passed back
// verbatim to Open and Delete.
type BlobStore interface {
	Save(ctx context.Context, name string, r io.Reader) (string, int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// Info describes the active backend for the stats endpoint.
type Info struct {
	Backend     string `json:"backend"`
	MediaFolder string `json:"media_folder,omitempty"`
	Bucket      string `json:"bucket_name,omitempty"`
	Endpoint    string `json:"endpoint_url,omitempty"`
}

// Local is the filesystem backend. Blobs live at
// <root>/YYYY/MM/DD/<uuid><ext>.
type Local struct {
	root string
	log  zerolog.Logger
	now  func() time.Time
}

// NewStore selects the backend from configuration.
func NewStore(cfg config.Settings, log zerolog.Logger) (*Local, error) {
	if cfg.UseS3 {
		return nil, fmt.Errorf("storage: USE_S3 is set but this build carries no S3 client")
	}
	return NewLocal(cfg.MediaFolder, log)
}

// NewLocal builds the filesystem backend, creating the media root.
func NewLocal(root string, log zerolog.Logger) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root %s: %w", abs, err)
	}
	l := &Local{
		root: abs,
		log:  log.With().Str("subsystem", "storage").Logger(),
		now:  time.Now,
	}
	l.log.Info().Str("root", abs).Msg("local storage initialized")
	return l, nil
}

// Save stores the blob under a fresh date-organized path. Only the
// extension of name survives; the rest is replaced by a uuid, which also
// defuses traversal attempts in client-supplied filenames.
func (l *Local) Save(ctx context.Context, name string, r io.Reader) (string, int64, error) {
	ext := filepath.Ext(filepath.Base(name))
	rel := path.Join(l.now().UTC().Format("2006/01/02"), uuid.NewString()+ext)

	size, err := l.write(rel, r)
	if err != nil {
		return "", 0, fmt.Errorf("save %s: %w", name, err)
	}
	l.log.Debug().Str("path", rel).Int64("size", size).Msg("blob stored")
	return rel, size, nil
}

// Open returns the blob at p for reading. Missing blobs report
// fs.ErrNotExist through the wrapped error.
func (l *Local) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := l.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Write stores the blob at the exact path p, overwriting any previous
// content. Job handlers use it to place derived artifacts next to their
// source blob.
func (l *Local) Write(ctx context.Context, p string, r io.Reader) (int64, error) {
	size, err := l.write(p, r)
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", p, err)
	}
	return size, nil
}

// Delete removes the blob at p and prunes date directories it leaves
// empty.
func (l *Local) Delete(ctx context.Context, p string) error {
	full, err := l.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	for dir := filepath.Dir(full); dir != l.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break // not empty or already gone
		}
	}
	l.log.Debug().Str("path", p).Msg("blob deleted")
	return nil
}

// Exists reports whether a blob is present at p.
func (l *Local) Exists(ctx context.Context, p string) bool {
	full, err := l.resolve(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// Info describes this backend.
func (l *Local) Info() Info {
	return Info{Backend: "local", MediaFolder: l.root}
}

// Root returns the absolute media root.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) write(rel string, r io.Reader) (int64, error) {
	full, err := l.resolve(rel)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(full)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return 0, err
	}
	return size, nil
}

// resolve maps a stored relative path onto the media root, rejecting
// absolute paths and any form of parent traversal.
func (l *Local) resolve(p string) (string, error) {
	clean := path.Clean(p)
	if clean == "." || clean == ".." || path.IsAbs(clean) || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	full := filepath.Join(l.root, filepath.FromSlash(clean))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return full, nil
}

// Derived rewrites a stored path for an artifact produced from it:
// the suffix lands before the extension and newExt, when non-empty,
// replaces the extension. Derived("a/b.png", "_thumb", ".jpg") is
// "a/b_thumb.jpg".
func Derived(p, suffix, newExt string) string {
	ext := path.Ext(p)
	if newExt == "" {
		newExt = ext
	}
	return strings.TrimSuffix(p, ext) + suffix + newExt
}
