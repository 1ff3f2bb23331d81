// Package backend implements asset backends: a local directory of packaged
// assets and a remote content server with a persistent bundle store.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"live-assets/internal/media"
)

// ErrInvalidKey is returned for keys that escape the asset root.
var ErrInvalidKey = errors.New("backend: invalid key")

// Decoder turns bundle bytes into a payload.
type Decoder func(key string, data []byte) (any, error)

// Local serves assets from a directory. Keys are slash-separated paths
// relative to the root; a key without extension matches the first file
// named key.*.
type Local struct {
	root   string
	decode Decoder
	logger *zap.Logger
}

// NewLocal creates a backend rooted at dir. A nil decoder uses media.Decode.
func NewLocal(dir string, decode Decoder, logger *zap.Logger) *Local {
	if decode == nil {
		decode = media.Decode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{root: dir, decode: decode, logger: logger.Named("local")}
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

// resolve maps key to a file under the root.
func (l *Local) resolve(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.root, filepath.FromSlash(clean))
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if path.Ext(clean) == "" {
		matches, _ := filepath.Glob(p + ".*")
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("asset %q: %w", key, fs.ErrNotExist)
}

// LoadAsync reads and decodes key.
func (l *Local) LoadAsync(ctx context.Context, key string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("asset read", zap.String("key", key), zap.Int("bytes", len(data)))
	if path.Ext(key) == "" {
		key += filepath.Ext(p)
	}
	return l.decode(key, data)
}

// Release drops a payload. Payloads holding OS resources are closed.
func (l *Local) Release(key string, payload any) {
	if c, ok := payload.(io.Closer); ok {
		if err := c.Close(); err != nil {
			l.logger.Warn("payload close failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// DownloadSize is always zero: local content is already present. Unknown
// keys fail.
func (l *Local) DownloadSize(_ context.Context, key string) (int64, error) {
	if _, err := l.resolve(key); err != nil {
		return 0, err
	}
	return 0, nil
}

// DownloadDependencies reports completion for any existing key.
func (l *Local) DownloadDependencies(ctx context.Context, key string, progress func(fraction float64)) error {
	if _, err := l.DownloadSize(ctx, key); err != nil {
		return err
	}
	if progress != nil {
		progress(1)
	}
	return nil
}

// CheckCatalogUpdates never finds updates for local content.
func (l *Local) CheckCatalogUpdates(context.Context) ([]string, error) { return nil, nil }

// ApplyCatalogUpdates is a no-op.
func (l *Local) ApplyCatalogUpdates(context.Context, []string) error { return nil }
