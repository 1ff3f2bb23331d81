package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"live-assets/internal/media"
	"live-assets/internal/store"
)

// Catalog is one remote content catalog. Keys lists the bundles whose stored
// copies become stale when the catalog changes.
type Catalog struct {
	Name    string
	Version string
	Keys    []string
}

// CatalogSource lists the catalogs currently published by the content
// server. The wire format belongs to the implementation.
type CatalogSource interface {
	Catalogs(ctx context.Context) ([]Catalog, error)
}

// RemoteConfig configures a Remote backend.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client // Optional, overrides Timeout
}

// Remote fetches bundles over HTTP into a persistent store and decodes them
// from there. Loads of bundles not yet downloaded fetch them first.
type Remote struct {
	base   *url.URL
	client *http.Client
	store  *store.Store
	source CatalogSource
	decode Decoder
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]Catalog // newer catalogs found by the last check
}

// NewRemote creates a remote backend. source may be nil, in which case no
// catalog updates are ever reported.
func NewRemote(cfg RemoteConfig, st *store.Store, source CatalogSource, decode Decoder, logger *zap.Logger) (*Remote, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("remote base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if decode == nil {
		decode = media.Decode
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remote{
		base:    base,
		client:  client,
		store:   st,
		source:  source,
		decode:  decode,
		logger:  logger.Named("remote"),
		pending: make(map[string]Catalog),
	}, nil
}

func (r *Remote) url(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	ref := &url.URL{Path: clean}
	return r.base.ResolveReference(ref).String(), nil
}

// LoadAsync decodes key from the store, downloading it first if needed.
func (r *Remote) LoadAsync(ctx context.Context, key string) (any, error) {
	data, err := r.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		if err := r.DownloadDependencies(ctx, key, nil); err != nil {
			return nil, err
		}
		data, err = r.store.Get(key)
	}
	if err != nil {
		return nil, err
	}
	return r.decode(key, data)
}

// Release closes payloads that hold resources. Stored bytes are kept.
func (r *Remote) Release(key string, payload any) {
	if c, ok := payload.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("payload close failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// DownloadSize returns the bytes still to fetch for key: zero when the
// bundle is stored, otherwise the server's Content-Length.
func (r *Remote) DownloadSize(ctx context.Context, key string) (int64, error) {
	if r.store.Has(key) {
		return 0, nil
	}
	u, err := r.url(key)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("size of %q: HTTP %d", key, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return 1, nil // unknown but non-empty
	}
	return resp.ContentLength, nil
}

// DownloadDependencies fetches key into the store, reporting progress as a
// fraction of Content-Length when the server sends one.
func (r *Remote) DownloadDependencies(ctx context.Context, key string, progress func(fraction float64)) error {
	u, err := r.url(key)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %q: HTTP %d", key, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if progress != nil && resp.ContentLength > 0 {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, report: progress}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("fetch %q: %w", key, err)
	}

	if err := r.store.Put(key, data, resp.Header.Get("ETag")); err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	if progress != nil {
		progress(1)
	}

	r.logger.Debug("bundle downloaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// CheckCatalogUpdates returns the names of catalogs whose published version
// is newer than the applied one. Catalogs never applied count as newer.
// Versions that are not valid semver are skipped.
func (r *Remote) CheckCatalogUpdates(ctx context.Context) ([]string, error) {
	if r.source == nil {
		return nil, nil
	}
	catalogs, err := r.source.Catalogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalogs: %w", err)
	}

	var names []string
	found := make(map[string]Catalog)
	for _, c := range catalogs {
		published, err := semver.NewVersion(c.Version)
		if err != nil {
			r.logger.Warn("catalog version invalid", zap.String("catalog", c.Name), zap.String("version", c.Version))
			continue
		}

		applied, err := r.store.CatalogVersion(c.Name)
		if err == nil {
			if v, perr := semver.NewVersion(applied); perr == nil && !published.GreaterThan(v) {
				continue
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		names = append(names, c.Name)
		found[c.Name] = c
	}
	sort.Strings(names)

	r.mu.Lock()
	r.pending = found
	r.mu.Unlock()
	return names, nil
}

// ApplyCatalogUpdates records the versions found by the last check and drops
// stored bundles of the updated catalogs so they are fetched again.
func (r *Remote) ApplyCatalogUpdates(_ context.Context, names []string) error {
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()

	var err error
	for _, name := range names {
		c, ok := pending[name]
		if !ok {
			err = multierr.Append(err, fmt.Errorf("catalog %q was not reported by the last check", name))
			continue
		}
		for _, key := range c.Keys {
			if derr := r.store.Delete(key); derr != nil {
				err = multierr.Append(err, derr)
			}
		}
		if serr := r.store.SetCatalogVersion(name, c.Version); serr != nil {
			err = multierr.Append(err, serr)
			continue
		}
		r.logger.Info("catalog applied", zap.String("catalog", name), zap.String("version", c.Version))
	}
	return err
}

// Close closes the bundle store.
func (r *Remote) Close() error {
	return r.store.Close()
}

type progressReader struct {
	r      io.Reader
	read   int64
	total  int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.read < p.total {
			p.report(float64(p.read) / float64(p.total))
		}
	}
	return n, err
}
