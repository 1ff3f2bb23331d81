package assets

import (
	"context"
	"errors"

	"live-assets/internal/download"
	"live-assets/internal/handle"
)

var (
	// ErrNotInitialized is returned by operations invoked before Init or
	// after Shutdown.
	ErrNotInitialized = errors.New("assets: manager not initialized")
	// ErrTypeMismatch is returned by LoadAs when the payload has a different
	// type than requested.
	ErrTypeMismatch = errors.New("assets: payload type mismatch")
	// ErrNotLoaded is returned by Instantiate for keys without a loaded
	// payload.
	ErrNotLoaded = errors.New("assets: key not loaded")
)

// Backend loads, releases and downloads packaged assets. Every method may
// block and may fail.
type Backend interface {
	handle.Loader
	download.Downloader

	// CheckCatalogUpdates lists catalogs with newer content.
	CheckCatalogUpdates(ctx context.Context) ([]string, error)
	// ApplyCatalogUpdates switches to the given catalogs.
	ApplyCatalogUpdates(ctx context.Context, catalogs []string) error
}

// Events receives notifications for the scene and content layer. Methods are
// called from background goroutines and must not block.
type Events interface {
	OnDownloadProgress(key string, fraction float64)
	OnDownloadComplete(key string, ok bool)
	OnLoadError(key string, err error)
	OnMemoryWarning(status MemoryStatus)
}

// NopEvents discards every event.
type NopEvents struct{}

func (NopEvents) OnDownloadProgress(string, float64) {}
func (NopEvents) OnDownloadComplete(string, bool)    {}
func (NopEvents) OnLoadError(string, error)          {}
func (NopEvents) OnMemoryWarning(MemoryStatus)       {}

type multiEvents []Events

// MultiEvents fans every event out to each of sinks in order.
func MultiEvents(sinks ...Events) Events {
	out := make(multiEvents, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiEvents) OnDownloadProgress(key string, fraction float64) {
	for _, s := range m {
		s.OnDownloadProgress(key, fraction)
	}
}

func (m multiEvents) OnDownloadComplete(key string, ok bool) {
	for _, s := range m {
		s.OnDownloadComplete(key, ok)
	}
}

func (m multiEvents) OnLoadError(key string, err error) {
	for _, s := range m {
		s.OnLoadError(key, err)
	}
}

func (m multiEvents) OnMemoryWarning(status MemoryStatus) {
	for _, s := range m {
		s.OnMemoryWarning(status)
	}
}
