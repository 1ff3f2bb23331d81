// Package store persists downloaded asset bundles in BadgerDB.
//
// Key layout:
//
//	b/{key}      bundle bytes
//	m/{key}      JSON Meta for the bundle
//	c/{catalog}  applied catalog version
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

const (
	bundlePrefix  = "b/"
	metaPrefix    = "m/"
	catalogPrefix = "c/"
)

// Meta describes one stored bundle.
type Meta struct {
	Key      string    `json:"key"`
	Version  string    `json:"version,omitempty"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// Options configures Open.
type Options struct {
	Path     string // Ignored when InMemory is set
	InMemory bool
	Logger   *zap.Logger
}

// Store is a bundle store on top of a badger database.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	closed atomic.Bool

	reads  atomic.Int64
	writes atomic.Int64
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLogger(&badgerLogger{logger.Sugar()})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open bundle store: %w", err)
	}

	logger.Info("bundle store opened", zap.String("path", opts.Path), zap.Bool("in_memory", opts.InMemory))
	return &Store{db: db, logger: logger}, nil
}

// Put stores a bundle and its metadata in one transaction.
func (s *Store) Put(key string, data []byte, version string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	meta, err := json.Marshal(Meta{
		Key:      key,
		Version:  version,
		Size:     int64(len(data)),
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(bundlePrefix+key), data); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+key), meta)
	})
	if err == nil {
		s.writes.Add(1)
	}
	return err
}

// Get returns a copy of the bundle bytes.
func (s *Store) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(bundlePrefix + key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	s.reads.Add(1)
	return out, convertError(err)
}

// Has reports whether a bundle is stored for key.
func (s *Store) Has(key string) bool {
	if s.closed.Load() {
		return false
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(bundlePrefix + key))
		return err
	})
	return err == nil
}

// Meta returns the metadata stored with key.
func (s *Store) Meta(key string) (Meta, error) {
	var m Meta
	if s.closed.Load() {
		return m, ErrClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	return m, convertError(err)
}

// Delete removes a bundle and its metadata.
func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(bundlePrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(metaPrefix + key))
	})
}

// Keys lists stored bundle keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(bundlePrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), bundlePrefix))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// SetCatalogVersion records the version applied for catalog.
func (s *Store) SetCatalogVersion(catalog, version string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(catalogPrefix+catalog), []byte(version))
	})
}

// CatalogVersion returns the applied version of catalog, or ErrNotFound.
func (s *Store) CatalogVersion(catalog string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	var v []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(catalogPrefix + catalog))
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return string(v), convertError(err)
}

// RunGC reclaims value log space until badger reports nothing to collect.
func (s *Store) RunGC(discardRatio float64) {
	if s.closed.Load() {
		return
	}
	for s.db.RunValueLogGC(discardRatio) == nil {
	}
}

// Stats holds store counters
type Stats struct {
	Reads  int64 `json:"reads"`
	Writes int64 `json:"writes"`
	LSM    int64 `json:"lsmBytes"`
	VLog   int64 `json:"vlogBytes"`
}

// Stats returns store counters and on-disk sizes.
func (s *Store) Stats() Stats {
	st := Stats{Reads: s.reads.Load(), Writes: s.writes.Load()}
	if !s.closed.Load() {
		st.LSM, st.VLog = s.db.Size()
	}
	return st
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.logger.Info("bundle store closed")
	return s.db.Close()
}

func convertError(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// badgerLogger routes badger's internal logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
