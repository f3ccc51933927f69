// Package models implements the Model Catalog (§4.H): a hot-reloadable
// list of model ids the dialect handlers use to answer /v1/models and
// /v1beta/models, and against which the Request Pipeline can validate
// an inbound model id before ever touching the Browser Fleet.
//
// Grounded in the teacher's internal/provider/models.go singleton +
// fsnotify watcher pattern, adapted from a YAML provider-credentials
// document to the plain JSON model list SPEC_FULL.md's persistent
// state layout calls for (configs/models.json).
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nebloop/fleetbridge/internal/logging"
)

// Model is one catalog entry.
type Model struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	ContextWindow int    `json:"contextWindow"`
	Family        string `json:"family"`
}

// Catalog is the JSON document persisted at configs/models.json.
type Catalog struct {
	UpdatedAt string  `json:"updatedAt"`
	Models    []Model `json:"models"`
}

// Lookup reports whether id names a known model.
func (c *Catalog) Lookup(id string) (Model, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Store is a hot-reloading singleton view over configs/models.json.
type Store struct {
	mu   sync.RWMutex
	path string
	cat  *Catalog

	watcher   *fsnotify.Watcher
	callbacks []func(*Catalog)
	cbMu      sync.Mutex
}

// New loads path once, synchronously, and returns a Store ready to
// serve Get(). Call Watch separately to start hot-reloading.
func New(path string) *Store {
	s := &Store{path: path}
	s.cat = s.load()
	return s
}

// Get returns the current catalog. Safe for concurrent use.
func (s *Store) Get() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cat
}

// OnReload registers a callback invoked after every successful reload.
func (s *Store) OnReload(cb func(*Catalog)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Reload re-reads the catalog file immediately. A parse failure logs
// and leaves the last-good catalog in place.
func (s *Store) Reload() {
	next := s.load()
	if next == nil {
		return
	}
	s.mu.Lock()
	s.cat = next
	s.mu.Unlock()

	s.cbMu.Lock()
	cbs := make([]func(*Catalog), len(s.callbacks))
	copy(cbs, s.callbacks)
	s.cbMu.Unlock()
	for _, cb := range cbs {
		cb(next)
	}
}

func (s *Store) load() *Catalog {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{UpdatedAt: "", Models: nil}
		}
		logging.Warnf("models: reading %s: %v", s.path, err)
		return s.Get()
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		logging.Warnf("models: parsing %s: %v, keeping last-good catalog", s.path, err)
		if s.cat != nil {
			return s.cat
		}
		return &Catalog{}
	}
	return &cat
}

// Save writes cat to disk as the new configs/models.json, stamping
// UpdatedAt, and updates the in-memory catalog immediately (the
// watcher's own reload on the resulting write event is a harmless
// no-op since the content is unchanged).
func (s *Store) Save(cat *Catalog) error {
	cat.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}
	s.mu.Lock()
	s.cat = cat
	s.mu.Unlock()
	return nil
}

// Watch starts a background fsnotify watcher on the catalog's
// directory, debouncing bursty editor writes by 100ms before
// reloading, matching the teacher's config-watcher behavior.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("models: creating watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("models: watching %s: %w", dir, err)
	}
	s.watcher = watcher

	target := filepath.Base(s.path)
	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, s.Reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("models: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}
