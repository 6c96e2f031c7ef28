// Package spool ingests mutation tickets from a watched drop directory.
// Local tooling (POS terminals, back-office scripts) writes a JSON or
// YAML file describing one mutation; the watcher parses it, hands it to
// the sync engine, and files it under processed/ or rejected/.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	processedDir = "processed"
	rejectedDir  = "rejected"

	// settleAfter is how long a ticket file must be quiet before it is
	// read, so half-written files are not picked up.
	settleAfter = 300 * time.Millisecond
)

// Ticket is the on-disk shape of a mutation request.
type Ticket struct {
	EntityType string         `json:"entityType" yaml:"entityType"`
	Action     string         `json:"action" yaml:"action"`
	EntityID   string         `json:"entityId" yaml:"entityId"`
	Payload    map[string]any `json:"payload" yaml:"payload"`
}

// enqueuer is the subset of the sync engine the spool needs. Extracted
// for testability.
type enqueuer interface {
	Enqueue(et models.EntityType, action models.Action, entityID string, payload any) error
}

// Watcher monitors the spool directory and enqueues each dropped ticket.
type Watcher struct {
	dir     string
	engine  enqueuer
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	// onEnqueued, when set, is called after each successfully enqueued
	// ticket. The daemon uses it to kick an outbound run.
	onEnqueued func()
}

// NewWatcher creates a spool watcher over dir.
func NewWatcher(dir string, engine enqueuer, logger *slog.Logger, onEnqueued func()) *Watcher {
	return &Watcher{
		dir:        dir,
		engine:     engine,
		logger:     logger,
		onEnqueued: onEnqueued,
	}
}

// Watch processes tickets until the context is cancelled. Tickets already
// present at startup are processed first.
func (w *Watcher) Watch(ctx context.Context) error {
	for _, sub := range []string{"", processedDir, rejectedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating spool dir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	w.logger.Info("spool watcher started", slog.String("dir", w.dir))

	if err := w.processExisting(); err != nil {
		return err
	}

	// Debounce: a ticket is processed once it has been quiet for
	// settleAfter, batching rapid writes to the same file.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if !w.isTicket(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleAfter {
					continue
				}
				delete(pending, path)
				w.process(path)
			}
		}
	}
}

// processExisting drains tickets that were dropped while the daemon was
// not running.
func (w *Watcher) processExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading spool dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		path := filepath.Join(w.dir, e.Name())
		if w.isTicket(path) {
			w.process(path)
		}
	}

	return nil
}

func (w *Watcher) isTicket(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".json", ".yaml", ".yml":
		return true
	}

	return false
}

// process parses and enqueues one ticket file, then moves it to
// processed/ or rejected/.
func (w *Watcher) process(path string) {
	ticket, err := w.parse(path)
	if err == nil {
		err = w.enqueue(ticket)
	}

	if err != nil {
		w.logger.Warn("rejecting spool ticket",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		w.file(path, rejectedDir, err)

		return
	}

	w.logger.Info("spool ticket enqueued",
		slog.String("file", filepath.Base(path)),
		slog.String("entity", ticket.EntityType),
		slog.String("action", ticket.Action),
	)
	w.file(path, processedDir, nil)

	if w.onEnqueued != nil {
		w.onEnqueued()
	}
}

func (w *Watcher) parse(path string) (Ticket, error) {
	var t Ticket

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("reading ticket: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &t); err != nil {
			return t, fmt.Errorf("decoding JSON ticket: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &t); err != nil {
			return t, fmt.Errorf("decoding YAML ticket: %w", err)
		}
	}

	return t, nil
}

func (w *Watcher) enqueue(t Ticket) error {
	et := models.EntityType(t.EntityType)
	if !et.Valid() {
		return fmt.Errorf("unknown entity type %q", t.EntityType)
	}

	action := models.Action(t.Action)
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", t.Action)
	}

	id := t.EntityID
	if id == "" {
		if action != models.ActionCreate {
			return fmt.Errorf("entityId is required for %s", action)
		}

		id = models.NewTempID()
	}

	return w.engine.Enqueue(et, action, id, t.Payload)
}

// file moves a processed ticket into the given subdirectory. Rejections
// get the error written alongside for whoever dropped the ticket.
func (w *Watcher) file(path, subdir string, cause error) {
	dest := filepath.Join(w.dir, subdir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("failed to move ticket",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)

		return
	}

	if cause != nil {
		_ = os.WriteFile(dest+".error", []byte(cause.Error()+"\n"), 0o644)
	}
}
