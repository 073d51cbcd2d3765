package vault

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type EventType int

const (
	EventModify EventType = iota
	EventRename
	EventDelete
	EventActiveChange
)

func (e EventType) String() string {
	switch e {
	case EventModify:
		return "MODIFY"
	case EventRename:
		return "RENAME"
	case EventDelete:
		return "DELETE"
	case EventActiveChange:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Event is one vault change. For renames fsnotify reports only the
// vanished path; the replacement arrives as a separate modify event.
type Event struct {
	Type    EventType
	Path    string
	OldPath string
}

type watchState struct {
	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}
	logger *log.Logger
}

// Watch starts streaming events until ctx is done or Close is called.
// Events are raw and unbuffered in time: debouncing belongs to the
// consumer.
func (v *Vault) Watch(ctx context.Context, logger *log.Logger) error {
	if v.watch != nil {
		return fmt.Errorf("vault is already watching")
	}
	if logger == nil {
		logger = log.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	v.watch = &watchState{
		fsw:    fsw,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: logger,
	}

	if err := v.addRecursive(v.root); err != nil {
		fsw.Close()
		v.watch = nil
		return err
	}

	go v.processEvents(ctx)
	return nil
}

// Events returns the event stream. Nil until Watch is called.
func (v *Vault) Events() <-chan Event {
	if v.watch == nil {
		return nil
	}
	return v.watch.events
}

// NotifyActiveChange injects an active-document-change event. An empty
// path means no document is active.
func (v *Vault) NotifyActiveChange(relPath string) {
	if v.watch == nil {
		return
	}
	v.emit(Event{Type: EventActiveChange, Path: relPath})
}

// Close stops watching. The vault remains usable for listing and reading.
func (v *Vault) Close() error {
	if v.watch == nil {
		return nil
	}
	close(v.watch.done)
	err := v.watch.fsw.Close()
	v.watch = nil
	return err
}

func (v *Vault) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(v.root, path)
		if err != nil {
			return nil
		}
		if rel != "." {
			rel = filepath.ToSlash(rel)
			if strings.HasPrefix(info.Name(), ".") || v.matcher.ignored(rel) {
				return filepath.SkipDir
			}
		}

		if err := v.watch.fsw.Add(path); err != nil {
			v.watch.logger.Printf("warning: failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (v *Vault) processEvents(ctx context.Context) {
	w := v.watch
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			v.handleFsEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

func (v *Vault) handleFsEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(v.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if strings.HasPrefix(filepath.Base(rel), ".") || v.matcher.ignored(rel) {
		return
	}

	if !IsMarkdown(rel) && !IsImage(rel) {
		// A new directory needs its own watch.
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := v.addRecursive(event.Name); err != nil {
					v.watch.logger.Printf("warning: failed to watch new directory %s: %v", event.Name, err)
				}
			}
		}
		return
	}

	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		v.emit(Event{Type: EventModify, Path: rel})
	case event.Has(fsnotify.Remove):
		v.emit(Event{Type: EventDelete, Path: rel})
	case event.Has(fsnotify.Rename):
		v.emit(Event{Type: EventRename, Path: rel, OldPath: rel})
	}
}

func (v *Vault) emit(event Event) {
	select {
	case v.watch.events <- event:
	default:
		v.watch.logger.Printf("warning: event channel full, dropping %s %s", event.Type, event.Path)
	}
}
