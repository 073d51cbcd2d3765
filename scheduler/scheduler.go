package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/yoanbernabeu/notegrep/indexer"
	"github.com/yoanbernabeu/notegrep/store"
	"github.com/yoanbernabeu/notegrep/vault"
)

const (
	DefaultDebounce      = 500 * time.Millisecond
	DefaultSweepInterval = 30 * time.Second

	// activeFlushDelay gives the editor time to commit its buffer after
	// the user switches away from a document.
	activeFlushDelay = 100 * time.Millisecond

	requeueDelay = 250 * time.Millisecond
)

// ErrIndexing is returned when a batch run is requested while another
// batch is still in progress.
var ErrIndexing = errors.New("an indexing run is already in progress")

// Scheduler turns raw vault events into index work: it debounces modify
// bursts, holds back sources the user is actively editing, and serializes
// batch runs against single-source reindexes.
type Scheduler struct {
	vault   *vault.Vault
	indexer *indexer.Indexer
	store   store.VectorStore
	logger  *log.Logger

	debounce      time.Duration
	sweepInterval time.Duration

	mu            sync.Mutex
	timers        map[string]*time.Timer
	activeEditing map[string]bool
	lastActive    string
	indexing      bool
	abort         context.CancelFunc
	onBatchDone   func()

	queue chan string
}

type Option func(*Scheduler)

func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithDebounce(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.debounce = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithBatchCallback registers a hook fired after every batch run,
// successful or not. Observers use it to refresh status displays.
func WithBatchCallback(fn func()) Option {
	return func(s *Scheduler) {
		s.onBatchDone = fn
	}
}

func New(v *vault.Vault, ix *indexer.Indexer, st store.VectorStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		vault:         v,
		indexer:       ix,
		store:         st,
		logger:        log.Default(),
		debounce:      DefaultDebounce,
		sweepInterval: DefaultSweepInterval,
		timers:        make(map[string]*time.Timer),
		activeEditing: make(map[string]bool),
		queue:         make(chan string, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Boot reconciles the index with the vault once. A fresh install, meaning
// an empty index or one covering under 10% of the current notes, gets a
// full rebuild; anything else a smart update.
func (s *Scheduler) Boot(ctx context.Context, progress indexer.ProgressSink) error {
	if s.freshInstall() {
		return s.FullRebuild(ctx, progress)
	}
	return s.SmartUpdate(ctx, progress)
}

func (s *Scheduler) freshInstall() bool {
	if s.store.Stats().ChunkCount == 0 {
		return true
	}
	sources, err := s.vault.ListSources()
	if err != nil {
		return false
	}
	notes := 0
	for _, src := range sources {
		if vault.IsMarkdown(src.Path) {
			notes++
		}
	}
	if notes == 0 {
		return false
	}
	return len(s.store.SourcePaths())*10 < notes
}

// SmartUpdate runs a guarded incremental batch.
func (s *Scheduler) SmartUpdate(ctx context.Context, progress indexer.ProgressSink) error {
	return s.batch(ctx, progress, s.indexer.SmartUpdate)
}

// FullRebuild runs a guarded from-scratch batch.
func (s *Scheduler) FullRebuild(ctx context.Context, progress indexer.ProgressSink) error {
	return s.batch(ctx, progress, s.indexer.FullRebuild)
}

func (s *Scheduler) batch(ctx context.Context, progress indexer.ProgressSink, run func(context.Context, indexer.ProgressSink) error) error {
	s.mu.Lock()
	if s.indexing {
		s.mu.Unlock()
		return ErrIndexing
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.indexing = true
	s.abort = cancel
	s.mu.Unlock()

	err := run(runCtx, progress)

	s.mu.Lock()
	s.indexing = false
	s.abort = nil
	done := s.onBatchDone
	s.mu.Unlock()

	cancel()
	if done != nil {
		done()
	}
	return err
}

// CancelIndexing trips the running batch's abort token. The store is left
// at its last checkpoint.
func (s *Scheduler) CancelIndexing() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Indexing reports whether a batch run is in progress.
func (s *Scheduler) Indexing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexing
}

// Run consumes vault events until ctx is done. Watch must already be
// active on the vault.
func (s *Scheduler) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.vault.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		case <-sweep.C:
			s.sweepActive()
		case path := <-s.queue:
			s.reindex(ctx, path)
		}
	}
}

func (s *Scheduler) handleEvent(ev vault.Event) {
	// File events during a batch run are the batch's own churn or will
	// be reconciled by it; only active-document tracking stays live.
	if s.Indexing() && ev.Type != vault.EventActiveChange {
		return
	}

	switch ev.Type {
	case vault.EventModify:
		s.onModify(ev.Path)

	case vault.EventRename:
		// Only the vanished path is known; the replacement file shows up
		// as a separate modify event and is indexed from there.
		s.forget(ev.OldPath)
		if err := s.indexer.RemoveSource(ev.OldPath); err != nil {
			s.logger.Printf("failed to drop renamed source %s: %v", ev.OldPath, err)
		}

	case vault.EventDelete:
		s.forget(ev.Path)
		if err := s.indexer.RemoveSource(ev.Path); err != nil {
			s.logger.Printf("failed to drop deleted source %s: %v", ev.Path, err)
		}

	case vault.EventActiveChange:
		s.onActiveChange(ev.Path)
	}
}

func (s *Scheduler) onModify(path string) {
	s.mu.Lock()
	if path == s.lastActive {
		s.activeEditing[path] = true
		s.mu.Unlock()
		return
	}
	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.debounce, func() {
		s.debounceFired(path)
	})
	s.mu.Unlock()
}

func (s *Scheduler) debounceFired(path string) {
	s.mu.Lock()
	delete(s.timers, path)
	if path == s.lastActive {
		s.activeEditing[path] = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.submit(path)
}

func (s *Scheduler) onActiveChange(path string) {
	s.mu.Lock()
	prev := s.lastActive
	s.lastActive = path
	flush := prev != "" && s.activeEditing[prev]
	if flush {
		delete(s.activeEditing, prev)
	}
	s.mu.Unlock()

	if flush {
		time.AfterFunc(activeFlushDelay, func() {
			s.submit(prev)
		})
	}
}

// sweepActive drains pending edits whose source is no longer the active
// document, as a periodic backstop to the flush in onActiveChange.
func (s *Scheduler) sweepActive() {
	s.mu.Lock()
	var due []string
	for path := range s.activeEditing {
		if path != s.lastActive {
			delete(s.activeEditing, path)
			due = append(due, path)
		}
	}
	s.mu.Unlock()

	for _, path := range due {
		s.submit(path)
	}
}

func (s *Scheduler) forget(path string) {
	s.mu.Lock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
		delete(s.timers, path)
	}
	delete(s.activeEditing, path)
	s.mu.Unlock()
}

func (s *Scheduler) submit(path string) {
	select {
	case s.queue <- path:
	default:
		s.logger.Printf("warning: reindex queue full, dropping %s", path)
	}
}

func (s *Scheduler) reindex(ctx context.Context, path string) {
	// Yield to a batch in progress; the request comes back shortly.
	if s.Indexing() {
		time.AfterFunc(requeueDelay, func() {
			s.submit(path)
		})
		return
	}
	if err := s.indexer.IndexSource(ctx, path); err != nil {
		s.logger.Printf("failed to reindex %s: %v", path, err)
	}
}
