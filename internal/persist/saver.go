package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDebounce is how long the Saver batches changes before
// writing.
const DefaultSaveDebounce = 500 * time.Millisecond

// SaveFunc snapshots one collection and writes it to store.
type SaveFunc func(ctx context.Context, store Store) error

// Saver is a debounced write-behind for collections. Changes mark a
// collection dirty; the first change arms one timer that flushes every
// collection dirtied before it fires. Failures
// are logged and the collection stays dirty for the next flush.
type Saver struct {
	store  Store
	logger *slog.Logger
	delay  time.Duration

	mu     sync.Mutex
	savers map[Collection]SaveFunc
	dirty  map[Collection]bool
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewSaver creates a Saver writing to store.
func NewSaver(store Store, logger *slog.Logger, delay time.Duration) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = DefaultSaveDebounce
	}
	return &Saver{
		store:  store,
		logger: logger,
		delay:  delay,
		savers: make(map[Collection]SaveFunc),
		dirty:  make(map[Collection]bool),
	}
}

// Register sets the save function for c.
func (s *Saver) Register(c Collection, fn SaveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savers[c] = fn
}

// Schedule marks c dirty and arms the flush timer.
func (s *Saver) Schedule(c Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty[c] = true
	if s.timer != nil {
		return
	}
	s.wg.Add(1)
	s.timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn("background save failed", "error", err)
		}
	})
}

// Flush writes every dirty collection now.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make(map[Collection]SaveFunc, len(s.dirty))
	for c := range s.dirty {
		if fn, ok := s.savers[c]; ok {
			pending[c] = fn
		}
		delete(s.dirty, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range Collections {
		fn, ok := pending[c]
		if !ok {
			continue
		}
		if err := fn(ctx, s.store); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
			s.mu.Lock()
			s.dirty[c] = true
			s.mu.Unlock()
			continue
		}
		s.logger.Debug("collection saved", "collection", c)
	}
	return errors.Join(errs...)
}

// Close stops the timer, flushes pending changes and refuses later
// schedules. It does not close the store.
func (s *Saver) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil && s.timer.Stop() {
		s.timer = nil
		s.wg.Done()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.Flush(ctx)
}
