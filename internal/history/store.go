// Package history keeps the bounded, newest-first record of successful
// generations in the durable key-value store.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fallora/internal/interfaces"
	"fallora/internal/models"
)

const (
	// Key is the durable store key holding the serialized history.
	Key = "fallora-history"

	DefaultCapacity = 50

	ClearPrompt = "Are you sure you want to clear all history? This cannot be undone."
)

const isoMillis = "2006-01-02T15:04:05.000Z"

// Confirmer asks the user a yes/no question.
type Confirmer func(prompt string) bool

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the number of retained entries.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnChange registers a callback invoked with the full list after every
// append or clear.
func WithOnChange(fn func([]models.HistoryEntry)) Option {
	return func(s *Store) { s.onChange = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	kv       interfaces.KVStore
	capacity int
	now      func() time.Time
	onChange func([]models.HistoryEntry)
	logger   zerolog.Logger

	mu     sync.Mutex
	lastID int64
}

func New(kv interfaces.KVStore, opts ...Option) *Store {
	s := &Store{
		kv:       kv,
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capacity returns the retention bound.
func (s *Store) Capacity() int { return s.capacity }

// Append stamps entry with a creation id and timestamp, prepends it and
// persists the list truncated to capacity. The stored entry is returned.
func (s *Store) Append(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(ctx)

	now := s.now()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	if len(entries) > 0 && id <= entries[0].ID {
		id = entries[0].ID + 1
	}
	s.lastID = id

	entry.ID = id
	entry.Timestamp = now.UTC().Format(isoMillis)
	if entry.Loras == nil {
		entry.Loras = []models.LoraSpec{}
	}

	entries = append([]models.HistoryEntry{entry}, entries...)
	if len(entries) > s.capacity {
		entries = entries[:s.capacity]
	}

	if err := s.save(ctx, entries); err != nil {
		return models.HistoryEntry{}, err
	}
	s.logger.Debug().Int64("id", id).Int("size", len(entries)).Msg("history entry saved")
	s.notify(entries)
	return entry, nil
}

// LoadAll returns the stored entries, newest first. Missing or malformed
// data yields an empty list.
func (s *Store) LoadAll(ctx context.Context) []models.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Clear empties the history once confirm approves ClearPrompt. It reports
// whether anything was cleared.
func (s *Store) Clear(ctx context.Context, confirm Confirmer) (bool, error) {
	if confirm == nil || !confirm(ClearPrompt) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, Key); err != nil {
		return false, fmt.Errorf("failed to clear history: %w", err)
	}
	s.logger.Info().Msg("history cleared")
	s.notify([]models.HistoryEntry{})
	return true, nil
}

func (s *Store) load(ctx context.Context) []models.HistoryEntry {
	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to read history")
		return []models.HistoryEntry{}
	}
	if !ok || raw == "" {
		return []models.HistoryEntry{}
	}
	var entries []models.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn().Err(err).Msg("discarding malformed history")
		return []models.HistoryEntry{}
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	return entries
}

func (s *Store) save(ctx context.Context, entries []models.HistoryEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := s.kv.Set(ctx, Key, string(data)); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *Store) notify(entries []models.HistoryEntry) {
	if s.onChange == nil {
		return
	}
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	s.onChange(out)
}
