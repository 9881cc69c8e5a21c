package store

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

// MemoryStore keeps notes and metadata in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string]notes.Note
	meta  map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes: make(map[string]notes.Note),
		meta:  make(map[string]string),
	}
}

func (s *MemoryStore) GetAll(_ context.Context) ([]notes.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]notes.Note, 0, len(s.notes))
	for _, note := range s.notes {
		result = append(result, note)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) Put(_ context.Context, note notes.Note) error {
	if err := note.Validate(); err != nil {
		return newStorageError(opPut, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = note
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, id)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = make(map[string]notes.Note)
	s.meta = make(map[string]string)
	return nil
}

func (s *MemoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.meta[key]
	return value, ok, nil
}

func (s *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// ReplaceAll swaps the note snapshot and writes meta in one step.
func (s *MemoryStore) ReplaceAll(_ context.Context, list []notes.Note, meta map[string]string) error {
	next := make(map[string]notes.Note, len(list))
	for _, note := range list {
		if err := note.Validate(); err != nil {
			return newStorageError(opReplaceAll, err)
		}
		next[note.ID] = note
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = next
	for key, value := range meta {
		s.meta[key] = value
	}
	return nil
}
