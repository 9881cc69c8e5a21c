package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
)

// FallbackStore serves from a primary store until its first failure and from
// the fallback store afterwards. The switch is sticky for the process lifetime.
// While the primary is healthy every successful read and write is mirrored into the
// fallback, so the switch keeps the notes and metadata seen so far.
type FallbackStore struct {
	mu       sync.Mutex
	primary  Store
	fallback Store
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewFallbackStore wraps primary with an in-memory fallback when fallback is nil.
func NewFallbackStore(primary, fallback Store, logger *zap.Logger) *FallbackStore {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{primary: primary, fallback: fallback, logger: logger}
}

// Degraded reports whether the primary store has been abandoned.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) usePrimary() bool {
	return s.primary != nil && !s.degraded.Load()
}

// fail switches to the fallback unless err is nil or a validation failure.
// Validation failures are caller errors and never trigger the switch.
func (s *FallbackStore) fail(operation string, err error) bool {
	if err == nil || isValidationError(err) {
		return false
	}
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("primary store failed, using in-memory fallback",
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
	return true
}

func (s *FallbackStore) mirror(operation string, err error) {
	if err != nil {
		s.logger.Debug("failed to mirror into fallback store", zap.String("operation", operation), zap.Error(err))
	}
}

func (s *FallbackStore) GetAll(ctx context.Context) ([]notes.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		result, err := s.primary.GetAll(ctx)
		if err == nil {
			s.mirror(opGetAll, replaceAll(ctx, s.fallback, result, nil))
			return result, nil
		}
		if !s.fail(opGetAll, err) {
			return nil, err
		}
	}
	return s.fallback.GetAll(ctx)
}

func (s *FallbackStore) Put(ctx context.Context, note notes.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		err := s.primary.Put(ctx, note)
		if err == nil {
			s.mirror(opPut, s.fallback.Put(ctx, note))
			return nil
		}
		if !s.fail(opPut, err) {
			return err
		}
	}
	return s.fallback.Put(ctx, note)
}

func (s *FallbackStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		err := s.primary.Delete(ctx, id)
		if err == nil {
			s.mirror(opDelete, s.fallback.Delete(ctx, id))
			return nil
		}
		if !s.fail(opDelete, err) {
			return err
		}
	}
	return s.fallback.Delete(ctx, id)
}

func (s *FallbackStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		err := s.primary.Clear(ctx)
		if err == nil {
			s.mirror(opClear, s.fallback.Clear(ctx))
			return nil
		}
		if !s.fail(opClear, err) {
			return err
		}
	}
	return s.fallback.Clear(ctx)
}

func (s *FallbackStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		value, found, err := s.primary.GetMeta(ctx, key)
		if err == nil {
			if found {
				s.mirror(opGetMeta, s.fallback.SetMeta(ctx, key, value))
			}
			return value, found, nil
		}
		if !s.fail(opGetMeta, err) {
			return "", false, err
		}
	}
	return s.fallback.GetMeta(ctx, key)
}

func (s *FallbackStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		err := s.primary.SetMeta(ctx, key, value)
		if err == nil {
			s.mirror(opSetMeta, s.fallback.SetMeta(ctx, key, value))
			return nil
		}
		if !s.fail(opSetMeta, err) {
			return err
		}
	}
	return s.fallback.SetMeta(ctx, key, value)
}

func (s *FallbackStore) ReplaceAll(ctx context.Context, list []notes.Note, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usePrimary() {
		err := replaceAll(ctx, s.primary, list, meta)
		if err == nil {
			s.mirror(opReplaceAll, replaceAll(ctx, s.fallback, list, meta))
			return nil
		}
		if !s.fail(opReplaceAll, err) {
			return err
		}
	}
	return replaceAll(ctx, s.fallback, list, meta)
}
