// Package editor applies user edits to the local replica and queues them for synchronization.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/queue"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNoteNotFound indicates that no visible note exists for the id.
	ErrNoteNotFound = errors.New("editor: note not found")

	errMissingReplica    = errors.New("replica is required")
	errMissingQueue      = errors.New("queue is required")
	errMissingIDProvider = errors.New("id provider is required")
	errDuplicateID       = errors.New("id provider returned an id already in use")
)

// Trigger asks for a sync cycle after a mutation.
type Trigger interface {
	Trigger(ctx context.Context) bool
}

// Config describes the dependencies of an Editor.
type Config struct {
	Replica *store.Replica
	Queue   *queue.Queue
	IDs     notes.IDProvider
	Clock   func() time.Time
	Trigger Trigger
	Logger  *zap.Logger
}

// Editor commits every mutation locally first, then queues it and requests a sync.
type Editor struct {
	// mu keeps the local write and the matching enqueue in the same order across callers.
	mu      sync.Mutex
	replica *store.Replica
	queue   *queue.Queue
	ids     notes.IDProvider
	clock   func() time.Time
	trigger Trigger
	logger  *zap.Logger
}

func New(cfg Config) (*Editor, error) {
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	ids := cfg.IDs
	if ids == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		replica: cfg.Replica,
		queue:   cfg.Queue,
		ids:     ids,
		clock:   clock,
		trigger: cfg.Trigger,
		logger:  logger,
	}, nil
}

// Create stores a new note under a local-only id.
func (e *Editor) Create(ctx context.Context, title, body string) (notes.Note, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return notes.Note{}, fmt.Errorf("editor: generate id: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	note, err := e.replica.Mutate(ctx, id, func(_ notes.Note, found bool) (notes.Note, error) {
		if found {
			return notes.Note{}, errDuplicateID
		}
		return notes.Note{
			ID:        id,
			Title:     title,
			Body:      body,
			UpdatedAt: notes.NextUpdatedAt(time.Time{}, e.clock()),
			IsDirty:   true,
		}, nil
	})
	if err != nil {
		return notes.Note{}, err
	}
	e.commit(ctx, notes.NewUpsertChange(note, note.UpdatedAt))
	return note, nil
}

// Update replaces the title and body of a visible note.
func (e *Editor) Update(ctx context.Context, id, title, body string) (notes.Note, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	note, err := e.replica.Mutate(ctx, id, func(current notes.Note, found bool) (notes.Note, error) {
		if !found || current.Deleted {
			return notes.Note{}, ErrNoteNotFound
		}
		current.Title = title
		current.Body = body
		current.UpdatedAt = notes.NextUpdatedAt(current.UpdatedAt, e.clock())
		current.IsDirty = true
		return current, nil
	})
	if err != nil {
		return notes.Note{}, err
	}
	e.commit(ctx, notes.NewUpsertChange(note, note.UpdatedAt))
	return note, nil
}

// Delete turns a visible note into a tombstone.
func (e *Editor) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	note, err := e.replica.Mutate(ctx, id, func(current notes.Note, found bool) (notes.Note, error) {
		if !found || current.Deleted {
			return notes.Note{}, ErrNoteNotFound
		}
		current.Deleted = true
		current.UpdatedAt = notes.NextUpdatedAt(current.UpdatedAt, e.clock())
		current.IsDirty = true
		return current, nil
	})
	if err != nil {
		return err
	}
	e.commit(ctx, notes.NewDeleteChange(note.ID, note.UpdatedAt))
	return nil
}

// Get returns the visible note stored for id.
func (e *Editor) Get(ctx context.Context, id string) (notes.Note, error) {
	note, found, err := e.replica.Get(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	if !found || note.Deleted {
		return notes.Note{}, ErrNoteNotFound
	}
	return note, nil
}

// List returns the visible notes matching query, most recently updated first.
func (e *Editor) List(ctx context.Context, query string) ([]notes.Note, error) {
	all, err := e.replica.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]notes.Note, 0, len(all))
	for _, note := range all {
		if note.Deleted || !note.Matches(query) {
			continue
		}
		visible = append(visible, note)
	}
	sort.SliceStable(visible, func(i, j int) bool {
		if !visible[i].UpdatedAt.Equal(visible[j].UpdatedAt) {
			return visible[i].UpdatedAt.After(visible[j].UpdatedAt)
		}
		return visible[i].ID < visible[j].ID
	})
	return visible, nil
}

// commit queues change and asks for a sync. The local write already succeeded, so a
// queue storage failure is logged while the in-memory queue keeps the change.
func (e *Editor) commit(ctx context.Context, change notes.PendingChange) {
	if _, err := e.queue.Enqueue(ctx, change); err != nil {
		e.logger.Warn("failed to persist pending change",
			zap.String("note_id", change.NoteID),
			zap.String("action", string(change.Action)),
			zap.Error(err),
		)
	}
	if e.trigger != nil && e.trigger.Trigger(ctx) {
		e.logger.Debug("sync triggered after edit", zap.String("note_id", change.NoteID))
	}
}
