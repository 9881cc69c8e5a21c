// Package queue holds the pending changes that still have to reach the remote replica.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"go.uber.org/zap"
)

// Config describes the dependencies of a Queue.
type Config struct {
	Store  store.Store
	Logger *zap.Logger
}

// Queue keeps at most one pending change per note id, ordered by the time of the latest enqueue.
// Every mutation persists the whole queue under store.MetaPendingChanges.
type Queue struct {
	mu      sync.Mutex
	store   store.Store
	logger  *zap.Logger
	entries map[string]notes.PendingChange
	seq     uint64
}

// New restores the persisted queue from cfg.Store.
// An unreadable snapshot is logged and replaced by an empty queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		store:   cfg.Store,
		logger:  logger,
		entries: make(map[string]notes.PendingChange),
	}

	raw, found, err := cfg.Store.GetMeta(ctx, store.MetaPendingChanges)
	if err != nil {
		return nil, err
	}
	if !found || raw == "" {
		return q, nil
	}

	var persisted []notes.PendingChange
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		logger.Warn("discarding unreadable pending changes", zap.Error(err))
		return q, nil
	}
	for _, change := range persisted {
		if err := change.Validate(); err != nil {
			logger.Warn("discarding invalid pending change", zap.String("note_id", change.NoteID), zap.Error(err))
			continue
		}
		q.seq++
		change.Seq = q.seq
		q.entries[change.NoteID] = change
	}
	return q, nil
}

// Enqueue records change as the latest intent for its note, replacing any earlier entry.
// An id assigned to the replaced entry carries over. The returned change carries its
// queue sequence number. A storage failure is returned after the in-memory queue has
// been updated.
func (q *Queue) Enqueue(ctx context.Context, change notes.PendingChange) (notes.PendingChange, error) {
	if err := change.Validate(); err != nil {
		return notes.PendingChange{}, err
	}
	if change.Note != nil {
		snapshot := *change.Note
		change.Note = &snapshot
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[change.NoteID]; ok && change.AssignedID == "" {
		change.AssignedID = existing.AssignedID
	}
	q.seq++
	change.Seq = q.seq
	q.entries[change.NoteID] = change
	return change, q.persistLocked(ctx)
}

// Drain returns every entry, oldest first.
func (q *Queue) Drain() []notes.PendingChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.orderedLocked()
}

// Acknowledge removes the entry for change.NoteID unless it was replaced after change was drained.
func (q *Queue) Acknowledge(ctx context.Context, change notes.PendingChange) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.entries[change.NoteID]
	if !ok || current.Seq != change.Seq {
		return false, nil
	}
	delete(q.entries, change.NoteID)
	return true, q.persistLocked(ctx)
}

// Rekey moves the entry queued for a local-only id to the id the remote replica assigned.
// A create becomes an update. An entry already queued for newID that is newer wins.
func (q *Queue) Rekey(ctx context.Context, oldID, newID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	change, ok := q.entries[oldID]
	if !ok {
		return false, nil
	}
	delete(q.entries, oldID)

	if existing, taken := q.entries[newID]; taken && existing.Seq > change.Seq {
		return false, q.persistLocked(ctx)
	}

	change.NoteID = newID
	change.AssignedID = ""
	if change.Note != nil {
		snapshot := *change.Note
		snapshot.ID = newID
		change.Note = &snapshot
	}
	if change.Action == notes.ActionCreate {
		change.Action = notes.ActionUpdate
	}
	q.entries[newID] = change
	return true, q.persistLocked(ctx)
}

// Assign records the id the remote replica gave the note queued under oldID whose local
// record could not be moved yet. Later entries for oldID keep the assignment.
func (q *Queue) Assign(ctx context.Context, oldID, assignedID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	change, ok := q.entries[oldID]
	if !ok || oldID == assignedID {
		return false, nil
	}
	change.AssignedID = assignedID
	q.entries[oldID] = change
	return true, q.persistLocked(ctx)
}

// Assignments maps every assigned id still waiting for its local record to the local-only id.
func (q *Queue) Assignments() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	assigned := make(map[string]string)
	for id, change := range q.entries {
		if change.AssignedID != "" {
			assigned[change.AssignedID] = id
		}
	}
	return assigned
}

// Retain drops every entry keep rejects and returns the number dropped.
// keep runs under the queue lock and must not call back into the queue.
func (q *Queue) Retain(ctx context.Context, keep func(change notes.PendingChange) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for id, change := range q.entries {
		if keep(change) {
			continue
		}
		delete(q.entries, id)
		dropped++
	}
	if dropped == 0 {
		return 0, nil
	}
	return dropped, q.persistLocked(ctx)
}

// Clear removes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]notes.PendingChange)
	return q.persistLocked(ctx)
}

// HasPending reports whether any change is queued.
func (q *Queue) HasPending() bool {
	return q.Len() > 0
}

// Len returns the number of queued changes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) orderedLocked() []notes.PendingChange {
	ordered := make([]notes.PendingChange, 0, len(q.entries))
	for _, change := range q.entries {
		ordered = append(ordered, change)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}

func (q *Queue) persistLocked(ctx context.Context) error {
	encoded, err := json.Marshal(q.orderedLocked())
	if err != nil {
		return &store.StorageError{Operation: "persist_queue", Err: err}
	}
	if err := q.store.SetMeta(ctx, store.MetaPendingChanges, string(encoded)); err != nil {
		q.logger.Warn("failed to persist pending changes", zap.Int("pending", len(q.entries)), zap.Error(err))
		return err
	}
	return nil
}
