package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

// MutateFunc computes the next version of a note from its current version.
// found is false when no record exists for the id.
type MutateFunc func(current notes.Note, found bool) (notes.Note, error)

// ResolveFunc computes the next local snapshot from the current one.
type ResolveFunc func(local []notes.Note, lastSyncTime time.Time) ([]notes.Note, error)

// Replica is the local note replica shared by the mutation path and the sync cycle.
// Every read-compute-write on the snapshot runs under one lock.
type Replica struct {
	mu    sync.Mutex
	store Store
}

// NewReplica wraps the store backing the local replica.
func NewReplica(backing Store) *Replica {
	return &Replica{store: backing}
}

// Store exposes the backing store for components that persist their own metadata.
func (r *Replica) Store() Store {
	return r.store
}

// Snapshot returns every local record, tombstones included.
func (r *Replica) Snapshot(ctx context.Context) ([]notes.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.GetAll(ctx)
}

// Get returns the record stored for id.
func (r *Replica) Get(ctx context.Context, id string) (notes.Note, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(ctx, id)
}

func (r *Replica) find(ctx context.Context, id string) (notes.Note, bool, error) {
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return notes.Note{}, false, err
	}
	for _, note := range all {
		if note.ID == id {
			return note, true, nil
		}
	}
	return notes.Note{}, false, nil
}

// Mutate applies fn to the record for id and stores the result.
func (r *Replica) Mutate(ctx context.Context, id string, fn MutateFunc) (notes.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, found, err := r.find(ctx, id)
	if err != nil {
		return notes.Note{}, err
	}
	next, err := fn(current, found)
	if err != nil {
		return notes.Note{}, err
	}
	if next.ID != id {
		return notes.Note{}, fmt.Errorf("%w: mutation changed id %q to %q", notes.ErrInvalidNote, id, next.ID)
	}
	if err := r.store.Put(ctx, next); err != nil {
		return notes.Note{}, err
	}
	return next, nil
}

// MarkClean records that the version of id stamped pushedAt reached the remote replica.
// A record edited since then stays dirty. A confirmed tombstone is removed.
func (r *Replica) MarkClean(ctx context.Context, id string, pushedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, found, err := r.find(ctx, id)
	if err != nil || !found {
		return false, err
	}
	if !current.UpdatedAt.Equal(pushedAt) {
		return false, nil
	}
	if current.Deleted {
		return true, r.store.Delete(ctx, id)
	}
	if !current.IsDirty {
		return true, nil
	}
	current.IsDirty = false
	return true, r.store.Put(ctx, current)
}

// Rekey moves the record stored under a local-only id to the id the remote replica assigned.
// The moved record is clean when it has not been edited since the version stamped pushedAt.
func (r *Replica) Rekey(ctx context.Context, oldID, newID string, pushedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, found, err := r.find(ctx, oldID)
	if err != nil || !found {
		return false, err
	}
	current.ID = newID
	if current.UpdatedAt.Equal(pushedAt) && !current.Deleted {
		current.IsDirty = false
	}
	if err := r.store.Put(ctx, current); err != nil {
		return false, err
	}
	if err := r.store.Delete(ctx, oldID); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile replaces the local snapshot with the result of resolve and advances the
// last sync time to syncedAt in the same commit. Nothing is written when resolve fails.
func (r *Replica) Reconcile(ctx context.Context, syncedAt time.Time, resolve ResolveFunc) ([]notes.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, err := r.lastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	next, err := resolve(local, lastSync)
	if err != nil {
		return nil, err
	}
	if err := replaceAll(ctx, r.store, next, map[string]string{MetaLastSyncTime: formatSyncTime(syncedAt)}); err != nil {
		return nil, err
	}
	return next, nil
}

// LastSyncTime returns the time of the last successful reconciliation, zero when none.
func (r *Replica) LastSyncTime(ctx context.Context) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSyncTime(ctx)
}

func (r *Replica) lastSyncTime(ctx context.Context) (time.Time, error) {
	raw, found, err := r.store.GetMeta(ctx, MetaLastSyncTime)
	if err != nil {
		return time.Time{}, err
	}
	if !found || raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, newStorageError(opGetMeta, fmt.Errorf("parse %s: %w", MetaLastSyncTime, err))
	}
	return parsed.UTC(), nil
}

// ResetLastSyncTime forgets the last reconciliation time.
func (r *Replica) ResetLastSyncTime(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.SetMeta(ctx, MetaLastSyncTime, "")
}

func formatSyncTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
