package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

const (
	// MetaLastSyncTime stores the RFC 3339 time of the last successful reconciliation.
	MetaLastSyncTime = "lastSyncTime"
	// MetaPendingChanges stores the JSON snapshot of the pending-change queue.
	MetaPendingChanges = "pendingChanges"
)

// Store is the durable key-value persistence for note records and sync metadata.
// Put replaces any record with the same id. Clear removes notes and metadata.
type Store interface {
	GetAll(ctx context.Context) ([]notes.Note, error)
	Put(ctx context.Context, note notes.Note) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Replacer is implemented by stores that can swap the whole note snapshot and write
// metadata in one atomic step.
type Replacer interface {
	ReplaceAll(ctx context.Context, list []notes.Note, meta map[string]string) error
}

// StorageError reports a local persistence failure.
type StorageError struct {
	Operation string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s failed", e.Operation)
	}
	return fmt.Sprintf("storage: %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(operation string, cause error) error {
	return &StorageError{Operation: operation, Err: cause}
}

func isValidationError(err error) bool {
	return errors.Is(err, notes.ErrInvalidNote)
}

const (
	opGetAll     = "get_all"
	opPut        = "put"
	opDelete     = "delete"
	opClear      = "clear"
	opGetMeta    = "get_meta"
	opSetMeta    = "set_meta"
	opReplaceAll = "replace_all"
)

// replaceAll swaps the note snapshot and writes meta, preferring the store's atomic
// implementation. Other stores get the notes first and the metadata last.
func replaceAll(ctx context.Context, target Store, list []notes.Note, meta map[string]string) error {
	if replacer, ok := target.(Replacer); ok {
		return replacer.ReplaceAll(ctx, list, meta)
	}
	current, err := target.GetAll(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(list))
	for _, note := range list {
		keep[note.ID] = struct{}{}
	}
	for _, note := range current {
		if _, ok := keep[note.ID]; ok {
			continue
		}
		if err := target.Delete(ctx, note.ID); err != nil {
			return err
		}
	}
	for _, note := range list {
		if err := target.Put(ctx, note); err != nil {
			return err
		}
	}
	for key, value := range meta {
		if err := target.SetMeta(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}
