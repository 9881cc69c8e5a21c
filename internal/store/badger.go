package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/dgraph-io/badger/v3"
)

const (
	badgerNotePrefix = "note:"
	badgerMetaPrefix = "meta:"
)

// BadgerStore persists notes and metadata in a Badger key-value database
// using type-prefixed keys.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the Badger directory at dir. An empty dir keeps the data in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	options := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, newStorageError("open", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close flushes and releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func noteKey(id string) []byte {
	return []byte(badgerNotePrefix + id)
}

func metaKey(key string) []byte {
	return []byte(badgerMetaPrefix + key)
}

func (s *BadgerStore) GetAll(ctx context.Context) ([]notes.Note, error) {
	var result []notes.Note
	prefix := []byte(badgerNotePrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var note notes.Note
				if err := json.Unmarshal(val, &note); err != nil {
					return err
				}
				result = append(result, note)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, newStorageError(opGetAll, err)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	if result == nil {
		result = []notes.Note{}
	}
	return result, nil
}

func (s *BadgerStore) Put(_ context.Context, note notes.Note) error {
	if err := note.Validate(); err != nil {
		return newStorageError(opPut, err)
	}
	encoded, err := json.Marshal(note)
	if err != nil {
		return newStorageError(opPut, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(noteKey(note.ID), encoded)
	})
	if err != nil {
		return newStorageError(opPut, err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(noteKey(id))
	})
	if err != nil {
		return newStorageError(opDelete, err)
	}
	return nil
}

func (s *BadgerStore) Clear(_ context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return newStorageError(opClear, err)
	}
	return nil
}

func (s *BadgerStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newStorageError(opGetMeta, err)
	}
	return value, true, nil
}

func (s *BadgerStore) SetMeta(_ context.Context, key, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), []byte(value))
	})
	if err != nil {
		return newStorageError(opSetMeta, err)
	}
	return nil
}

// ReplaceAll swaps the note snapshot and writes meta inside one transaction.
func (s *BadgerStore) ReplaceAll(_ context.Context, list []notes.Note, meta map[string]string) error {
	encoded := make(map[string][]byte, len(list))
	for _, note := range list {
		if err := note.Validate(); err != nil {
			return newStorageError(opReplaceAll, err)
		}
		value, err := json.Marshal(note)
		if err != nil {
			return newStorageError(opReplaceAll, err)
		}
		encoded[note.ID] = value
	}

	prefix := []byte(badgerNotePrefix)
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := encoded[string(key[len(prefix):])]; !keep {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for id, value := range encoded {
			if err := txn.Set(noteKey(id), value); err != nil {
				return err
			}
		}
		for key, value := range meta {
			if err := txn.Set(metaKey(key), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return newStorageError(opReplaceAll, err)
	}
	return nil
}
