package store

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/database"
	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillNoteText = "2026-09-14_backfill_local_note_text"

var errMissingDatabase = errors.New("database handle is required")

// NoteRecord is the persisted row of a local note.
type NoteRecord struct {
	NoteID          string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;type:text;not null;default:''"`
	Body            string `gorm:"column:body;type:text;not null;default:''"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_local_notes_updated"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
	IsDirty         bool   `gorm:"column:is_dirty;not null;default:false;index:idx_local_notes_dirty"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "local_notes"
}

// MetaRecord is a persisted sync metadata scalar.
type MetaRecord struct {
	Key   string `gorm:"column:meta_key;primaryKey;size:64;not null"`
	Value string `gorm:"column:meta_value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MetaRecord) TableName() string {
	return "local_meta"
}

// SQLModels lists the tables the SQL store requires.
func SQLModels() []any {
	return []any{&NoteRecord{}, &MetaRecord{}}
}

// SQLMigrations lists the data migrations of the SQL store.
func SQLMigrations() []database.Migration {
	return []database.Migration{
		{Name: migrationBackfillNoteText, Apply: backfillNoteText},
	}
}

// Rows written before title/body defaults existed may hold NULL text.
func backfillNoteText(db *gorm.DB) error {
	if err := db.Model(&NoteRecord{}).Where("title IS NULL").Update("title", "").Error; err != nil {
		return err
	}
	return db.Model(&NoteRecord{}).Where("body IS NULL").Update("body", "").Error
}

// SQLStore persists notes and metadata through GORM.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an already migrated database handle.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, newStorageError("open", errMissingDatabase)
	}
	return &SQLStore{db: db}, nil
}

// OpenSQLStore opens the SQLite file at path, migrates it and returns the store.
func OpenSQLStore(path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := database.OpenSQLite(database.Config{
		Path:       path,
		Logger:     logger,
		Models:     SQLModels(),
		Migrations: SQLMigrations(),
	})
	if err != nil {
		return nil, newStorageError("open", err)
	}
	return NewSQLStore(db)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return database.Close(s.db)
}

func (s *SQLStore) GetAll(ctx context.Context) ([]notes.Note, error) {
	var records []NoteRecord
	if err := s.db.WithContext(ctx).Order("note_id ASC").Find(&records).Error; err != nil {
		return nil, newStorageError(opGetAll, err)
	}
	result := make([]notes.Note, 0, len(records))
	for _, record := range records {
		result = append(result, record.toNote())
	}
	return result, nil
}

func (s *SQLStore) Put(ctx context.Context, note notes.Note) error {
	if err := note.Validate(); err != nil {
		return newStorageError(opPut, err)
	}
	record := newNoteRecord(note)
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return newStorageError(opPut, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("note_id = ?", id).Delete(&NoteRecord{}).Error; err != nil {
		return newStorageError(opDelete, err)
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&NoteRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&MetaRecord{}).Error
	})
	if err != nil {
		return newStorageError(opClear, err)
	}
	return nil
}

func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var record MetaRecord
	err := s.db.WithContext(ctx).Where("meta_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newStorageError(opGetMeta, err)
	}
	return record.Value, true, nil
}

func (s *SQLStore) SetMeta(ctx context.Context, key, value string) error {
	record := MetaRecord{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return newStorageError(opSetMeta, err)
	}
	return nil
}

// ReplaceAll swaps the note snapshot and writes meta inside one transaction.
func (s *SQLStore) ReplaceAll(ctx context.Context, list []notes.Note, meta map[string]string) error {
	records := make([]NoteRecord, 0, len(list))
	for _, note := range list {
		if err := note.Validate(); err != nil {
			return newStorageError(opReplaceAll, err)
		}
		records = append(records, newNoteRecord(note))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&NoteRecord{}).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 100).Error; err != nil {
				return err
			}
		}
		for key, value := range meta {
			if err := tx.Save(&MetaRecord{Key: key, Value: value}).Error; err != nil {
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

func newNoteRecord(note notes.Note) NoteRecord {
	return NoteRecord{
		NoteID:          note.ID,
		Title:           note.Title,
		Body:            note.Body,
		UpdatedAtMillis: note.UpdatedAt.UnixMilli(),
		IsDeleted:       note.Deleted,
		IsDirty:         note.IsDirty,
	}
}

func (r NoteRecord) toNote() notes.Note {
	return notes.Note{
		ID:        r.NoteID,
		Title:     r.Title,
		Body:      r.Body,
		UpdatedAt: time.UnixMilli(r.UpdatedAtMillis).UTC(),
		Deleted:   r.IsDeleted,
		IsDirty:   r.IsDirty,
	}
}
