// Package collection stores the remote note collection that clients synchronize against.
package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "collection.service.new"
	opListNotes  = "collection.list_notes"
	opGetNote    = "collection.get_note"
	opCreateNote = "collection.create_note"
	opUpdateNote = "collection.update_note"
	opDeleteNote = "collection.delete_note"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Service implements list, create, update and delete over the stored collection.
// Deletes are soft so the audit trail keeps the final version.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider notes.IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ListNotes returns the live notes of owner in creation order. A positive limit caps the result.
func (s *Service) ListNotes(ctx context.Context, owner OwnerID, limit int) ([]Record, error) {
	query := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_deleted = ?", owner.String(), false).
		Order("created_at_ms ASC").
		Order("note_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []Record
	if err := query.Find(&records).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("owner_id", owner.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return records, nil
}

// GetNote returns the live note stored for noteID.
func (s *Service) GetNote(ctx context.Context, owner OwnerID, noteID notes.NoteID) (Record, error) {
	record, err := s.selectLive(s.db.WithContext(ctx), owner, noteID, false)
	if errors.Is(err, ErrNoteNotFound) {
		return Record{}, newServiceError(opGetNote, "not_found", err)
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID.String()))
		return Record{}, newServiceError(opGetNote, "query_failed", err)
	}
	return record, nil
}

// CreateNote stores draft under a freshly issued id.
func (s *Service) CreateNote(ctx context.Context, owner OwnerID, draft Draft) (Record, error) {
	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err, zap.String("owner_id", owner.String()))
		return Record{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	appliedAt := s.clock().UTC()
	record := Record{
		OwnerID:         owner.String(),
		NoteID:          noteID,
		Title:           draft.Title,
		Body:            draft.Body,
		CreatedAtMillis: appliedAt.UnixMilli(),
		UpdatedAtMillis: stampMillis(draft.UpdatedAt, appliedAt),
		Version:         1,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreateNote, "note_insert_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID))
			return newServiceError(opCreateNote, "note_insert_failed", err)
		}
		return s.audit(tx, opCreateNote, record, notes.ActionCreate, nil, appliedAt)
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return record, nil
}

// UpdateNote replaces the content of a live note.
func (s *Service) UpdateNote(ctx context.Context, owner OwnerID, noteID notes.NoteID, draft Draft) (Record, error) {
	var updated Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.selectLive(tx, owner, noteID, true)
		if errors.Is(err, ErrNoteNotFound) {
			return newServiceError(opUpdateNote, "not_found", err)
		}
		if err != nil {
			s.logError(opUpdateNote, "note_select_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID.String()))
			return newServiceError(opUpdateNote, "note_select_failed", err)
		}

		appliedAt := s.clock().UTC()
		previousVersion := existing.Version
		updated = existing
		updated.Title = draft.Title
		updated.Body = draft.Body
		updated.UpdatedAtMillis = stampMillis(draft.UpdatedAt, appliedAt)
		updated.Version = previousVersion + 1

		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opUpdateNote, "note_save_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID.String()))
			return newServiceError(opUpdateNote, "note_save_failed", err)
		}
		return s.audit(tx, opUpdateNote, updated, notes.ActionUpdate, &previousVersion, appliedAt)
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return updated, nil
}

// DeleteNote marks a live note deleted.
func (s *Service) DeleteNote(ctx context.Context, owner OwnerID, noteID notes.NoteID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.selectLive(tx, owner, noteID, true)
		if errors.Is(err, ErrNoteNotFound) {
			return newServiceError(opDeleteNote, "not_found", err)
		}
		if err != nil {
			s.logError(opDeleteNote, "note_select_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID.String()))
			return newServiceError(opDeleteNote, "note_select_failed", err)
		}

		appliedAt := s.clock().UTC()
		previousVersion := existing.Version
		existing.IsDeleted = true
		existing.UpdatedAtMillis = appliedAt.UnixMilli()
		existing.Version = previousVersion + 1

		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opDeleteNote, "note_save_failed", err, zap.String("owner_id", owner.String()), zap.String("note_id", noteID.String()))
			return newServiceError(opDeleteNote, "note_save_failed", err)
		}
		return s.audit(tx, opDeleteNote, existing, notes.ActionDelete, &previousVersion, appliedAt)
	})
}

func (s *Service) selectLive(tx *gorm.DB, owner OwnerID, noteID notes.NoteID, lock bool) (Record, error) {
	query := tx
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var record Record
	err := query.
		Where("owner_id = ? AND note_id = ? AND is_deleted = ?", owner.String(), noteID.String(), false).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNoteNotFound
	}
	return record, err
}

func (s *Service) audit(tx *gorm.DB, operation string, record Record, action notes.Action, previousVersion *int64, appliedAt time.Time) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err, zap.String("note_id", record.NoteID))
		return newServiceError(operation, "id_generation_failed", err)
	}
	change := ChangeRecord{
		ChangeID:         changeID,
		OwnerID:          record.OwnerID,
		NoteID:           record.NoteID,
		Action:           string(action),
		AppliedAtSeconds: appliedAt.Unix(),
		PreviousVersion:  previousVersion,
		NewVersion:       record.Version,
	}
	if err := tx.Create(&change).Error; err != nil {
		s.logError(operation, "audit_insert_failed", err, zap.String("owner_id", record.OwnerID), zap.String("note_id", record.NoteID))
		return newServiceError(operation, "audit_insert_failed", err)
	}
	return nil
}

// stampMillis prefers the client edit time and falls back to the time the write was applied.
func stampMillis(clientTime, appliedAt time.Time) int64 {
	if clientTime.IsZero() {
		return appliedAt.UnixMilli()
	}
	return clientTime.UTC().UnixMilli()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("collection service error", attrs...)
}
