package collection

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

const maxOwnerLength = 190

var (
	// ErrNoteNotFound indicates that the owner has no live note with the id.
	ErrNoteNotFound = errors.New("collection: note not found")
	// ErrInvalidOwner indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwner = errors.New("collection: invalid owner")
)

// OwnerID identifies the account a note belongs to.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwner)
	}
	if len(trimmed) > maxOwnerLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwner, maxOwnerLength)
	}
	return OwnerID(trimmed), nil
}

func (id OwnerID) String() string {
	return string(id)
}

// Record is a note as stored by the remote collection.
type Record struct {
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	NoteID          string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title           string `gorm:"column:title;type:text;not null;default:''"`
	Body            string `gorm:"column:body;type:text;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	Version         int64  `gorm:"column:version;not null"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notes"
}

// Note converts the record to the shared note contract.
func (r Record) Note() notes.Note {
	return notes.Note{
		ID:        r.NoteID,
		Title:     r.Title,
		Body:      r.Body,
		UpdatedAt: time.UnixMilli(r.UpdatedAtMillis).UTC(),
		Deleted:   r.IsDeleted,
	}
}

// ChangeRecord is the audit trail entry of one accepted write.
type ChangeRecord struct {
	ChangeID         string `gorm:"column:change_id;primaryKey;size:64;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_note_changes_owner_note,priority:1"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_note_changes_owner_note,priority:2"`
	Action           string `gorm:"column:action;size:16;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
	PreviousVersion  *int64 `gorm:"column:previous_version"`
	NewVersion       int64  `gorm:"column:new_version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "note_changes"
}

// Models lists the tables the collection requires.
func Models() []any {
	return []any{&Record{}, &ChangeRecord{}}
}

// Draft is the client-provided content of a create or update.
type Draft struct {
	Title     string
	Body      string
	UpdatedAt time.Time
}
