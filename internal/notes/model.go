package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Action enumerates the mutations a pending change can carry to the remote replica.
type Action string

const (
	// ActionCreate pushes a note the remote replica has never seen.
	ActionCreate Action = "create"
	// ActionUpdate replaces the remote copy of a note.
	ActionUpdate Action = "update"
	// ActionDelete removes the remote copy of a note.
	ActionDelete Action = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidNote indicates that a note record violates the data contract.
	ErrInvalidNote = errors.New("notes: invalid note")
	// ErrInvalidPendingChange indicates that a pending change violates the data contract.
	ErrInvalidPendingChange = errors.New("notes: invalid pending change")
	// ErrInvalidAction indicates that an action is not one of create, update or delete.
	ErrInvalidAction = errors.New("notes: invalid action")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// IsLocal reports whether the identifier belongs to the local-only id space.
func (id NoteID) IsLocal() bool {
	return IsLocalID(string(id))
}

// ParseAction validates raw input and returns an Action.
func ParseAction(rawInput string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

// Note is the unit of user content shared between the local and remote replicas.
type Note struct {
	ID        string    `json:"id" validate:"required,max=190"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
	Deleted   bool      `json:"deleted"`
	IsDirty   bool      `json:"isDirty"`
}

// Validate checks the note against the data contract.
func (n Note) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNote, err)
	}
	return nil
}

// IsLocal reports whether the note has never been acknowledged by the remote replica.
func (n Note) IsLocal() bool {
	return IsLocalID(n.ID)
}

// Matches reports whether the note title or body contains the query, ignoring case.
func (n Note) Matches(query string) bool {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return true
	}
	return strings.Contains(strings.ToLower(n.Title), needle) ||
		strings.Contains(strings.ToLower(n.Body), needle)
}

// PendingChange records the intent to apply one mutation to the remote replica.
type PendingChange struct {
	NoteID    string    `json:"noteId" validate:"required,max=190"`
	Action    Action    `json:"action" validate:"required,oneof=create update delete"`
	Note      *Note     `json:"note,omitempty" validate:"required_unless=Action delete"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
	// AssignedID is the id the remote replica gave a created note whose local record
	// still lives under NoteID.
	AssignedID string `json:"assignedId,omitempty" validate:"omitempty,max=190"`
}

// Validate checks the pending change against the data contract.
func (c PendingChange) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPendingChange, err)
	}
	if c.Note != nil && c.Note.ID != c.NoteID {
		return fmt.Errorf("%w: snapshot id %q does not match %q", ErrInvalidPendingChange, c.Note.ID, c.NoteID)
	}
	if c.AssignedID != "" && c.AssignedID == c.NoteID {
		return fmt.Errorf("%w: note %q assigned to itself", ErrInvalidPendingChange, c.NoteID)
	}
	return nil
}

// SnapshotTime returns the updatedAt of the local version the change was queued for.
func (c PendingChange) SnapshotTime() time.Time {
	if c.Note != nil {
		return c.Note.UpdatedAt
	}
	return c.Timestamp
}

// NewUpsertChange builds the pending change for a created or edited note.
// Notes that were never pushed are queued as creates.
func NewUpsertChange(note Note, at time.Time) PendingChange {
	action := ActionUpdate
	if note.IsLocal() {
		action = ActionCreate
	}
	snapshot := note
	snapshot.IsDirty = true
	return PendingChange{
		NoteID:    note.ID,
		Action:    action,
		Note:      &snapshot,
		Timestamp: at.UTC(),
	}
}

// NewDeleteChange builds the pending change for a deleted note.
func NewDeleteChange(noteID string, at time.Time) PendingChange {
	return PendingChange{
		NoteID:    noteID,
		Action:    ActionDelete,
		Timestamp: at.UTC(),
	}
}

// NextUpdatedAt returns the timestamp for a mutation of a note last stamped at previous.
// Timestamps are kept at millisecond precision and never move backward for the same note.
func NextUpdatedAt(previous, now time.Time) time.Time {
	stamp := now.UTC().Truncate(time.Millisecond)
	if !previous.IsZero() && !stamp.After(previous) {
		stamp = previous.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return stamp
}
