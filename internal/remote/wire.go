package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
)

// flexibleID accepts identifiers encoded as JSON strings or numbers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*id = flexibleID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("note id must be a string or number: %w", err)
	}
	*id = flexibleID(number.String())
	return nil
}

type wireNote struct {
	ID        flexibleID `json:"id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	UpdatedAt string     `json:"updatedAt"`
	Deleted   bool       `json:"deleted"`
}

// toNote normalises a remote item. Items without an id or flagged deleted are rejected.
// A missing or unparsable updatedAt is replaced by fallback.
func (w wireNote) toNote(fallback time.Time) (notes.Note, bool) {
	id := string(w.ID)
	if id == "" || w.Deleted || len(id) > 190 {
		return notes.Note{}, false
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(w.UpdatedAt))
	if err != nil {
		updatedAt = fallback
	}
	return notes.Note{
		ID:        id,
		Title:     w.Title,
		Body:      w.Body,
		UpdatedAt: updatedAt.UTC().Truncate(time.Millisecond),
	}, true
}

type writePayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt string `json:"updatedAt"`
}

func newWritePayload(note notes.Note) writePayload {
	return writePayload{
		Title:     note.Title,
		Body:      note.Body,
		UpdatedAt: note.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
