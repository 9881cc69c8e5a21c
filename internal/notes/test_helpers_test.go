package notes

import (
	"testing"
	"time"
)

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed
		}
	}
	t.Fatalf("unparseable timestamp %q", value)
	return time.Time{}
}

func findNote(list []Note, id string) (Note, bool) {
	for _, note := range list {
		if note.ID == id {
			return note, true
		}
	}
	return Note{}, false
}
