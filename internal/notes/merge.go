package notes

import (
	"sort"
	"time"
)

// Merge reconciles the local replica with the remote snapshot and returns the new local snapshot.
//
// Remote is the authoritative, tombstone-filtered server view. Local-only notes are always kept.
// A remote-id note missing from remote was deleted remotely and survives only when it was edited
// after lastSyncTime. A dirty note present on both sides keeps the local copy only when its
// updatedAt is strictly newer; equal timestamps resolve to the remote copy and future edits must
// preserve that tie-break. Clean notes always take the remote copy. Tombstones never appear in
// the result.
//
// Merge has no side effects, does not clear dirty flags of kept local notes, and returns notes
// sorted by id so the output does not depend on input order.
func Merge(local, remote []Note, lastSyncTime time.Time) []Note {
	remoteByID := indexByID(remote)
	localByID := indexByID(local)

	merged := make(map[string]Note, len(remoteByID)+len(localByID))
	for id, localNote := range localByID {
		remoteNote, onRemote := remoteByID[id]
		switch {
		case IsLocalID(id):
			merged[id] = localNote
		case !onRemote:
			if localNote.UpdatedAt.After(lastSyncTime) {
				merged[id] = localNote
			}
		case localNote.IsDirty && localNote.UpdatedAt.After(remoteNote.UpdatedAt):
			merged[id] = localNote
		default:
			merged[id] = cleanCopy(remoteNote)
		}
	}

	for id, remoteNote := range remoteByID {
		if _, seen := localByID[id]; seen {
			continue
		}
		merged[id] = cleanCopy(remoteNote)
	}

	result := make([]Note, 0, len(merged))
	for _, note := range merged {
		if note.Deleted {
			continue
		}
		result = append(result, note)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

func cleanCopy(note Note) Note {
	note.IsDirty = false
	return note
}

// indexByID collapses the list to one record per id, keeping the newest.
func indexByID(list []Note) map[string]Note {
	index := make(map[string]Note, len(list))
	for _, note := range list {
		existing, ok := index[note.ID]
		if !ok || supersedes(note, existing) {
			index[note.ID] = note
		}
	}
	return index
}

// supersedes orders duplicate records of one id so the winner does not depend on input order.
func supersedes(candidate, existing Note) bool {
	if !candidate.UpdatedAt.Equal(existing.UpdatedAt) {
		return candidate.UpdatedAt.After(existing.UpdatedAt)
	}
	if candidate.Deleted != existing.Deleted {
		return candidate.Deleted
	}
	if candidate.IsDirty != existing.IsDirty {
		return candidate.IsDirty
	}
	if candidate.Title != existing.Title {
		return candidate.Title > existing.Title
	}
	return candidate.Body > existing.Body
}
