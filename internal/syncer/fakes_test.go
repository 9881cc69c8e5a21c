package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/queue"
	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"go.uber.org/zap"
)

var errServerUnavailable = errors.New("server unavailable")

// fakeRemote is an in-memory remote collection with failure injection.
type fakeRemote struct {
	mu        sync.Mutex
	notes     map[string]notes.Note
	nextID    int
	calls     []string
	failProbe error
	failList  error
	failWrite map[string]error
	onWrite   func(operation, id string)
	probeGate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		notes:     make(map[string]notes.Note),
		failWrite: make(map[string]error),
	}
}

func (r *fakeRemote) seed(note notes.Note) {
	r.mu.Lock()
	defer r.mu.Unlock()
	note.IsDirty = false
	r.notes[note.ID] = note
}

func (r *fakeRemote) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRemote) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRemote) get(id string) (notes.Note, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	note, ok := r.notes[id]
	return note, ok
}

func (r *fakeRemote) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

func (r *fakeRemote) Probe(ctx context.Context) error {
	r.record("probe")
	if r.probeGate != nil {
		select {
		case <-r.probeGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.failProbe
}

func (r *fakeRemote) List(context.Context, int) ([]notes.Note, error) {
	r.record("list")
	if r.failList != nil {
		return nil, r.failList
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]notes.Note, 0, len(r.notes))
	for _, note := range r.notes {
		result = append(result, note)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *fakeRemote) Create(_ context.Context, note notes.Note) (notes.Note, error) {
	r.record("create " + note.ID)
	if err := r.writeFailure(note.ID); err != nil {
		return notes.Note{}, err
	}
	r.mu.Lock()
	r.nextID++
	created := note
	created.ID = fmt.Sprintf("srv-%d", r.nextID)
	created.IsDirty = false
	r.notes[created.ID] = created
	r.mu.Unlock()
	r.afterWrite("create", note.ID)
	return created, nil
}

func (r *fakeRemote) Update(_ context.Context, note notes.Note) (notes.Note, error) {
	r.record("update " + note.ID)
	if err := r.writeFailure(note.ID); err != nil {
		return notes.Note{}, err
	}
	r.mu.Lock()
	if _, ok := r.notes[note.ID]; !ok {
		r.mu.Unlock()
		return notes.Note{}, &remote.RemoteError{Operation: "update", StatusCode: 404}
	}
	updated := note
	updated.IsDirty = false
	r.notes[note.ID] = updated
	r.mu.Unlock()
	r.afterWrite("update", note.ID)
	return updated, nil
}

func (r *fakeRemote) Delete(_ context.Context, id string) error {
	r.record("delete " + id)
	if err := r.writeFailure(id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.notes, id)
	r.mu.Unlock()
	r.afterWrite("delete", id)
	return nil
}

func (r *fakeRemote) writeFailure(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failWrite[id]
}

func (r *fakeRemote) afterWrite(operation, id string) {
	if r.onWrite != nil {
		r.onWrite(operation, id)
	}
}

var errDiskFull = errors.New("disk full")

// brittleStore fails the next puts of records whose id has the given prefix.
type brittleStore struct {
	*store.MemoryStore
	mu         sync.Mutex
	prefix     string
	failures   int
	failedPuts []string
}

func (s *brittleStore) Put(ctx context.Context, note notes.Note) error {
	s.mu.Lock()
	if s.failures > 0 && strings.HasPrefix(note.ID, s.prefix) {
		s.failures--
		s.failedPuts = append(s.failedPuts, note.ID)
		s.mu.Unlock()
		return &store.StorageError{Operation: "put", Err: errDiskFull}
	}
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, note)
}

type staticConnectivity struct {
	online bool
}

func (c staticConnectivity) Online() bool {
	return c.online
}

type fixture struct {
	replica      *store.Replica
	queue        *queue.Queue
	remote       *fakeRemote
	orchestrator *Orchestrator
	now          time.Time
}

func newFixture(testContext *testing.T, configure func(cfg *Config)) *fixture {
	testContext.Helper()
	return newFixtureOn(testContext, store.NewMemoryStore(), configure)
}

func newFixtureOn(testContext *testing.T, backing store.Store, configure func(cfg *Config)) *fixture {
	testContext.Helper()
	replica := store.NewReplica(backing)
	pending, err := queue.New(context.Background(), queue.Config{Store: replica.Store(), Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to create queue: %v", err)
	}
	fakeRemote := newFakeRemote()
	current := &fixture{
		replica: replica,
		queue:   pending,
		remote:  fakeRemote,
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Replica: replica,
		Queue:   pending,
		Remote:  fakeRemote,
		Clock:   func() time.Time { return current.now },
		Logger:  zap.NewNop(),
	}
	if configure != nil {
		configure(&cfg)
	}
	orchestrator, err := NewOrchestrator(cfg)
	if err != nil {
		testContext.Fatalf("failed to create orchestrator: %v", err)
	}
	current.orchestrator = orchestrator
	return current
}

// edit stores note locally and queues the matching change, as the mutation path does.
func (f *fixture) edit(testContext *testing.T, note notes.Note) notes.PendingChange {
	testContext.Helper()
	note.IsDirty = true
	if err := f.replica.Store().Put(context.Background(), note); err != nil {
		testContext.Fatalf("put %s: %v", note.ID, err)
	}
	change := notes.NewUpsertChange(note, note.UpdatedAt)
	if note.Deleted {
		change = notes.NewDeleteChange(note.ID, note.UpdatedAt)
	}
	queued, err := f.queue.Enqueue(context.Background(), change)
	if err != nil {
		testContext.Fatalf("enqueue %s: %v", note.ID, err)
	}
	return queued
}

func (f *fixture) local(testContext *testing.T, id string) (notes.Note, bool) {
	testContext.Helper()
	note, found, err := f.replica.Get(context.Background(), id)
	if err != nil {
		testContext.Fatalf("get %s: %v", id, err)
	}
	return note, found
}

func (f *fixture) snapshot(testContext *testing.T) []notes.Note {
	testContext.Helper()
	all, err := f.replica.Snapshot(context.Background())
	if err != nil {
		testContext.Fatalf("snapshot: %v", err)
	}
	return all
}
