// Package syncer runs the push, pull and merge cycle between the local and remote replicas.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/queue"
	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrSyncInProgress rejects a sync request while another cycle is in flight.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")
	// ErrOffline rejects a sync request while the remote replica is unreachable.
	ErrOffline = errors.New("syncer: remote replica is offline")

	errMissingReplica = errors.New("replica is required")
	errMissingQueue   = errors.New("queue is required")
	errMissingRemote  = errors.New("remote client is required")
)

// Remote is the remote replica the orchestrator pushes to and pulls from.
type Remote interface {
	Probe(ctx context.Context) error
	List(ctx context.Context, limit int) ([]notes.Note, error)
	Create(ctx context.Context, note notes.Note) (notes.Note, error)
	Update(ctx context.Context, note notes.Note) (notes.Note, error)
	Delete(ctx context.Context, id string) error
}

// Connectivity reports whether the remote replica is currently reachable.
type Connectivity interface {
	Online() bool
}

// Config describes the dependencies of an Orchestrator.
type Config struct {
	Replica      *store.Replica
	Queue        *queue.Queue
	Remote       Remote
	Connectivity Connectivity
	Clock        func() time.Time
	Logger       *zap.Logger
	Metrics      *Metrics
	Events       *Broadcaster
}

// Info is the persisted sync bookkeeping.
type Info struct {
	LastSyncTime   time.Time
	PendingChanges int
}

// Orchestrator runs at most one sync cycle at a time.
type Orchestrator struct {
	replica      *store.Replica
	queue        *queue.Queue
	remote       Remote
	connectivity Connectivity
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *Metrics
	events       *Broadcaster

	syncing  atomic.Bool
	inflight sync.WaitGroup

	statusMu sync.RWMutex
	status   Status
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		replica:      cfg.Replica,
		queue:        cfg.Queue,
		remote:       cfg.Remote,
		connectivity: cfg.Connectivity,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		events:       cfg.Events,
		status:       Status{State: StateIdle},
	}, nil
}

// Sync runs one cycle and returns its report.
func (o *Orchestrator) Sync(ctx context.Context) (Report, error) {
	if err := o.acquire(); err != nil {
		return Report{}, err
	}
	return o.run(ctx)
}

// Trigger starts a cycle in the background and reports whether one was started.
// It returns false while a cycle is in flight or the remote replica is offline.
// The cycle outlives the cancellation of ctx.
func (o *Orchestrator) Trigger(ctx context.Context) bool {
	if err := o.acquire(); err != nil {
		return false
	}
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		_, _ = o.run(context.WithoutCancel(ctx))
	}()
	return true
}

// Wait blocks until every cycle started by Trigger has finished.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// Status returns the latest status.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	status := o.status
	o.statusMu.RUnlock()
	status.Online = o.online()
	status.PendingChanges = o.queue.Len()
	return status
}

// Info reads the persisted last sync time together with the pending change count.
func (o *Orchestrator) Info(ctx context.Context) (Info, error) {
	lastSync, err := o.replica.LastSyncTime(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{LastSyncTime: lastSync, PendingChanges: o.queue.Len()}, nil
}

// Reset forgets every pending change and the last sync time.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if !o.syncing.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer o.syncing.Store(false)

	if err := o.queue.Clear(ctx); err != nil {
		return err
	}
	if err := o.replica.ResetLastSyncTime(ctx); err != nil {
		return err
	}
	o.statusMu.Lock()
	o.status.LastSyncAt = time.Time{}
	o.status.LastError = ""
	o.statusMu.Unlock()
	o.metrics.setPending(0)
	o.logger.Info("sync data reset")
	return nil
}

func (o *Orchestrator) online() bool {
	return o.connectivity == nil || o.connectivity.Online()
}

func (o *Orchestrator) acquire() error {
	if !o.online() {
		o.metrics.observeRejected(rejectOffline)
		return ErrOffline
	}
	if !o.syncing.CompareAndSwap(false, true) {
		o.metrics.observeRejected(rejectInProgress)
		return ErrSyncInProgress
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context) (Report, error) {
	defer o.syncing.Store(false)

	report := Report{StartedAt: o.clock()}
	o.updateStatus(func(status *Status) {
		status.State = StateSyncing
	})

	err := o.cycle(ctx, &report)
	report.FinishedAt = o.clock()
	o.finish(report, err)
	return report, err
}

func (o *Orchestrator) cycle(ctx context.Context, report *Report) error {
	if err := o.remote.Probe(ctx); err != nil {
		return fmt.Errorf("probe remote replica: %w", err)
	}

	for _, change := range o.queue.Drain() {
		o.push(ctx, change, report)
	}

	remoteNotes, err := o.remote.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("pull remote notes: %w", err)
	}
	report.Pulled = len(remoteNotes)

	unmoved := o.queue.Assignments()
	merged, err := o.replica.Reconcile(ctx, o.clock(), func(local []notes.Note, lastSync time.Time) ([]notes.Note, error) {
		next := notes.Merge(local, remoteNotes, lastSync)
		next = retainUnconfirmedDeletes(next, local, remoteNotes)
		return withholdUnmoved(next, local, unmoved), nil
	})
	if err != nil {
		return fmt.Errorf("commit merged snapshot: %w", err)
	}
	o.dropSuperseded(ctx, report)
	for _, note := range merged {
		if !note.Deleted {
			report.Notes++
		}
	}
	return nil
}

// push sends one pending change. Failures leave the change queued for the next cycle.
func (o *Orchestrator) push(ctx context.Context, change notes.PendingChange, report *Report) {
	action := string(change.Action)
	fields := []zap.Field{zap.String("note_id", change.NoteID), zap.String("action", action)}

	if change.Action == notes.ActionDelete {
		target := change.NoteID
		if change.AssignedID != "" {
			target = change.AssignedID
		}
		if notes.IsLocalID(target) {
			report.Skipped++
			o.metrics.observePush(action, outcomeSkipped)
			o.confirm(ctx, change, change.Timestamp)
			return
		}
		if err := o.remote.Delete(ctx, target); err != nil {
			o.pushFailed(change, report, err, fields)
			return
		}
		report.Pushed++
		o.metrics.observePush(action, outcomeSuccess)
		o.confirm(ctx, change, change.Timestamp)
		return
	}

	note := *change.Note
	if change.AssignedID != "" {
		// The remote copy exists already. Only the local record still has to move.
		o.rekey(ctx, change, note.ID, change.AssignedID, time.Time{}, report, fields)
		return
	}
	if !note.IsLocal() {
		_, err := o.remote.Update(ctx, note)
		if err == nil {
			report.Pushed++
			o.metrics.observePush(action, outcomeSuccess)
			o.confirm(ctx, change, note.UpdatedAt)
			return
		}
		if !remote.IsNotFound(err) {
			o.pushFailed(change, report, err, fields)
			return
		}
		o.logger.Info("remote note deleted while edited locally, recreating", fields...)
	}

	created, err := o.remote.Create(ctx, note)
	if err != nil {
		o.pushFailed(change, report, err, fields)
		return
	}
	report.Pushed++
	o.metrics.observePush(action, outcomeSuccess)
	if created.ID == note.ID {
		o.confirm(ctx, change, note.UpdatedAt)
		return
	}
	o.rekey(ctx, change, note.ID, created.ID, note.UpdatedAt, report, fields)
}

// rekey moves the local record and the queued change from oldID to the assigned id.
// When the local record cannot move, the change stays queued under oldID with the
// assignment recorded, so the next cycle retries the move instead of creating again.
func (o *Orchestrator) rekey(ctx context.Context, change notes.PendingChange, oldID, assignedID string, pushedAt time.Time, report *Report, fields []zap.Field) {
	fields = append(fields, zap.String("assigned_id", assignedID))
	if _, err := o.replica.Rekey(ctx, oldID, assignedID, pushedAt); err != nil {
		o.logger.Error("failed to rekey local note, retrying next cycle", append(fields, zap.Error(err))...)
		if _, err := o.queue.Assign(ctx, oldID, assignedID); err != nil {
			o.logger.Warn("failed to persist assigned id", append(fields, zap.Error(err))...)
		}
		return
	}
	if change.AssignedID == "" {
		if _, err := o.queue.Acknowledge(ctx, change); err != nil {
			o.logger.Warn("failed to persist acknowledged change", append(fields, zap.Error(err))...)
		}
	}
	if _, err := o.queue.Rekey(ctx, oldID, assignedID); err != nil {
		o.logger.Warn("failed to persist rekeyed change", append(fields, zap.Error(err))...)
	}
	report.Rekeyed++
	o.logger.Debug("rekeyed note", fields...)
}

// dropSuperseded removes queued changes that no longer describe the newest local version
// of their note. Such a change lost the merge to a newer remote version and pushing it
// later would overwrite that version.
func (o *Orchestrator) dropSuperseded(ctx context.Context, report *Report) {
	dropped, err := o.queue.Retain(ctx, func(change notes.PendingChange) bool {
		if notes.IsLocalID(change.NoteID) || change.AssignedID != "" {
			return true
		}
		current, found, err := o.replica.Get(ctx, change.NoteID)
		if err != nil {
			o.logger.Warn("failed to read local note, keeping queued change",
				zap.String("note_id", change.NoteID),
				zap.Error(err),
			)
			return true
		}
		return found && current.IsDirty && current.UpdatedAt.Equal(change.SnapshotTime())
	})
	if err != nil {
		o.logger.Warn("failed to persist pruned changes", zap.Error(err))
	}
	if dropped > 0 {
		report.Superseded += dropped
		o.logger.Info("dropped queued changes superseded by remote versions", zap.Int("dropped", dropped))
	}
}

func (o *Orchestrator) confirm(ctx context.Context, change notes.PendingChange, pushedAt time.Time) {
	if _, err := o.queue.Acknowledge(ctx, change); err != nil {
		o.logger.Warn("failed to persist acknowledged change", zap.String("note_id", change.NoteID), zap.Error(err))
	}
	if _, err := o.replica.MarkClean(ctx, change.NoteID, pushedAt); err != nil {
		o.logger.Warn("failed to mark note clean", zap.String("note_id", change.NoteID), zap.Error(err))
	}
}

func (o *Orchestrator) pushFailed(change notes.PendingChange, report *Report, err error, fields []zap.Field) {
	report.Failed++
	o.metrics.observePush(string(change.Action), outcomeFailure)
	o.logger.Warn("push failed, change stays queued", append(fields, zap.Error(err))...)
}

func (o *Orchestrator) finish(report Report, err error) {
	duration := report.FinishedAt.Sub(report.StartedAt)
	pending := o.queue.Len()
	o.metrics.setPending(pending)

	if err != nil {
		o.metrics.observeCycle(outcomeFailure, duration)
		o.logger.Warn("sync cycle failed",
			zap.Error(err),
			zap.Int("pending", pending),
			zap.Duration("duration", duration),
		)
		o.updateStatus(func(status *Status) {
			status.State = StateIdle
			status.LastError = err.Error()
			status.LastReport = report
		})
		return
	}

	o.metrics.observeCycle(outcomeSuccess, duration)
	o.logger.Info("sync cycle completed",
		zap.Int("pushed", report.Pushed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("rekeyed", report.Rekeyed),
		zap.Int("superseded", report.Superseded),
		zap.Int("pulled", report.Pulled),
		zap.Int("notes", report.Notes),
		zap.Int("pending", pending),
		zap.Duration("duration", duration),
	)
	o.updateStatus(func(status *Status) {
		status.State = StateIdle
		status.LastSyncAt = report.FinishedAt
		status.LastError = ""
		status.LastReport = report
	})
}

func (o *Orchestrator) updateStatus(apply func(status *Status)) {
	o.statusMu.Lock()
	apply(&o.status)
	snapshot := o.status
	o.statusMu.Unlock()

	snapshot.Online = o.online()
	snapshot.PendingChanges = o.queue.Len()
	o.events.Publish(snapshot)
}

// withholdUnmoved drops remote copies of created notes whose local record still lives
// under the id it was queued with, so one note never shows up twice.
func withholdUnmoved(merged, local []notes.Note, unmoved map[string]string) []notes.Note {
	if len(unmoved) == 0 {
		return merged
	}
	present := make(map[string]struct{}, len(local))
	for _, note := range local {
		present[note.ID] = struct{}{}
	}
	kept := merged[:0]
	for _, note := range merged {
		if localID, ok := unmoved[note.ID]; ok {
			if _, stillLocal := present[localID]; stillLocal {
				continue
			}
		}
		kept = append(kept, note)
	}
	return kept
}

// retainUnconfirmedDeletes keeps local tombstones whose delete has not reached the remote
// replica yet, so the deleted note stays hidden until the remote copy is gone.
func retainUnconfirmedDeletes(merged, local, remoteNotes []notes.Note) []notes.Note {
	remoteByID := make(map[string]notes.Note, len(remoteNotes))
	for _, note := range remoteNotes {
		remoteByID[note.ID] = note
	}
	retained := false
	for _, note := range local {
		if !note.Deleted || !note.IsDirty || note.IsLocal() {
			continue
		}
		remoteNote, ok := remoteByID[note.ID]
		if !ok || !note.UpdatedAt.After(remoteNote.UpdatedAt) {
			continue
		}
		merged = append(merged, note)
		retained = true
	}
	if retained {
		sort.Slice(merged, func(i, j int) bool {
			return merged[i].ID < merged[j].ID
		})
	}
	return merged
}
