package syncer

import (
	"context"
	"sync"
	"time"
)

// State is the phase of the synchronization state machine.
type State string

const (
	// StateIdle means no cycle is running.
	StateIdle State = "idle"
	// StateSyncing means a cycle is in flight.
	StateSyncing State = "syncing"
)

// Report summarises one sync cycle.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Pushed     int
	Failed     int
	Skipped    int
	Rekeyed    int
	Superseded int
	Pulled     int
	Notes      int
}

// Status is the user-visible synchronization status.
type Status struct {
	State          State
	Online         bool
	LastSyncAt     time.Time
	PendingChanges int
	LastError      string
	LastReport     Report
}

// Broadcaster fans status updates out to subscribers.
// Slow subscribers miss updates instead of blocking the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan Status
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a subscriber until ctx ends or the returned cleanup runs.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Status, func()) {
	subscriber := &statusSubscriber{stream: make(chan Status, b.bufferSize)}
	b.mu.Lock()
	b.nextID++
	subscriber.id = b.nextID
	b.subscribers[subscriber.id] = subscriber
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, subscriber.id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (b *Broadcaster) Publish(status Status) {
	if b == nil {
		return
	}
	b.mu.RLock()
	copies := make([]*statusSubscriber, 0, len(b.subscribers))
	for _, subscriber := range b.subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- status:
		default:
		}
	}
}
