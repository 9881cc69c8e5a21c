package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"go.uber.org/zap"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   atomic.Int32
}

func (p *scriptedProber) Probe(context.Context) error {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	result := p.results[0]
	p.results = p.results[1:]
	return result
}

func TestMonitorReportsReconnect(testContext *testing.T) {
	unreachable := &remote.ConnectivityError{Operation: "probe", Err: errors.New("dial tcp: connection refused")}
	prober := &scriptedProber{results: []error{unreachable, unreachable, nil, nil}}
	reconnects := 0
	monitor, err := NewMonitor(MonitorConfig{
		Prober:      prober,
		OnReconnect: func() { reconnects++ },
		Logger:      zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("new monitor: %v", err)
	}
	if !monitor.Online() {
		testContext.Fatalf("expected optimistic online state before the first probe")
	}

	expected := []bool{false, false, true, true}
	for index, want := range expected {
		if got := monitor.Check(context.Background()); got != want {
			testContext.Fatalf("probe %d: expected online=%v, got %v", index, want, got)
		}
		if monitor.Online() != want {
			testContext.Fatalf("probe %d: Online() disagrees with Check", index)
		}
	}
	if reconnects != 1 {
		testContext.Fatalf("expected exactly one reconnect, got %d", reconnects)
	}
}

func TestMonitorTreatsErrorStatusAsReachable(testContext *testing.T) {
	prober := &scriptedProber{results: []error{&remote.RemoteError{Operation: "probe", StatusCode: 401}}}
	monitor, err := NewMonitor(MonitorConfig{Prober: prober})
	if err != nil {
		testContext.Fatalf("new monitor: %v", err)
	}
	if !monitor.Check(context.Background()) {
		testContext.Fatalf("a server answering with an error status is reachable")
	}
}

func TestMonitorRunProbesUntilCancelled(testContext *testing.T) {
	prober := &scriptedProber{}
	monitor, err := NewMonitor(MonitorConfig{Prober: prober, Interval: 5 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("new monitor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Run(ctx)
	}()

	deadline := time.After(time.Second)
	for prober.calls.Load() < 3 {
		select {
		case <-deadline:
			testContext.Fatalf("expected repeated probes, got %d", prober.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			testContext.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		testContext.Fatalf("monitor did not stop after cancellation")
	}
}

func TestNewMonitorRequiresProber(testContext *testing.T) {
	if _, err := NewMonitor(MonitorConfig{}); err == nil {
		testContext.Fatalf("expected error without prober")
	}
}

func TestBroadcasterDropsUpdatesAfterCleanup(testContext *testing.T) {
	broadcaster := NewBroadcaster()
	stream, cleanup := broadcaster.Subscribe(context.Background())
	cleanup()
	cleanup()

	broadcaster.Publish(Status{State: StateSyncing})
	select {
	case status := <-stream:
		testContext.Fatalf("unexpected status after cleanup: %+v", status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDoesNotBlockOnSlowSubscriber(testContext *testing.T) {
	broadcaster := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, _ := broadcaster.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for index := 0; index < 100; index++ {
			broadcaster.Publish(Status{State: StateIdle})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		testContext.Fatalf("publish blocked on a full subscriber")
	}
	if len(stream) != 16 {
		testContext.Fatalf("expected buffered updates to be capped at 16, got %d", len(stream))
	}
}
