package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/editor"
	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/queue"
	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	errNoMatchingNote  = errors.New("no note matches the id")
	errAmbiguousNoteID = errors.New("id matches more than one note")
)

// clientApp is the wired offline-first client: local replica, queue, editor and sync loop.
type clientApp struct {
	replica      *store.Replica
	queue        *queue.Queue
	editor       *editor.Editor
	remote       *remote.Client
	monitor      *syncer.Monitor
	orchestrator *syncer.Orchestrator
	events       *syncer.Broadcaster
	registry     *prometheus.Registry
	logger       *zap.Logger
	closeStore   func() error
}

func (c *cli) openClient(ctx context.Context) (*clientApp, error) {
	logger := c.logger
	backing, closeStore := openStore(c.config.Store, logger)

	replica := store.NewReplica(backing)
	pending, err := queue.New(ctx, queue.Config{Store: backing, Logger: logger.Named("queue")})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL: c.config.Remote.BaseURL,
		Token:   c.config.Remote.Token,
		Timeout: c.config.Remote.Timeout,
		Logger:  logger.Named("remote"),
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	app := &clientApp{
		replica:    replica,
		queue:      pending,
		remote:     client,
		events:     syncer.NewBroadcaster(),
		registry:   prometheus.NewRegistry(),
		logger:     logger,
		closeStore: closeStore,
	}

	monitor, err := syncer.NewMonitor(syncer.MonitorConfig{
		Prober:   client,
		Interval: c.config.Sync.ProbeInterval,
		OnReconnect: func() {
			app.orchestrator.Trigger(ctx)
		},
		Logger: logger.Named("monitor"),
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	app.monitor = monitor

	orchestrator, err := syncer.NewOrchestrator(syncer.Config{
		Replica:      replica,
		Queue:        pending,
		Remote:       client,
		Connectivity: monitor,
		Logger:       logger.Named("sync"),
		Metrics:      syncer.NewMetrics(app.registry),
		Events:       app.events,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	app.orchestrator = orchestrator

	var trigger editor.Trigger
	if c.config.Sync.Auto {
		trigger = orchestrator
	}
	noteEditor, err := editor.New(editor.Config{
		Replica: replica,
		Queue:   pending,
		IDs:     notes.NewLocalIDProvider(),
		Trigger: trigger,
		Logger:  logger.Named("editor"),
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	app.editor = noteEditor
	return app, nil
}

// Close waits for background sync cycles and releases the local store.
func (a *clientApp) Close() error {
	a.orchestrator.Wait()
	return a.closeStore()
}

// resolveID expands a full id, an id prefix or a shortened local id into the stored id.
func (a *clientApp) resolveID(ctx context.Context, raw string) (string, error) {
	needle := strings.TrimSpace(raw)
	if needle == "" {
		return "", errNoMatchingNote
	}
	visible, err := a.editor.List(ctx, "")
	if err != nil {
		return "", err
	}
	var matches []string
	for _, note := range visible {
		if note.ID == needle {
			return note.ID, nil
		}
		if strings.HasPrefix(note.ID, needle) {
			matches = append(matches, note.ID)
			continue
		}
		if notes.IsLocalID(needle) && note.IsLocal() && strings.HasSuffix(note.ID, strings.TrimPrefix(needle, notes.LocalIDPrefix)) {
			matches = append(matches, note.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", errNoMatchingNote, needle)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", errAmbiguousNoteID, needle)
	}
}

// openStore opens the configured driver behind a fallback store. A driver that cannot be
// opened is replaced by an in-memory store so edits keep working for this run.
func openStore(cfg config.StoreConfig, logger *zap.Logger) (store.Store, func() error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryStore(), noop
	case config.StoreDriverBadger:
		primary, err := store.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			logger.Warn("badger store unavailable, using memory", zap.String("dir", cfg.BadgerDir), zap.Error(err))
			return store.NewMemoryStore(), noop
		}
		return store.NewFallbackStore(primary, nil, logger.Named("store")), primary.Close
	default:
		primary, err := store.OpenSQLStore(cfg.Path, logger)
		if err != nil {
			logger.Warn("sqlite store unavailable, using memory", zap.String("path", cfg.Path), zap.Error(err))
			return store.NewMemoryStore(), noop
		}
		return store.NewFallbackStore(primary, nil, logger.Named("store")), primary.Close
	}
}
