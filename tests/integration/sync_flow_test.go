package integration_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/auth"
	"github.com/MarcoPoloResearchLab/notesync/internal/collection"
	"github.com/MarcoPoloResearchLab/notesync/internal/editor"
	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/queue"
	"github.com/MarcoPoloResearchLab/notesync/internal/remote"
	"github.com/MarcoPoloResearchLab/notesync/internal/server"
	"github.com/MarcoPoloResearchLab/notesync/internal/store"
	"github.com/MarcoPoloResearchLab/notesync/internal/syncer"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const signingSecret = "integration-secret"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type syncClient struct {
	editor       *editor.Editor
	queue        *queue.Queue
	orchestrator *syncer.Orchestrator
}

func startServer(testContext *testing.T) (string, *auth.TokenIssuer) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(testContext.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(collection.Models()...); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	service, err := collection.NewService(collection.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build collection service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Collection: service,
		Tokens:     issuer,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer.URL, issuer
}

func newSyncClient(testContext *testing.T, baseURL, token string, clock *manualClock) *syncClient {
	testContext.Helper()
	backing := store.NewMemoryStore()
	replica := store.NewReplica(backing)
	pending, err := queue.New(context.Background(), queue.Config{Store: backing})
	if err != nil {
		testContext.Fatalf("queue: %v", err)
	}
	client, err := remote.NewClient(remote.Config{BaseURL: baseURL, Token: token, Timeout: 5 * time.Second})
	if err != nil {
		testContext.Fatalf("remote client: %v", err)
	}
	orchestrator, err := syncer.NewOrchestrator(syncer.Config{
		Replica: replica,
		Queue:   pending,
		Remote:  client,
		Clock:   clock.Now,
	})
	if err != nil {
		testContext.Fatalf("orchestrator: %v", err)
	}
	noteEditor, err := editor.New(editor.Config{
		Replica: replica,
		Queue:   pending,
		IDs:     notes.NewLocalIDProvider(),
		Clock:   clock.Now,
	})
	if err != nil {
		testContext.Fatalf("editor: %v", err)
	}
	return &syncClient{editor: noteEditor, queue: pending, orchestrator: orchestrator}
}

func mustToken(testContext *testing.T, issuer *auth.TokenIssuer, subject string) string {
	testContext.Helper()
	token, _, err := issuer.IssueToken(context.Background(), subject)
	if err != nil {
		testContext.Fatalf("issue token: %v", err)
	}
	return token
}

func mustSync(testContext *testing.T, client *syncClient) syncer.Report {
	testContext.Helper()
	report, err := client.orchestrator.Sync(context.Background())
	if err != nil {
		testContext.Fatalf("sync failed: %v", err)
	}
	return report
}

func mustList(testContext *testing.T, client *syncClient) []notes.Note {
	testContext.Helper()
	visible, err := client.editor.List(context.Background(), "")
	if err != nil {
		testContext.Fatalf("list: %v", err)
	}
	return visible
}

func TestTwoClientsConvergeThroughCollection(testContext *testing.T) {
	baseURL, issuer := startServer(testContext)
	token := mustToken(testContext, issuer, "alice")
	clock := &manualClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	laptop := newSyncClient(testContext, baseURL, token, clock)
	phone := newSyncClient(testContext, baseURL, token, clock)
	ctx := context.Background()

	draft, err := laptop.editor.Create(ctx, "Trip", "pack bags")
	if err != nil {
		testContext.Fatalf("create: %v", err)
	}
	if _, err := laptop.editor.Update(ctx, draft.ID, "Trip", "pack bags, book train"); err != nil {
		testContext.Fatalf("update: %v", err)
	}
	if laptop.queue.Len() != 1 {
		testContext.Fatalf("expected edits to collapse into one pending change, got %d", laptop.queue.Len())
	}

	report := mustSync(testContext, laptop)
	if report.Pushed != 1 || report.Rekeyed != 1 || laptop.queue.HasPending() {
		testContext.Fatalf("unexpected first sync: %+v pending=%d", report, laptop.queue.Len())
	}
	synced := mustList(testContext, laptop)
	if len(synced) != 1 || synced[0].IsLocal() || synced[0].IsDirty {
		testContext.Fatalf("expected one clean note under a server id, got %+v", synced)
	}
	serverID := synced[0].ID

	mustSync(testContext, phone)
	onPhone := mustList(testContext, phone)
	if len(onPhone) != 1 || onPhone[0].ID != serverID || onPhone[0].Body != "pack bags, book train" {
		testContext.Fatalf("expected phone to pull the note, got %+v", onPhone)
	}

	clock.Advance(time.Minute)
	if _, err := phone.editor.Update(ctx, serverID, "Trip", "train booked"); err != nil {
		testContext.Fatalf("phone update: %v", err)
	}
	mustSync(testContext, phone)
	mustSync(testContext, laptop)
	onLaptop := mustList(testContext, laptop)
	if len(onLaptop) != 1 || onLaptop[0].Body != "train booked" {
		testContext.Fatalf("expected laptop to adopt the newer remote edit, got %+v", onLaptop)
	}

	clock.Advance(time.Minute)
	if err := laptop.editor.Delete(ctx, serverID); err != nil {
		testContext.Fatalf("delete: %v", err)
	}
	mustSync(testContext, laptop)
	mustSync(testContext, phone)
	if remaining := mustList(testContext, phone); len(remaining) != 0 {
		testContext.Fatalf("expected delete to reach the phone, got %+v", remaining)
	}
}

func TestRejectedTokenKeepsChangesQueued(testContext *testing.T) {
	baseURL, issuer := startServer(testContext)
	clock := &manualClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	stranger := newSyncClient(testContext, baseURL, "not-a-token", clock)

	if _, err := stranger.editor.Create(context.Background(), "secret", ""); err != nil {
		testContext.Fatalf("create: %v", err)
	}
	_, err := stranger.orchestrator.Sync(context.Background())
	var remoteErr *remote.RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized remote error, got %v", err)
	}
	if stranger.queue.Len() != 1 {
		testContext.Fatalf("expected the change to stay queued, got %d", stranger.queue.Len())
	}

	other := newSyncClient(testContext, baseURL, mustToken(testContext, issuer, "bob"), clock)
	mustSync(testContext, other)
	if visible := mustList(testContext, other); len(visible) != 0 {
		testContext.Fatalf("expected nothing to leak to another owner, got %+v", visible)
	}
}
