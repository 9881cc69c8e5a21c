package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"go.uber.org/zap"
)

type recordedRequest struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Body          string
}

type scriptedServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func newScriptedServer(testContext *testing.T, status int, response string) (*scriptedServer, *httptest.Server) {
	testContext.Helper()
	scripted := &scriptedServer{status: status, response: response}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		scripted.mu.Lock()
		scripted.requests = append(scripted.requests, recordedRequest{
			Method:        request.Method,
			Path:          request.URL.EscapedPath(),
			Query:         request.URL.RawQuery,
			Authorization: request.Header.Get("Authorization"),
			Body:          string(body),
		})
		scripted.mu.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(scripted.status)
		_, _ = writer.Write([]byte(scripted.response))
	}))
	testContext.Cleanup(server.Close)
	return scripted, server
}

func (s *scriptedServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func mustClient(testContext *testing.T, baseURL string, clock func() time.Time) *Client {
	testContext.Helper()
	client, err := NewClient(Config{BaseURL: baseURL, Token: "secret-token", Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestListNormalisesRemoteNotes(testContext *testing.T) {
	fixedNow := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := `[
		{"id": 7, "title": "numeric", "body": "b", "updatedAt": "2024-05-01T10:00:00.123Z"},
		{"id": "abc", "title": null, "updatedAt": "not a time"},
		{"title": "no id"},
		{"id": "gone", "deleted": true}
	]`
	scripted, server := newScriptedServer(testContext, http.StatusOK, payload)
	client := mustClient(testContext, server.URL+"/", func() time.Time { return fixedNow })

	result, err := client.List(context.Background(), 0)
	if err != nil {
		testContext.Fatalf("list: %v", err)
	}
	if len(result) != 2 {
		testContext.Fatalf("expected 2 notes, got %+v", result)
	}
	if result[0].ID != "7" || result[0].Title != "numeric" || !result[0].UpdatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 123000000, time.UTC)) {
		testContext.Fatalf("unexpected numeric-id note: %+v", result[0])
	}
	if result[1].ID != "abc" || result[1].Title != "" || result[1].Body != "" || !result[1].UpdatedAt.Equal(fixedNow) {
		testContext.Fatalf("unexpected defaults: %+v", result[1])
	}
	for _, note := range result {
		if note.IsDirty || note.Deleted {
			testContext.Fatalf("remote notes must be clean: %+v", note)
		}
	}

	requests := scripted.recorded()
	if len(requests) != 1 || requests[0].Method != http.MethodGet || requests[0].Path != "/notes" {
		testContext.Fatalf("unexpected request: %+v", requests)
	}
	if requests[0].Authorization != "Bearer secret-token" {
		testContext.Fatalf("expected bearer token, got %q", requests[0].Authorization)
	}
}

func TestProbeRequestsSingleNote(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusOK, `[]`)
	client := mustClient(testContext, server.URL, nil)
	if err := client.Probe(context.Background()); err != nil {
		testContext.Fatalf("probe: %v", err)
	}
	if query := scripted.recorded()[0].Query; query != "limit=1" {
		testContext.Fatalf("expected limit=1, got %q", query)
	}
}

func TestCreateSendsWritePayload(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusCreated, `{"id":"srv-1","title":"t","body":"b","updatedAt":"2024-01-02T00:00:00Z"}`)
	client := mustClient(testContext, server.URL, nil)
	note := notes.Note{ID: "temp_1", Title: "t", Body: "b", UpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), IsDirty: true}

	created, err := client.Create(context.Background(), note)
	if err != nil {
		testContext.Fatalf("create: %v", err)
	}
	if created.ID != "srv-1" || created.IsDirty {
		testContext.Fatalf("unexpected created note: %+v", created)
	}

	request := scripted.recorded()[0]
	if request.Method != http.MethodPost || request.Path != "/notes" {
		testContext.Fatalf("unexpected request line: %s %s", request.Method, request.Path)
	}
	var sent map[string]any
	if err := json.Unmarshal([]byte(request.Body), &sent); err != nil {
		testContext.Fatalf("decode sent body: %v", err)
	}
	if _, hasID := sent["id"]; hasID {
		testContext.Fatalf("create must not send the local id: %s", request.Body)
	}
	if sent["title"] != "t" || sent["body"] != "b" || sent["updatedAt"] != "2024-01-02T00:00:00Z" {
		testContext.Fatalf("unexpected payload: %s", request.Body)
	}
}

func TestUpdateRedirectsLocalIDsToCreate(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusCreated, `{"id":"srv-2","updatedAt":"2024-01-02T00:00:00Z"}`)
	client := mustClient(testContext, server.URL, nil)

	updated, err := client.Update(context.Background(), notes.Note{ID: "temp_2", UpdatedAt: time.Now()})
	if err != nil {
		testContext.Fatalf("update: %v", err)
	}
	if updated.ID != "srv-2" {
		testContext.Fatalf("expected assigned id, got %q", updated.ID)
	}
	if request := scripted.recorded()[0]; request.Method != http.MethodPost {
		testContext.Fatalf("expected POST for a local id, got %s", request.Method)
	}
}

func TestUpdateTargetsRemoteID(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusOK, `{"id":"a b","title":"x","updatedAt":"2024-01-02T00:00:00Z"}`)
	client := mustClient(testContext, server.URL, nil)

	if _, err := client.Update(context.Background(), notes.Note{ID: "a b", Title: "x", UpdatedAt: time.Now()}); err != nil {
		testContext.Fatalf("update: %v", err)
	}
	request := scripted.recorded()[0]
	if request.Method != http.MethodPut || request.Path != "/notes/a%20b" {
		testContext.Fatalf("unexpected request line: %s %s", request.Method, request.Path)
	}
}

func TestDeleteSkipsLocalIDs(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusNoContent, ``)
	client := mustClient(testContext, server.URL, nil)
	if err := client.Delete(context.Background(), "temp_9"); err != nil {
		testContext.Fatalf("delete: %v", err)
	}
	if len(scripted.recorded()) != 0 {
		testContext.Fatalf("local-only ids must never be sent")
	}
}

func TestDeleteToleratesNotFound(testContext *testing.T) {
	scripted, server := newScriptedServer(testContext, http.StatusNotFound, `{"error":"not_found"}`)
	client := mustClient(testContext, server.URL, nil)
	if err := client.Delete(context.Background(), "srv-1"); err != nil {
		testContext.Fatalf("expected 404 to be tolerated, got %v", err)
	}
	if request := scripted.recorded()[0]; request.Method != http.MethodDelete || request.Path != "/notes/srv-1" {
		testContext.Fatalf("unexpected request line: %s %s", request.Method, request.Path)
	}
}

func TestNon2xxBecomesRemoteError(testContext *testing.T) {
	_, server := newScriptedServer(testContext, http.StatusInternalServerError, `boom`)
	client := mustClient(testContext, server.URL, nil)

	_, err := client.List(context.Background(), 0)
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		testContext.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.StatusCode != http.StatusInternalServerError || remoteErr.Body != "boom" || remoteErr.Operation != operationList {
		testContext.Fatalf("unexpected remote error: %+v", remoteErr)
	}
	if IsConnectivity(err) {
		testContext.Fatalf("status errors are not connectivity errors")
	}
}

func TestUnreachableServerBecomesConnectivityError(testContext *testing.T) {
	_, server := newScriptedServer(testContext, http.StatusOK, `[]`)
	baseURL := server.URL
	server.Close()

	client := mustClient(testContext, baseURL, nil)
	err := client.Probe(context.Background())
	if !IsConnectivity(err) {
		testContext.Fatalf("expected ConnectivityError, got %v", err)
	}
	if !strings.Contains(err.Error(), "probe") {
		testContext.Fatalf("expected operation in message, got %q", err.Error())
	}
}

func TestNewClientValidatesBaseURL(testContext *testing.T) {
	for _, baseURL := range []string{"", "   ", "ftp://example.com"} {
		if _, err := NewClient(Config{BaseURL: baseURL}); !errors.Is(err, ErrInvalidConfig) {
			testContext.Fatalf("expected ErrInvalidConfig for %q, got %v", baseURL, err)
		}
	}
}
