// Package server exposes the remote note collection over the REST contract the sync client speaks.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/collection"
	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	ownerContextKey = "notesync_owner_id"
	noteIDParam     = "id"
	maxListLimit    = 1000
)

var (
	errMissingCollection    = errors.New("collection service dependency required")
	errMissingOwner         = errors.New("default owner required when no token validator is configured")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the owner it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. Without Tokens every request acts as DefaultOwner.
type Dependencies struct {
	Collection   *collection.Service
	Tokens       TokenValidator
	DefaultOwner string
	Registry     *prometheus.Registry
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Collection == nil {
		return nil, errMissingCollection
	}

	var defaultOwner collection.OwnerID
	if deps.Tokens == nil {
		owner, err := collection.NewOwnerID(deps.DefaultOwner)
		if err != nil {
			return nil, errors.Join(errMissingOwner, err)
		}
		defaultOwner = owner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	router := gin.New()
	router.UseRawPath = true
	router.Use(gin.Recovery())
	router.Use(newRequestMetrics(registry).middleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		collection:   deps.Collection,
		tokens:       deps.Tokens,
		defaultOwner: defaultOwner,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	protected := router.Group("/notes")
	protected.Use(handler.authorizeRequest)
	protected.GET("", handler.handleListNotes)
	protected.POST("", handler.handleCreateNote)
	protected.GET("/:"+noteIDParam, handler.handleGetNote)
	protected.PUT("/:"+noteIDParam, handler.handleUpdateNote)
	protected.DELETE("/:"+noteIDParam, handler.handleDeleteNote)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	collection   *collection.Service
	tokens       TokenValidator
	defaultOwner collection.OwnerID
	logger       *zap.Logger
}

type writeRequestPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt string `json:"updatedAt"`
}

type noteResponsePayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt string `json:"updatedAt"`
	Version   int64  `json:"version"`
}

func newNoteResponse(record collection.Record) noteResponsePayload {
	note := record.Note()
	return noteResponsePayload{
		ID:        note.ID,
		Title:     note.Title,
		Body:      note.Body,
		UpdatedAt: note.UpdatedAt.Format(time.RFC3339Nano),
		Version:   record.Version,
	}
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	records, err := h.collection.ListNotes(c.Request.Context(), h.owner(c), limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := make([]noteResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, newNoteResponse(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}
	record, err := h.collection.GetNote(c.Request.Context(), h.owner(c), noteID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNoteResponse(record))
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	draft, ok := bindDraft(c)
	if !ok {
		return
	}
	record, err := h.collection.CreateNote(c.Request.Context(), h.owner(c), draft)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newNoteResponse(record))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}
	draft, ok := bindDraft(c)
	if !ok {
		return
	}
	record, err := h.collection.UpdateNote(c.Request.Context(), h.owner(c), noteID, draft)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newNoteResponse(record))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, ok := h.noteID(c)
	if !ok {
		return
	}
	if err := h.collection.DeleteNote(c.Request.Context(), h.owner(c), noteID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func bindDraft(c *gin.Context) (collection.Draft, bool) {
	var request writeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return collection.Draft{}, false
	}
	draft := collection.Draft{Title: request.Title, Body: request.Body}
	if raw := strings.TrimSpace(request.UpdatedAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_updated_at"})
			return collection.Draft{}, false
		}
		draft.UpdatedAt = parsed
	}
	return draft, true
}

func (h *httpHandler) noteID(c *gin.Context) (notes.NoteID, bool) {
	noteID, err := notes.NewNoteID(c.Param(noteIDParam))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return "", false
	}
	return noteID, true
}

func (h *httpHandler) owner(c *gin.Context) collection.OwnerID {
	return collection.OwnerID(c.GetString(ownerContextKey))
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	payload := gin.H{}
	var serviceErr *collection.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	if errors.Is(err, collection.ErrNoteNotFound) {
		payload["error"] = "not_found"
		c.JSON(http.StatusNotFound, payload)
		return
	}
	h.logger.Error("collection request failed", zap.String("path", c.FullPath()), zap.Error(err))
	payload["error"] = "internal_error"
	c.JSON(http.StatusInternalServerError, payload)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if h.tokens == nil {
		c.Set(ownerContextKey, h.defaultOwner.String())
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	owner, err := collection.NewOwnerID(subject)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerContextKey, owner.String())
	c.Next()
}
