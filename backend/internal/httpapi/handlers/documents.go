package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabnote/backend/internal/store"
)

// Documents is the durable store as the REST surface needs it.
type Documents interface {
	Get(ctx context.Context, docID string) (*store.Document, error)
	Create(ctx context.Context, ownerID, title, content string) (*store.Document, error)
	UpdateContent(ctx context.Context, docID, content string) error
	UpdateTitle(ctx context.Context, docID, title string) error
	Delete(ctx context.Context, docID, userID string) error
	ListForUser(ctx context.Context, userID string) ([]store.Document, error)
	AddCollaborator(ctx context.Context, docID, userID string) error
	RemoveCollaborator(ctx context.Context, docID, userID string) error
	ListCollaborators(ctx context.Context, docID string) ([]string, error)
	IsCollaborator(ctx context.Context, docID, userID string) (bool, error)
}

// MembershipCache fronts IsCollaborator and is told when a collaborator set changes.
type MembershipCache interface {
	IsCollaborator(ctx context.Context, docID, userID string) (bool, error)
	Forget(ctx context.Context, docID, userID string) error
}

// ContentWriter routes content writes through the replicated state so live
// sessions and later flushes keep them.
type ContentWriter interface {
	WriteContent(ctx context.Context, docID, content string) error
}

type DocumentHandler struct {
	docs    Documents
	members MembershipCache
	content ContentWriter
}

func NewDocumentHandler(docs Documents) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

func (h *DocumentHandler) WithMembershipCache(m MembershipCache) *DocumentHandler {
	h.members = m
	return h
}

func (h *DocumentHandler) WithContentWriter(w ContentWriter) *DocumentHandler {
	h.content = w
	return h
}

func (h *DocumentHandler) isCollaborator(ctx context.Context, docID, userID string) (bool, error) {
	if h.members != nil {
		return h.members.IsCollaborator(ctx, docID, userID)
	}
	return h.docs.IsCollaborator(ctx, docID, userID)
}

func (h *DocumentHandler) forget(ctx context.Context, docID string, userIDs ...string) {
	if h.members == nil {
		return
	}
	for _, id := range userIDs {
		if err := h.members.Forget(ctx, docID, id); err != nil {
			log.Printf("membership cache forget error (doc=%s, user=%s): %v", docID, id, err)
		}
	}
}

// Register mounts the document routes. Callers put the auth middleware on r.
func (h *DocumentHandler) Register(r gin.IRouter) {
	g := r.Group("/api/documents")
	g.GET("", h.List)
	g.POST("", h.Create)

	doc := g.Group("/:documentID", h.requireCollaborator)
	doc.GET("", h.Get)
	doc.PUT("/content", h.UpdateContent)
	doc.PUT("/title", h.UpdateTitle)
	doc.DELETE("", h.Delete)
	doc.GET("/collaborators", h.ListCollaborators)
	doc.POST("/collaborators", h.AddCollaborator)
	doc.DELETE("/collaborators/:userID", h.RemoveCollaborator)
}

func userFrom(c *gin.Context) (string, bool) {
	userID := c.GetString("userId")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		log.Printf("document store error (path=%s): %v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requireCollaborator lets only collaborators of :documentID through.
func (h *DocumentHandler) requireCollaborator(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docID := c.Param("documentID")
	ok, err := h.isCollaborator(c.Request.Context(), docID, userID)
	if err != nil {
		writeStoreError(c, err)
		c.Abort()
		return
	}
	if !ok {
		// unknown documents look the same as foreign ones
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": store.ErrDocumentNotFound.Error()})
		return
	}
	c.Next()
}

func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docs, err := h.docs.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

type createReq struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *DocumentHandler) Create(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	doc, err := h.docs.Create(c.Request.Context(), userID, title, req.Content)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.docs.Get(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) UpdateContent(c *gin.Context) {
	var req struct {
		Content *string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	write := h.docs.UpdateContent
	if h.content != nil {
		write = h.content.WriteContent
	}
	if err := write(c.Request.Context(), c.Param("documentID"), *req.Content); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) UpdateTitle(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.docs.UpdateTitle(c.Request.Context(), c.Param("documentID"), strings.TrimSpace(req.Title)); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, _ := userFrom(c)
	docID := c.Param("documentID")
	ids, err := h.docs.ListCollaborators(c.Request.Context(), docID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if err := h.docs.Delete(c.Request.Context(), docID, userID); err != nil {
		writeStoreError(c, err)
		return
	}
	h.forget(c.Request.Context(), docID, ids...)
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) ListCollaborators(c *gin.Context) {
	ids, err := h.docs.ListCollaborators(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"collaborators": ids})
}

func (h *DocumentHandler) AddCollaborator(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	docID := c.Param("documentID")
	if err := h.docs.AddCollaborator(c.Request.Context(), docID, req.UserID); err != nil {
		writeStoreError(c, err)
		return
	}
	h.forget(c.Request.Context(), docID, req.UserID)
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) RemoveCollaborator(c *gin.Context) {
	docID, userID := c.Param("documentID"), c.Param("userID")
	if err := h.docs.RemoveCollaborator(c.Request.Context(), docID, userID); err != nil {
		writeStoreError(c, err)
		return
	}
	h.forget(c.Request.Context(), docID, userID)
	c.Status(http.StatusNoContent)
}
