package handlers

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/cache"
	"collabnote/backend/internal/collab"
	"collabnote/backend/internal/store"
)

// Access decides whether a user may see a document.
type Access interface {
	IsCollaborator(ctx context.Context, docID, userID string) (bool, error)
}

// PresenceHandler lists who is in a document. It reads the redis mirror when
// configured, which covers every instance, and the local session otherwise.
// Only collaborators see a document's presence.
type PresenceHandler struct {
	presence cache.PresenceCache
	reg      *collab.Registry
	access   Access
}

func NewPresenceHandler(presence cache.PresenceCache, reg *collab.Registry, access Access) *PresenceHandler {
	return &PresenceHandler{presence: presence, reg: reg, access: access}
}

func (h *PresenceHandler) List(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docID := c.Query("docId")
	if docID == "" {
		docID = c.Query("doc_id")
	}
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}
	ok, err := h.access.IsCollaborator(c.Request.Context(), docID, userID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": store.ErrDocumentNotFound.Error()})
		return
	}

	var members []awareness.ClientPresence
	if h.presence != nil {
		members, err = h.presence.GetAliveMembers(c.Request.Context(), docID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else if s, ok := h.reg.Session(docID); ok {
		for _, p := range s.Awareness.Snapshot() {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	if members == nil {
		members = []awareness.ClientPresence{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": members})
}

// ActiveDocuments lists the caller's documents with live presence anywhere in
// the cluster.
func (h *PresenceHandler) ActiveDocuments(c *gin.Context) {
	userID, ok := userFrom(c)
	if !ok {
		return
	}
	docs := h.reg.Documents()
	if h.presence != nil {
		var err error
		if docs, err = h.presence.GetDocuments(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	mine := make([]string, 0, len(docs))
	for _, id := range docs {
		ok, err := h.access.IsCollaborator(c.Request.Context(), id, userID)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		if ok {
			mine = append(mine, id)
		}
	}
	sort.Strings(mine)
	c.JSON(http.StatusOK, gin.H{"documents": mine})
}
