package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tokens travel in the query string, so any origin that holds one may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *handler) listCollaborators(c *gin.Context) {
	list, err := h.Collab.GetCollaborators(c.Request.Context(), userID(c), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type collaboratorRequest struct {
	User       string           `json:"user"`
	Permission model.Permission `json:"permission" binding:"required"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

func (h *handler) addCollaborator(c *gin.Context) {
	var req collaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	out, err := h.Collab.AddCollaborator(c.Request.Context(), userID(c), c.Param("wb"), req.User, req.Permission, req.ExpiresAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *handler) updateCollaborator(c *gin.Context) {
	var req collaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, badRequest(err))
		return
	}
	if err := h.Collab.UpdateCollaboratorPermissions(c.Request.Context(), userID(c), c.Param("wb"), c.Param("user"), req.Permission); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) removeCollaborator(c *gin.Context) {
	if err := h.Collab.RemoveCollaborator(c.Request.Context(), userID(c), c.Param("wb"), c.Param("user")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listSessions(c *gin.Context) {
	list, err := h.Collab.ActiveSessions(c.Request.Context(), userID(c), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []model.EditSession{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *handler) startSession(c *gin.Context) {
	s, err := h.Collab.StartSession(c.Request.Context(), userID(c), c.Param("wb"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *handler) endSession(c *gin.Context) {
	if err := h.Collab.EndSession(c.Request.Context(), userID(c), c.Param("session")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) sessionHistory(c *gin.Context) {
	edits, err := h.Sheets.History(c.Request.Context(), userID(c), c.Param("session"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if edits == nil {
		edits = []model.Edit{}
	}
	c.JSON(http.StatusOK, edits)
}

func (h *handler) undo(c *gin.Context) {
	e, err := h.Sheets.Undo(c.Request.Context(), userID(c), c.Param("session"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *handler) redo(c *gin.Context) {
	e, err := h.Sheets.Redo(c.Request.Context(), userID(c), c.Param("session"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// live upgrades to a websocket streaming the workbook's change events.
func (h *handler) live(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.Hub.Serve(c.Request.Context(), conn, c.Param("wb"), userID(c))
}
