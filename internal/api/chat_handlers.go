package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"coachchat/internal/models"
	"coachchat/internal/service/chat"
)

func (h *Handler) postChat(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req chat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	turn, err := h.chats.Prepare(c.Request.Context(), identity, req)
	if err != nil {
		status := chat.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("chat %s: prepare turn for user %d: %v", req.ID, identity.UserID, err)
		}
		c.JSON(status, gin.H{"error": chat.PublicMessage(err)})
		return
	}

	stream, ok := newSSEStream(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	if err := turn.Stream(c.Request.Context(), stream); err != nil {
		log.Printf("chat %s: stream ended: %v", turn.ChatID(), err)
	}
}

// ownedChat loads a chat and checks it belongs to the caller. It writes the
// error response itself.
func (h *Handler) ownedChat(c *gin.Context, userID int64, chatID string) (*models.Chat, bool) {
	if strings.TrimSpace(chatID) == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return nil, false
	}
	found, err := h.assistant.GetChat(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred while processing your request!"})
		return nil, false
	}
	if found.UserID != userID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}
	return found, true
}

func (h *Handler) deleteChat(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	found, ok := h.ownedChat(c, identity.UserID, c.Query("id"))
	if !ok {
		return
	}
	if err := h.assistant.DeleteChat(c.Request.Context(), identity.UserID, found.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred while processing your request!"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}

func (h *Handler) getHistory(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	chats, err := h.assistant.ListChats(c.Request.Context(), identity.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if chats == nil {
		chats = make([]*models.Chat, 0)
	}
	c.JSON(http.StatusOK, chats)
}

func (h *Handler) getChatMessages(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	found, ok := h.ownedChat(c, identity.UserID, c.Param("id"))
	if !ok {
		return
	}
	messages, err := h.assistant.ListMessages(c.Request.Context(), found.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat":     found,
		"messages": messages,
	})
}

// truncateChat drops every message created at or after ?after=, used when
// the client edits an earlier turn.
func (h *Handler) truncateChat(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	after, err := time.Parse(time.RFC3339Nano, c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after must be an RFC3339 timestamp"})
		return
	}
	found, ok := h.ownedChat(c, identity.UserID, c.Param("id"))
	if !ok {
		return
	}
	deleted, err := h.assistant.DeleteMessagesAfter(c.Request.Context(), found.ID, after)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
