package api

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"coachchat/internal/models"
	"coachchat/internal/rag"
	"coachchat/internal/service/assistant"
)

// Files are the project's knowledge-base documents. Every write re-chunks
// and re-embeds the content before the store swaps the section set.

const maxUploadBytes = 1 << 20 // 1 MB of text

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

type fileRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *Handler) ownedProject(c *gin.Context, userID int64) (*models.Project, bool) {
	project, err := h.assistant.GetProject(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred"})
		return nil, false
	}
	return project, true
}

func (h *Handler) listFiles(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	docs, err := h.assistant.ListDocuments(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return
		}
		log.Printf("list files of project %s: %v", c.Param("id"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching files"})
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (h *Handler) createFile(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	project, ok := h.ownedProject(c, identity.UserID)
	if !ok {
		return
	}
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	doc, err := h.storeFile(c.Request.Context(), identity.UserID, project.ID, req.Title, req.Content)
	if err != nil {
		h.fileError(c, err, "Error creating file")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// uploadFile turns a plain-text upload into a knowledge-base file.
func (h *Handler) uploadFile(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	project, ok := h.ownedProject(c, identity.UserID)
	if !ok {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	_ = f.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}
	if len(raw) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	contentType := http.DetectContentType(raw)
	if !isAllowedContentType(contentType) || !utf8.Valid(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		name := filepath.Base(file.Filename)
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	doc, err := h.storeFile(c.Request.Context(), identity.UserID, project.ID, title, string(raw))
	if err != nil {
		h.fileError(c, err, "Error creating file")
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *Handler) updateFile(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	fileID, err := strconv.ParseInt(c.Param("fileId"), 10, 64)
	if err != nil || fileID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file ID"})
		return
	}
	var req fileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required"})
		return
	}
	project, ok := h.ownedProject(c, identity.UserID)
	if !ok {
		return
	}
	// ownership is checked before any embedding call
	if _, err := h.assistant.GetDocument(c.Request.Context(), identity.UserID, project.ID, fileID); err != nil {
		h.fileError(c, err, "Error updating file")
		return
	}
	sections, err := rag.BuildSections(c.Request.Context(), h.embedder, req.Content)
	if err != nil {
		log.Printf("embed file %d: %v", fileID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating file"})
		return
	}
	doc, err := h.assistant.UpdateDocumentWithChunks(c.Request.Context(), identity.UserID, project.ID, fileID, req.Title, req.Content, sections)
	if err != nil {
		h.fileError(c, err, "Error updating file")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) deleteFiles(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	project, ok := h.ownedProject(c, identity.UserID)
	if !ok {
		return
	}
	var req struct {
		FileIDs []int64 `json:"fileIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	deleted, err := h.assistant.DeleteDocuments(c.Request.Context(), identity.UserID, project.ID, req.FileIDs)
	if err != nil {
		h.fileError(c, err, "Error deleting files")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

func (h *Handler) storeFile(ctx context.Context, userID int64, projectID, title, content string) (*models.Document, error) {
	if strings.TrimSpace(title) == "" {
		return nil, assistant.ErrDocumentTitleRequired
	}
	sections, err := rag.BuildSections(ctx, h.embedder, content)
	if err != nil {
		return nil, err
	}
	return h.assistant.CreateDocumentWithChunks(ctx, userID, projectID, title, content, sections)
}

func (h *Handler) fileError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, assistant.ErrDocumentTitleRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Title is required"})
	case errors.Is(err, assistant.ErrDocumentIDsRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "File IDs are required"})
	case errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
	default:
		log.Printf("%s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
