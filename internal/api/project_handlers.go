package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"coachchat/internal/models"
	"coachchat/internal/service/assistant"
)

type projectRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	IsDefault   bool    `json:"is_default"`
}

func (r projectRequest) input() assistant.ProjectInput {
	return assistant.ProjectInput{Name: r.Name, Description: r.Description, IsDefault: r.IsDefault}
}

func (h *Handler) listProjects(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	projects, err := h.assistant.ListProjects(c.Request.Context(), identity.UserID)
	if err != nil {
		log.Printf("list projects for user %d: %v", identity.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching projects"})
		return
	}
	if projects == nil {
		projects = make([]*models.Project, 0)
	}
	c.JSON(http.StatusOK, projects)
}

func (h *Handler) createProject(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, err := h.assistant.CreateProject(c.Request.Context(), identity.UserID, req.input())
	if err != nil {
		if errors.Is(err, assistant.ErrProjectNameRequired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Project name is required"})
			return
		}
		log.Printf("create project for user %d: %v", identity.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error creating project"})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) updateProject(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	project, err := h.assistant.UpdateProject(c.Request.Context(), identity.UserID, c.Param("id"), req.input())
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrProjectNameRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Project name is required"})
		case errors.Is(err, assistant.ErrOnlyProjectDefault):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot unset default on the only project"})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		default:
			log.Printf("update project %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error updating project"})
		}
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) deleteProjects(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	var req struct {
		ProjectIDs []string `json:"projectIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.assistant.DeleteProjects(c.Request.Context(), identity.UserID, req.ProjectIDs); err != nil {
		switch {
		case errors.Is(err, assistant.ErrProjectIDsRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Project IDs are required"})
		case errors.Is(err, assistant.ErrDefaultProjectDelete):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete default project"})
		default:
			log.Printf("delete projects for user %d: %v", identity.UserID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error deleting projects"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) recentProjects(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	projects, err := h.assistant.RecentProjects(c.Request.Context(), identity.UserID)
	if err != nil {
		log.Printf("recent projects for user %d: %v", identity.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error fetching recent projects"})
		return
	}
	if projects == nil {
		projects = make([]*models.RecentProject, 0)
	}
	c.JSON(http.StatusOK, projects)
}
