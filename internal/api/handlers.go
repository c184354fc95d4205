package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/billing"
	"coachchat/internal/config"
	"coachchat/internal/payments"
	"coachchat/internal/rag"
	"coachchat/internal/service/assistant"
	"coachchat/internal/service/chat"
)

// Dependencies are the services a Handler routes requests to.
type Dependencies struct {
	Assistant *assistant.Service
	Auth      *auth.Service
	Billing   *billing.Store
	Chats     *chat.Orchestrator
	Payments  *payments.Processor
	HitPay    *payments.HitPayClient
	Embedder  rag.Embedder
	Config    *config.Config
}

// Handler wires HTTP routes to the chat, knowledge-base and billing services.
type Handler struct {
	assistant *assistant.Service
	auth      *auth.Service
	billing   *billing.Store
	chats     *chat.Orchestrator
	payments  *payments.Processor
	hitpay    *payments.HitPayClient
	embedder  rag.Embedder
	cfg       *config.Config
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Dependencies) *Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Handler{
		assistant: deps.Assistant,
		auth:      deps.Auth,
		billing:   deps.Billing,
		chats:     deps.Chats,
		payments:  deps.Payments,
		hitpay:    deps.HitPay,
		embedder:  deps.Embedder,
		cfg:       cfg,
	}
}

func (h *Handler) authorizedIdentity(c *gin.Context) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Identity{}, false
	}
	return identity, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/pricing", h.getPricing)

	// provider callbacks carry their own signatures
	api.POST("/webhook/hitpay", h.hitpayWebhook)
	api.POST("/webhook", h.paddleWebhook)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/users/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)

	authed.POST("/chat", h.postChat)
	authed.DELETE("/chat", h.deleteChat)
	authed.GET("/history", h.getHistory)
	authed.GET("/chat/:id/messages", h.getChatMessages)
	authed.DELETE("/chat/:id/messages", h.truncateChat)

	authed.GET("/projects", h.listProjects)
	authed.POST("/projects", h.createProject)
	authed.DELETE("/projects", h.deleteProjects)
	authed.GET("/projects/recent", h.recentProjects)
	authed.PUT("/projects/:id", h.updateProject)
	authed.GET("/projects/:id/files", h.listFiles)
	authed.POST("/projects/:id/files", h.createFile)
	authed.POST("/projects/:id/files/upload", h.uploadFile)
	authed.DELETE("/projects/:id/files", h.deleteFiles)
	authed.PUT("/projects/:id/files/:fileId", h.updateFile)

	authed.GET("/credits", h.getCredits)
	authed.GET("/credits/transactions", h.getCreditTransactions)
	authed.POST("/checkout/hitpay", h.hitpayCheckout)
}

// User create&login interface
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, assistant.ErrCredentialsRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
		"csrf_token": csrfToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if _, ok := h.authorizedIdentity(c); !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	identity, ok := h.authorizedIdentity(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), identity.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// queued finalize steps would write into chats about to be deleted
	h.chats.CancelPending(identity.UserID)
	if err := h.assistant.DeleteUser(c.Request.Context(), identity.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

// publicURL joins the configured public base with path.
func (h *Handler) publicURL(path string) string {
	base := strings.TrimRight(h.cfg.BasicConfig.PublicURL, "/")
	if base == "" {
		base = "http://localhost:3000"
	}
	return base + path
}
