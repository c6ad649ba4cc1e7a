package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/vettr/backend/internal/auth"
	"github.com/vettr/backend/internal/syncengine"
	"github.com/vettr/backend/internal/users"
	"go.uber.org/zap"
)

const (
	accountContextKey = "vettr_account"
	claimsContextKey  = "vettr_claims"
	defaultAdminRole  = "admin"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccountResolver  = errors.New("account resolver dependency required")
	errMissingSyncService      = errors.New("sync service dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AccountResolver maps session claims onto the account the engine operates on.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, claims auth.SessionClaims) (syncengine.Account, error)
}

// SyncService is the engine surface the transport drives.
type SyncService interface {
	Pull(ctx context.Context, account syncengine.Account, request syncengine.PullRequest) (syncengine.PullEnvelope, error)
	Push(ctx context.Context, userID syncengine.UserID, mutations []syncengine.ClientMutation) (syncengine.PushEnvelope, error)
	ListAttempts(ctx context.Context, userID syncengine.UserID, limit int) ([]syncengine.SyncAttempt, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Accounts         AccountResolver
	SyncService      SyncService
	AdminRole        string
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Accounts == nil {
		return nil, errMissingAccountResolver
	}
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adminRole := strings.TrimSpace(deps.AdminRole)
	if adminRole == "" {
		adminRole = defaultAdminRole
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		accounts:  deps.Accounts,
		sync:      deps.SyncService,
		adminRole: adminRole,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/pull", handler.handlePull)
	protected.POST("/sync/push", handler.handlePush)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.GET("/sync/attempts/:user_id", handler.handleListAttempts)

	return router, nil
}

// corsMiddleware allows credentialed cross-origin calls only from the listed
// origins. Without a list any origin may call with a bearer token, but
// browsers will not attach the session cookie.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"*"}
		return cors.New(cfg)
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cors.New(cfg)
}

type httpHandler struct {
	sessions  SessionValidator
	accounts  AccountResolver
	sync      SyncService
	adminRole string
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	account, err := h.accounts.ResolveAccount(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("account resolution rejected claims", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("account resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account_unavailable"})
		return
	}

	c.Set(claimsContextKey, claims)
	c.Set(accountContextKey, account)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, ok := c.Get(claimsContextKey)
	claims, isClaims := value.(auth.SessionClaims)
	if !ok || !isClaims || !claims.HasRole(h.adminRole) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func accountFromContext(c *gin.Context) (syncengine.Account, bool) {
	value, ok := c.Get(accountContextKey)
	if !ok {
		return syncengine.Account{}, false
	}
	account, ok := value.(syncengine.Account)
	return account, ok
}
