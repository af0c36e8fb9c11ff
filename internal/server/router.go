package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/auth"
	"github.com/MarcoPoloResearchLab/voyager/internal/gets"
	"github.com/MarcoPoloResearchLab/voyager/internal/leaderboard"
	"github.com/MarcoPoloResearchLab/voyager/internal/ledger"
	"github.com/MarcoPoloResearchLab/voyager/internal/preferences"
	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "voyager_service_claims"
	requestIDContextKey = "voyager_request_id"
	requestIDHeader     = "X-Request-ID"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingCoordinator    = errors.New("coordinator dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingStores         = errors.New("marker registry, graph, standings and preference store dependencies required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates transport service tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.ServiceClaims, error)
}

// MarkerRegistry primes and closes marker messages.
type MarkerRegistry interface {
	OpenMarker(ctx context.Context, spec ledger.MarkerSpec) (ledger.Marker, error)
	CloseMarker(ctx context.Context, markerID snowflake.ID) error
	OpenMarkers(ctx context.Context, guildID snowflake.ID) ([]ledger.Marker, error)
}

// BlockGraph edits the social graph.
type BlockGraph interface {
	Block(ctx context.Context, blocker, blockee snowflake.ID) error
	Unblock(ctx context.Context, blocker, blockee snowflake.ID) error
	Blocked(ctx context.Context, blocker snowflake.ID) ([]snowflake.ID, error)
}

// Standings applies owner corrections.
type Standings interface {
	Override(ctx context.Context, userID snowflake.ID, total int64) (leaderboard.Entry, error)
}

// PreferenceStore reads and edits preference documents.
type PreferenceStore interface {
	Get(ctx context.Context, userID snowflake.ID) (preferences.Document, error)
	Merge(ctx context.Context, userID snowflake.ID, partial preferences.Document) (preferences.Document, error)
	Reset(ctx context.Context, userID snowflake.ID) (preferences.Document, error)
}

// ReconcileRunner performs an immediate reconciliation pass.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (leaderboard.ReconcileReport, error)
}

// ClaimRateLimit bounds claim attempts per claimant.
type ClaimRateLimit struct {
	PerSecond float64
	Burst     int
}

// Dependencies wires the HTTP surface to the claim services.
type Dependencies struct {
	Coordinator       *gets.Coordinator
	Markers           MarkerRegistry
	Graph             BlockGraph
	Standings         Standings
	Preferences       PreferenceStore
	Reconciler        ReconcileRunner
	Announcer         *gets.Announcer
	Tokens            TokenValidator
	MetricsHandler    http.Handler
	ClaimRateLimit    ClaimRateLimit
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
	Clock             func() time.Time
}

// NewHTTPHandler builds the gin router exposing claims, rankings and user settings.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Markers == nil || deps.Graph == nil || deps.Standings == nil || deps.Preferences == nil {
		return nil, errMissingStores
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		markers:     deps.Markers,
		graph:       deps.Graph,
		standings:   deps.Standings,
		preferences: deps.Preferences,
		reconciler:  deps.Reconciler,
		announcer:   deps.Announcer,
		tokens:      deps.Tokens,
		limiter:     newClaimLimiter(deps.ClaimRateLimit.PerSecond, deps.ClaimRateLimit.Burst, clock),
		heartbeat:   heartbeat,
		logger:      logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/markers", handler.handleOpenMarker)
	protected.POST("/markers/:marker_id/close", handler.handleCloseMarker)
	protected.GET("/guilds/:guild_id/markers", handler.handleListMarkers)
	protected.POST("/claims", handler.handleClaim)
	protected.POST("/guilds/:guild_id/claims", handler.handleClaimPending)
	protected.GET("/guilds/:guild_id/announcements", handler.handleAnnouncements)

	protected.GET("/leaderboard", handler.handleLeaderboard)
	protected.GET("/users/:user_id/profile", handler.handleProfile)
	protected.GET("/users/:user_id/blocks", handler.handleListBlocks)
	protected.PUT("/users/:user_id/blocks/:blockee_id", handler.handleBlock)
	protected.DELETE("/users/:user_id/blocks/:blockee_id", handler.handleUnblock)
	protected.GET("/users/:user_id/preferences", handler.handleGetPreferences)
	protected.PATCH("/users/:user_id/preferences", handler.handleMergePreferences)
	protected.DELETE("/users/:user_id/preferences", handler.handleResetPreferences)

	admin := protected.Group("/admin")
	admin.Use(requireRole(auth.RoleAdmin))
	admin.PUT("/users/:user_id/gets", handler.handleOverride)
	admin.POST("/reconcile", handler.handleReconcile)

	return router, nil
}

type httpHandler struct {
	coordinator *gets.Coordinator
	markers     MarkerRegistry
	graph       BlockGraph
	standings   Standings
	preferences PreferenceStore
	reconciler  ReconcileRunner
	announcer   *gets.Announcer
	tokens      TokenValidator
	limiter     *claimLimiter
	heartbeat   time.Duration
	logger      *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDContextKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.String("request_id", c.GetString(requestIDContextKey)), zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.String("request_id", c.GetString(requestIDContextKey)), zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// bearerToken reads the Authorization header, falling back to the access_token
// query parameter for event streams opened by clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	if token, ok := auth.BearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	if c.Request.Method == http.MethodGet {
		return c.Query("access_token")
	}
	return ""
}

func requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(claimsContextKey)
		serviceClaims, valid := claims.(auth.ServiceClaims)
		if !ok || !valid || !serviceClaims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// respondError maps service errors to HTTP statuses and logs unexpected ones.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, snowflake.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
	case errors.Is(err, preferences.ErrInvalidPreference):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_preference", "detail": err.Error()})
	case errors.Is(err, ledger.ErrUnknownMarker):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_marker"})
	case errors.Is(err, gets.ErrNotVisible):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}

func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := snowflake.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + name})
		return 0, false
	}
	return id, true
}

// optionalID parses an optional identifier; an empty value yields zero.
func optionalID(raw string) (snowflake.ID, error) {
	if raw == "" {
		return 0, nil
	}
	return snowflake.Parse(raw)
}
