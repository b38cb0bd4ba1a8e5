package orion

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPathStats        = "/api/stats"
	apiPathBotInfo      = "/api/bot-info"
	apiPathUser         = "/api/user"
	apiPathGuildStats   = "/api/guild-stats/:guildId"
	apiPathGuildData    = "/api/guild-data/:guildId"
	apiPathGuildConfig  = "/api/config/:guildId"
	apiPathConfigSave   = "/api/config/save"
	apiPathEmbedSend    = "/api/embed/send/:guildId"
	apiPathTicketDeploy = "/api/ticket/deploy"
	apiPathAction       = "/api/action/:type"

	apiPathAuthDiscord  = "/auth/discord"
	apiPathAuthCallback = "/auth/discord/callback"
	apiPathLogout       = "/logout"
	apiHealthCheck      = "/healthz"

	staticFileRoot = "static"

	ginAuthUserKey = "authenticated_user"
	oauthStateKey  = "oauth_state"
)

var structValidator = validator.New()

// httpError is a generic error response body. Error strings are fixed
// per endpoint; internal error detail stays in the logs.
type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Success bool `json:"success"`
}

// API is the HTTP control plane: the public landing-page endpoints, the
// OAuth login flow, and the session-guarded dashboard endpoints.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               SessionStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	o      *Orion
	logger *slog.Logger
	store  SessionStore
}

// NewAPIHandlers initializes the endpoint handlers and their session
// store. An unset API secret gets a random signing key, with the caveat
// that sessions won't survive a restart.
func NewAPIHandlers(o *Orion) *APIHandlers {
	logger := o.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := o.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewSessionStore(o.db, secretKey)
	sameSite := http.SameSiteLaxMode
	if o.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   !o.config.API.Development,
			MaxAge:   int(o.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{o: o, logger: logger, store: store}
}

func newAPI(o *Orion, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 3),
	}
	apiHandlers := NewAPIHandlers(o)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	api.logger = apiHandlers.logger
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		cfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiPathStats, apiHandlers.getStats)
	r.GET(apiPathBotInfo, apiHandlers.getBotInfo)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.GET(apiPathAuthDiscord, apiHandlers.authRedirect)
	r.GET(apiPathAuthCallback, apiHandlers.authCallback)
	r.GET(apiPathLogout, apiHandlers.logoutHandler)

	staticFiles := http.FileServer(http.Dir(staticFileRoot))
	r.NoRoute(
		func(c *gin.Context) {
			if strings.HasPrefix(c.Request.URL.Path, "/api/") {
				c.AbortWithStatus(http.StatusNotFound)
				return
			}
			gin.WrapH(staticFiles)(c)
		},
	)

	protected := r.Group("")
	protected.Use(authMiddleware(api))

	protected.GET(apiPathUser, apiHandlers.getUser)
	protected.GET(apiPathGuildStats, apiHandlers.getGuildStats)
	protected.GET(apiPathGuildData, apiHandlers.getGuildData)
	protected.GET(apiPathGuildConfig, apiHandlers.getGuildConfig)
	protected.POST(apiPathConfigSave, apiHandlers.saveGuildConfig)
	protected.POST(apiPathEmbedSend, apiHandlers.sendEmbed)
	protected.POST(apiPathTicketDeploy, apiHandlers.deployTicketPanel)
	protected.POST(apiPathAction, apiHandlers.moderationAction)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if e != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// sessionUser returns the authenticated user stored in the request's
// session, or an error when the session is absent or anonymous.
func (a *API) sessionUser(c *gin.Context) (AuthenticatedUser, error) {
	var user AuthenticatedUser
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return user, err
	}
	value, ok := session.Values[sessionVarField]
	if !ok {
		return user, errors.New("identity not found in session")
	}
	user, ok = value.(AuthenticatedUser)
	if !ok {
		return user, errors.New("session identity has unexpected type")
	}
	return user, nil
}

// authMiddleware rejects unauthenticated requests with a bare 401 (no
// body). Authenticated requests get their session expiry slid forward.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.sessionUser(c)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if session, serr := a.store.Get(c.Request, sessionVarName); serr == nil {
			if serr = session.Save(c.Request, c.Writer); serr != nil {
				ginContextLogger(c).Warn(
					"error refreshing session", tint.Err(serr),
				)
			}
		}
		c.Set(ginAuthUserKey, user)
		c.Next()
	}
}

// authUser returns the AuthenticatedUser set by authMiddleware.
func authUser(c *gin.Context) (AuthenticatedUser, bool) {
	value, ok := c.Get(ginAuthUserKey)
	if !ok {
		return AuthenticatedUser{}, false
	}
	user, ok := value.(AuthenticatedUser)
	return user, ok
}

// getStats handles the public landing-page counters. No authentication:
// before the gateway is ready it returns zeros with a placeholder avatar.
func (h *APIHandlers) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.aggregator.BotStats())
}

// getBotInfo reports the bot avatar, or a loading marker before the
// gateway connection is established.
func (h *APIHandlers) getBotInfo(c *gin.Context) {
	if !h.o.gateway.Ready() {
		c.JSON(http.StatusOK, gin.H{"loading": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatar": h.o.gateway.BotAvatarURL()})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"discord_gateway_connected": h.o.gateway.connected.Load(),
		},
	)
}

// authRedirect starts the OAuth login flow: a random state value is
// stored in the session and the browser is sent to the authorization
// URL. Rate limited.
func (h *APIHandlers) authRedirect(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.o.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	state, err := generateRandomHexString(16)
	if err != nil {
		ginReplyError(c, "internal server error")
		return
	}
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	session.Values[oauthStateKey] = state
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.Redirect(http.StatusFound, h.o.oauth.AuthCodeURL(state))
}

// authCallback finishes the OAuth login flow: the state value must match
// the one stored by authRedirect, the code is exchanged, and the
// resulting identity is written to the session. Any failure bounces the
// browser back to the landing page.
func (h *APIHandlers) authCallback(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	expectedState, _ := session.Values[oauthStateKey].(string)
	delete(session.Values, oauthStateKey)
	// the state is single use; persist its removal even when the checks
	// or the code exchange below fail
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	state := c.Query("state")
	if expectedState == "" || state != expectedState {
		logger.Warn("oauth state mismatch")
		c.Redirect(http.StatusFound, "/")
		return
	}

	token, err := h.o.oauth.Exchange(c.Request.Context(), c.Query("code"))
	if err != nil {
		logger.Error("oauth code exchange failed", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	identity, guilds, err := h.o.oauth.FetchIdentity(c.Request.Context(), token)
	if err != nil {
		logger.Error("error fetching identity", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}

	session.Values[sessionVarField] = AuthenticatedUser{
		Identity: *identity,
		Guilds:   guilds,
	}
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	logger.Info(
		"user logged in",
		"user_id", identity.ID,
		"username", identity.Username,
	)
	c.Redirect(http.StatusFound, DefaultOAuthRedirect)
}

// logoutHandler destroys the session and bounces to the landing page.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.Redirect(http.StatusFound, "/")
		return
	}
	session.Options.MaxAge = -1
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error destroying session", tint.Err(err))
	}
	c.Redirect(http.StatusFound, "/")
}

// getUser returns the authenticated user's profile and the guilds they
// administer.
func (h *APIHandlers) getUser(c *gin.Context) {
	user, ok := authUser(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusOK, h.o.aggregator.Profile(user.Identity, user.Guilds))
}

// getGuildStats returns the per-guild dashboard counters. Always 200:
// partial failures are reported in-band through the TopUser field.
func (h *APIHandlers) getGuildStats(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		h.o.aggregator.GuildStats(c.Request.Context(), c.Param("guildId")),
	)
}

// getGuildData returns the configuration-page dataset for one guild.
func (h *APIHandlers) getGuildData(c *gin.Context) {
	payload, err := h.o.aggregator.GuildData(
		c.Request.Context(), c.Param("guildId"),
	)
	switch {
	case errors.Is(err, ErrGuildNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "Bot absent"})
	case err != nil:
		ginContextLogger(c).Error("error building guild data", tint.Err(err))
		ginReplyError(c, "internal server error")
	default:
		c.JSON(http.StatusOK, payload)
	}
}

// getGuildConfig returns the guild's stored configuration row, or an
// empty object when none exists yet.
func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	config, err := h.o.aggregator.GuildConfig(
		c.Request.Context(), c.Param("guildId"),
	)
	if err != nil {
		ginContextLogger(c).Error("error loading guild config", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, config)
}

type configSaveRequest struct {
	GuildID string         `json:"guildId" binding:"required"`
	Config  map[string]any `json:"config"`
}

// saveGuildConfig persists a partial configuration update. Field names
// outside the known column set are rejected; an empty update succeeds
// without touching the database.
func (h *APIHandlers) saveGuildConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var req configSaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	err := h.o.aggregator.SaveConfig(c.Request.Context(), req.GuildID, req.Config)
	var unknownKey UnknownConfigKeyError
	switch {
	case errors.As(err, &unknownKey):
		logger.Warn("rejected config save", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: unknownKey.Error()})
	case err != nil:
		logger.Error("error saving config", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "Erreur DB."})
	default:
		c.JSON(http.StatusOK, httpReply{Success: true})
	}
}

type embedSendRequest struct {
	ChannelID string       `json:"channelId" binding:"required"`
	Embed     EmbedPayload `json:"embed"`
}

// sendEmbed sends an announcement embed to a channel of the guild in the
// URL. The channel must belong to that guild.
func (h *APIHandlers) sendEmbed(c *gin.Context) {
	logger := ginContextLogger(c)
	var req embedSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	err := h.o.aggregator.SendEmbed(
		c.Request.Context(), c.Param("guildId"), req.ChannelID, req.Embed,
	)
	switch {
	case errors.Is(err, ErrGuildNotFound), errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "Salon introuvable"})
	case err != nil:
		logger.Error("error sending embed", tint.Err(err))
		ginReplyError(c, "internal server error")
	default:
		c.JSON(http.StatusOK, httpReply{Success: true})
	}
}

type ticketDeployRequest struct {
	GuildID   string `json:"guildId" binding:"required"`
	ChannelID string `json:"channelId" binding:"required"`
}

// deployTicketPanel renders the guild's configured ticket panel and
// posts it to the given channel.
func (h *APIHandlers) deployTicketPanel(c *gin.Context) {
	logger := ginContextLogger(c)
	var req ticketDeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	err := h.o.aggregator.DeployTicketPanel(
		c.Request.Context(), req.GuildID, req.ChannelID,
	)
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "Salon introuvable"})
	case err != nil:
		logger.Error("error deploying ticket panel", tint.Err(err))
		ginReplyError(c, "internal server error")
	default:
		c.JSON(http.StatusOK, httpReply{Success: true})
	}
}

type moderationRequest struct {
	GuildID  string `json:"guildId" binding:"required"`
	TargetID string `json:"targetId" binding:"required"`
}

// moderationAction executes a kick or ban against a guild member. The
// action type comes from the URL; unknown types are rejected up front.
func (h *APIHandlers) moderationAction(c *gin.Context) {
	logger := ginContextLogger(c)
	var req moderationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	action := c.Param("type")
	err := h.o.aggregator.Moderate(
		c.Request.Context(), action, req.GuildID, req.TargetID,
	)
	switch {
	case errors.Is(err, ErrUnknownAction):
		c.JSON(http.StatusBadRequest, httpError{Error: "action inconnue"})
	case err != nil:
		logger.Error(
			"moderation action failed",
			tint.Err(err),
			"action", action,
			"guild_id", req.GuildID,
			"target_id", req.TargetID,
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "Impossible d'exécuter l'action."},
		)
	default:
		logger.Info(
			"moderation action executed",
			"action", action,
			"guild_id", req.GuildID,
			"target_id", req.TargetID,
		)
		c.JSON(http.StatusOK, httpReply{Success: true})
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests, including the request duration and response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics: a request count per method/path combination.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		a.requestMetrics[key]++
	}
}

// RequestMetrics returns a copy of the per-route request counters.
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

// ginReplyError sends a JSON 500 response with the given error message.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
