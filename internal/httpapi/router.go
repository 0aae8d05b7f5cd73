package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/idempotency"
	"github.com/park285/cheese-live/internal/obslog"
	"github.com/park285/cheese-live/internal/session"
	"github.com/park285/cheese-live/pkg/livedto"
)

// HeaderUserID carries the acting player, already authenticated upstream.
const HeaderUserID = "X-User-Id"

// Games is the coordinator surface the API drives.
type Games interface {
	CreateFromMatch(ctx context.Context, m livedto.MatchFound) (session.Outcome, error)
	State(ctx context.Context, gameID string) (livedto.GameState, error)
	Clocks(ctx context.Context, gameID string) (livedto.Clocks, error)
	Move(ctx context.Context, gameID, actor, uci string) (session.Outcome, error)
	Resign(ctx context.Context, gameID, actor string) (session.Outcome, error)
	OfferDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
	AcceptDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
	DeclineDraw(ctx context.Context, gameID, actor string) (session.Outcome, error)
	Abort(ctx context.Context, gameID, actor string) (session.Outcome, error)
}

// Streamer serves the real-time channel for one game.
type Streamer interface {
	ServeConn(w http.ResponseWriter, r *http.Request, gameID, userID string)
}

type Options struct {
	// Matches enables POST /internal/matches when set.
	Matches        idempotency.Store
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

type handler struct {
	games   Games
	ws      Streamer
	matches idempotency.Store
	timeout time.Duration
	log     *zap.Logger
}

// NewRouter builds the gin engine with every game route.
func NewRouter(games Games, ws Streamer, opts Options) *gin.Engine {
	h := &handler{
		games:   games,
		ws:      ws,
		matches: opts.Matches,
		timeout: opts.RequestTimeout,
		log:     obslog.Or(opts.Logger),
	}
	if h.timeout <= 0 {
		h.timeout = 10 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.log))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	g := router.Group("/v1/games/:id")
	g.GET("", h.getGame)
	g.GET("/clocks", h.getClocks)
	if ws != nil {
		g.GET("/ws", h.stream)
	}

	acts := g.Group("")
	acts.Use(requireUser())
	acts.POST("/moves", h.postMove)
	acts.POST("/resign", h.command((Games).Resign))
	acts.POST("/draw/offer", h.command((Games).OfferDraw))
	acts.POST("/draw/accept", h.command((Games).AcceptDraw))
	acts.POST("/draw/decline", h.command((Games).DeclineDraw))
	acts.POST("/abort", h.command((Games).Abort))

	if h.matches != nil {
		router.POST("/internal/matches", h.postMatch)
	}
	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("user_id", c.GetHeader(HeaderUserID)),
		}
		switch {
		case status >= 500:
			log.Error("http_request", fields...)
		case status >= 400:
			log.Warn("http_request", fields...)
		default:
			log.Debug("http_request", fields...)
		}
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(c.GetHeader(HeaderUserID)) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": livedto.DomainError{
				Code:    livedto.CodeUnauthenticated,
				Message: HeaderUserID + " header required",
			}})
			return
		}
		c.Next()
	}
}

func (h *handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *handler) getGame(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	st, err := h.games.State(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handler) getClocks(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()
	clocks, err := h.games.Clocks(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, clocks)
}

func (h *handler) postMove(c *gin.Context) {
	var req livedto.MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, livedto.DomainError{Code: livedto.CodeInvalidRequest, Message: "invalid move body"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	out, err := h.games.Move(ctx, c.Param("id"), userOf(c), req.UCI)
	h.respond(c, out, err)
}

type commandFunc func(g Games, ctx context.Context, gameID, actor string) (session.Outcome, error)

func (h *handler) command(fn commandFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := h.ctx(c)
		defer cancel()
		out, err := fn(h.games, ctx, c.Param("id"), userOf(c))
		h.respond(c, out, err)
	}
}

func (h *handler) stream(c *gin.Context) {
	h.ws.ServeConn(c.Writer, c.Request, c.Param("id"), userOf(c))
}

// postMatch injects a MatchFound, idempotent on its event id. A missing
// game id is derived from the event id so retries land on the same game,
// including retries of a request that died before completing its claim.
func (h *handler) postMatch(c *gin.Context) {
	var m livedto.MatchFound
	if err := c.ShouldBindJSON(&m); err != nil {
		h.fail(c, livedto.DomainError{Code: livedto.CodeInvalidRequest, Message: "invalid match body"})
		return
	}
	if strings.TrimSpace(m.EventID) == "" {
		m.EventID = uuid.NewString()
	}
	if strings.TrimSpace(m.GameID) == "" {
		m.GameID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("match:"+m.EventID)).String()
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	key := idempotency.Key("http", m.EventID)
	fresh, err := h.matches.Claim(ctx, key)
	if err != nil {
		h.fail(c, livedto.DomainError{Code: livedto.CodeUnavailable, Message: err.Error(), Retryable: true})
		return
	}
	if !fresh {
		st, err := h.games.State(ctx, m.GameID)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, livedto.CommandResponse{State: &st})
		return
	}
	out, err := h.games.CreateFromMatch(ctx, m)
	if err != nil {
		if relErr := h.matches.Release(context.WithoutCancel(ctx), key); relErr != nil {
			h.log.Warn("match_release_failed", zap.String("event_id", m.EventID), zap.Error(relErr))
		}
		h.fail(c, err)
		return
	}
	if err := h.matches.Complete(ctx, key); err != nil {
		h.log.Warn("match_complete_failed", zap.String("event_id", m.EventID), zap.Error(err))
	}
	status := http.StatusOK
	if out.Changed {
		status = http.StatusCreated
	}
	c.JSON(status, livedto.CommandResponse{State: &out.State})
}

// respond answers a command. Commands on finished games always succeed
// with the final state.
func (h *handler) respond(c *gin.Context, out session.Outcome, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, livedto.CommandResponse{State: &out.State, Move: out.Move, Stale: out.Stale})
}

func (h *handler) fail(c *gin.Context, err error) {
	de, ok := session.AsDomainError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			de = livedto.DomainError{Code: livedto.CodeUnavailable, Message: "request timed out", Retryable: true}
		} else {
			de = livedto.DomainError{Code: livedto.CodeUnavailable, Message: err.Error(), Retryable: true}
		}
	}
	status := StatusFor(de.Code)
	if status >= 500 {
		h.log.Error("http_command_failed", zap.String("path", c.FullPath()), zap.String("code", de.Code), zap.String("reason", de.Message))
	}
	c.JSON(status, gin.H{"error": de})
}

// StatusFor maps a rejection code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case livedto.CodeIllegalMove, livedto.CodeMalformedMove:
		return http.StatusUnprocessableEntity
	case livedto.CodeNotYourTurn, livedto.CodeNoDrawOffer, livedto.CodeAbortNotAllowed:
		return http.StatusConflict
	case livedto.CodeNotAParticipant:
		return http.StatusForbidden
	case livedto.CodeGameNotFound:
		return http.StatusNotFound
	case livedto.CodeInvalidRequest:
		return http.StatusBadRequest
	case livedto.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusServiceUnavailable
	}
}

func userOf(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderUserID))
}
