package multi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/config"
	"github.com/GooGuTeam/g0v0-server/internal/session"
)

// PasswordHasher hashes a room password chosen at creation time.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

type createRoomParams struct {
	Name     string `form:"name" binding:"required,max=64"`
	Private  bool   `form:"private"`
	Password string `form:"password"`
	TeamMode bool   `form:"team_mode"`
	Solo     bool   `form:"solo"`
}

type Handler struct {
	registry *session.Registry
	lobby    *lobby
	agg      Aggregator
	events   EventRecorder
	hasher   PasswordHasher
	comparer PasswordComparer
	cfg      *config.Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHandler(registry *session.Registry, l *lobby, agg Aggregator, events EventRecorder, hasher PasswordHasher, comparer PasswordComparer, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		lobby:    l,
		agg:      agg,
		events:   events,
		hasher:   hasher,
		comparer: comparer,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "multi-http").Logger(),
	}
}

func (h *Handler) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/multiplayer/rooms", h.ListRoomsHandler)
	engine.GET("/multiplayer/create", h.CreateRoomHandler)
	engine.GET("/multiplayer/join/:roomid", h.JoinRoomHandler)
	engine.GET("/multiplayer/watch/:roomid", h.WatchRoomHandler)
}

func (h *Handler) ListRoomsHandler(ctx *gin.Context) {
	rooms := h.lobby.GetPublicRooms(ctx.Request.Context())
	ctx.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// tokenFrom pulls the auth token from the cookie, the Authorization header
// or the query string. Browsers cannot set headers on websocket upgrades,
// hence the query fallback.
func tokenFrom(ctx *gin.Context) string {
	if token, err := ctx.Cookie("token"); err == nil && token != "" {
		return token
	}
	if header := ctx.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ctx.Query("token")
}

func deviceFrom(ctx *gin.Context) session.DeviceClass {
	if ctx.Query("device") == string(session.DeviceWeb) {
		return session.DeviceWeb
	}
	return session.DeviceGame
}

// authenticate upgrades the request and binds the socket to a registry
// session. Errors after the upgrade go over the socket close frame; the
// HTTP status is already 101 by then.
func (h *Handler) authenticate(ctx *gin.Context) (*session.Conn, bool) {
	token := tokenFrom(ctx)
	if token == "" {
		ctx.String(http.StatusUnauthorized, "missing token")
		return nil, false
	}

	ws, err := h.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("ip", ctx.ClientIP()).Msg("websocket upgrade failed")
		return nil, false
	}

	sock := session.NewWebsocketSocket(ws)
	conn, err := h.registry.Authenticate(sock, token, deviceFrom(ctx))
	if err != nil {
		sock.Close("invalid-token")
		return nil, false
	}
	return conn, true
}

func (h *Handler) CreateRoomHandler(ctx *gin.Context) {
	params := createRoomParams{}
	if err := ctx.ShouldBindQuery(&params); err != nil {
		ctx.String(http.StatusBadRequest, "invalid room configuration")
		return
	}

	passwordHash := ""
	if params.Password != "" {
		hash, err := h.hasher.Hash(params.Password)
		if err != nil {
			h.log.Error().Err(err).Msg("password hash failed")
			ctx.String(http.StatusInternalServerError, "unknown error")
			return
		}
		passwordHash = hash
	}

	conn, ok := h.authenticate(ctx)
	if !ok {
		return
	}
	if conn.Attachment() != nil {
		conn.Close("already-in-room")
		return
	}

	cfg := RoomConfig{
		Name:           params.Name,
		Private:        params.Private,
		PasswordHash:   passwordHash,
		TeamMode:       params.TeamMode,
		AllowSolo:      params.Solo,
		ContinueSolo:   h.cfg.ContinueSolo,
		LoadTimeout:    h.cfg.LoadTimeout,
		PlayCeiling:    h.cfg.PlayCeiling,
		EmptyRoomGrace: h.cfg.EmptyRoomGrace,
	}

	room := NewRoom(cfg, conn, h.agg, h.events, h.comparer, h.log)
	h.lobby.RequestAddAndRunRoom(ctx.Request.Context(), room)
}

func (h *Handler) JoinRoomHandler(ctx *gin.Context) {
	roomID := ctx.Param("roomid")
	password := ctx.Query("password")

	conn, ok := h.authenticate(ctx)
	if !ok {
		return
	}

	// A same-device reconnect was resumed during authentication: the seat is
	// already repointed and the snapshot sent.
	if room, resumed := conn.Attachment().(*Room); resumed && room.ID() == roomID {
		return
	}

	req := joinRequest{
		conn:     conn,
		password: password,
		respChan: make(chan joinResult, 1),
	}
	h.lobby.ForwardJoinRequestToRoom(ctx.Request.Context(), roomID, req)

	select {
	case res := <-req.respChan:
		if res.Err != nil {
			conn.Close(closeReasonFor(res.Err))
		}
	case <-time.After(10 * time.Second):
		conn.Close("join-timeout")
	}
}

func (h *Handler) WatchRoomHandler(ctx *gin.Context) {
	roomID := ctx.Param("roomid")

	conn, ok := h.authenticate(ctx)
	if !ok {
		return
	}

	if room, resumed := conn.Attachment().(*Room); resumed && room.ID() == roomID {
		return
	}

	req := watchRequest{
		conn:     conn,
		respChan: make(chan error, 1),
	}
	h.lobby.ForwardWatchRequestToRoom(ctx.Request.Context(), roomID, req)

	select {
	case err := <-req.respChan:
		if err != nil {
			conn.Close(closeReasonFor(err))
		}
	case <-time.After(10 * time.Second):
		conn.Close("watch-timeout")
	}
}

func closeReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	case errors.Is(err, ErrWrongPassword):
		return "wrong-password"
	case errors.Is(err, ErrAlreadyInRoom):
		return "already-in-room"
	case errors.Is(err, ErrRoomClosed):
		return "room-closed"
	default:
		return "unknown-error"
	}
}
