package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/conversation"
	v1 "pawfect/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "pawfect.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// RoomAuthorizer decides whether a caller may join a conversation room.
// *conversation.Service satisfies it.
type RoomAuthorizer interface {
	Authorize(ctx context.Context, caller auth.Caller, conversationID int64) (conversation.Conversation, error)
}

// GatewayConfig tunes the websocket gateway. Zero values select defaults.
type GatewayConfig struct {
	RequireAuth    bool
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	WriteTimeout     time.Duration
	// ReadIdleTimeout closes connections with no inbound frame and no answered ping for this long.
	ReadIdleTimeout  time.Duration
	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// GatewayConfigFromEnv reads PAWFECT_WS_* variables. allowedOrigins is the fallback
// allowlist when PAWFECT_WS_ALLOWED_ORIGINS is unset.
func GatewayConfigFromEnv(allowedOrigins []string) GatewayConfig {
	origins := envCSVWS("PAWFECT_WS_ALLOWED_ORIGINS")
	if len(origins) == 0 {
		origins = allowedOrigins
	}
	return GatewayConfig{
		RequireAuth:      envBoolWS("PAWFECT_WS_REQUIRE_AUTH", true),
		OriginRequired:   envBoolWS("PAWFECT_WS_ORIGIN_REQUIRED", false),
		AllowedOrigins:   origins,
		DevInsecure:      envBoolWS("PAWFECT_WS_DEV_INSECURE", false),
		WriteTimeout:     envDurationWS("PAWFECT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout),
		ReadIdleTimeout:  envDurationWS("PAWFECT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle),
		SendQueueSize:    envIntWS("PAWFECT_WS_SEND_QUEUE", wsDefaultSendQueueSize),
		HeartbeatEvery:   envDurationWS("PAWFECT_WS_HEARTBEAT_INTERVAL", heartbeatInterval),
		HeartbeatTimeout: envDurationWS("PAWFECT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout),
		RateEvents:       envIntWS("PAWFECT_WS_RATE_EVENTS", rateLimitEvents),
		RateWindow:       envDurationWS("PAWFECT_WS_RATE_WINDOW", rateLimitWindow),
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	return c
}

// WSGateway is the websocket entrypoint for conversation rooms.
//
// It authenticates the upgrade, enforces origin policy, rate limits and heartbeats,
// and routes validated envelopes to the Hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	verifier *auth.Verifier
	rooms    RoomAuthorizer
	cfg      GatewayConfig

	// websocket.Accept authorizes same-host origins itself; cross-origin hosts need patterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. verifier may be nil only when cfg.RequireAuth is false.
func NewWSGateway(log *slog.Logger, hub *Hub, verifier *auth.Verifier, rooms RoomAuthorizer, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		return nil, errors.New("ws gateway requires a hub")
	}
	if rooms == nil {
		return nil, errors.New("ws gateway requires a room authorizer")
	}
	if verifier == nil && cfg.RequireAuth {
		return nil, errors.New("ws gateway requires a token verifier when auth is required")
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		hub:            hub,
		verifier:       verifier,
		rooms:          rooms,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// authenticate resolves the caller of an upgrade request. A zero Caller means anonymous.
func (g *WSGateway) authenticate(r *http.Request) (auth.Caller, error) {
	raw := auth.BearerToken(r)
	if raw == "" {
		if g.cfg.RequireAuth {
			return auth.Caller{}, auth.ErrMissingToken
		}
		return auth.Caller{}, nil
	}
	if g.verifier == nil {
		return auth.Caller{}, auth.ErrInvalidToken
	}
	return g.verifier.Verify(raw)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	caller, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewID(time.Now()), caller, g.cfg.SendQueueSize)
	wsConnections.Inc()
	defer wsConnections.Dec()

	g.log.Info("ws.connected",
		"client_id", client.ID,
		"user_id", caller.UserID,
		"role", caller.Role,
		"subprotocol", conn.Subprotocol(),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Membership is dropped before the client closes so
	// broadcasters stop targeting it; Send itself stays open.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// lastSeen moves on every inbound frame and every answered ping. Listen-only
	// clients stay connected as long as they answer pings.
	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "client_id", client.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "client_id", client.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
				} else {
					failures = 0
					lastSeen.Store(time.Now().UnixNano())
				}

				if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > g.cfg.ReadIdleTimeout {
					g.log.Info("ws.idle.timeout", "client_id", client.ID, "idle", idle)
					shutdown(websocket.StatusGoingAway, "idle timeout")
					return
				}
			}
		}
	}()

readLoop:
	for {
		env, err := readEnvelope(ctx, conn)
		if err == nil || classifyReadErr(err) == readErrBadJSON {
			lastSeen.Store(time.Now().UnixNano())
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "client_id", client.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.EventJoinConversation:
			g.onJoin(ctx, client, env)
		case v1.EventLeaveConversation:
			g.onLeave(client, env)
		case v1.EventTyping, v1.EventStopTyping:
			g.onTyping(client, env)
		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.disconnected", "client_id", client.ID, "user_id", caller.UserID)
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_payload", err.Error())
		return
	}
	id := int64(p.ConversationID)

	if client.Authenticated() {
		if _, err := g.rooms.Authorize(ctx, client.Caller, id); err != nil {
			code, msg := joinErrorCode(err)
			if code == "server_error" {
				g.log.Error("ws.join.fail", "client_id", client.ID, "conversation_id", id, "err", err)
			}
			g.trySendError(client, code, msg)
			return
		}
	}

	room := conversation.RoomName(id)
	g.hub.Join(room, client)

	ack, err := NewEnvelope(v1.EventJoinedConversation, v1.JoinConversationPayload{ConversationID: p.ConversationID})
	if err == nil && !client.offer(ack) {
		g.log.Info("ws.join.ack_dropped", "client_id", client.ID, "room", room)
	}
}

func joinErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		return "forbidden", "not allowed to join this conversation"
	case errors.Is(err, conversation.ErrNotFound):
		return "not_found", "conversation not found"
	case errors.Is(err, conversation.ErrInvalidInput):
		return "invalid_payload", "invalid conversation id"
	default:
		return "server_error", "could not join conversation"
	}
}

func (g *WSGateway) onLeave(client *Client, env v1.Envelope) {
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_payload", err.Error())
		return
	}
	g.hub.Leave(conversation.RoomName(int64(p.ConversationID)), client)
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope) {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, "invalid_payload", err.Error())
		return
	}

	room := conversation.RoomName(int64(p.ConversationID))
	if !g.hub.IsMember(room, client) {
		g.trySendError(client, "not_joined", "join the conversation first")
		return
	}

	if client.Authenticated() {
		p.SenderRole = conversation.SenderRoleFor(client.Caller.Role)
	} else if p.SenderRole != conversation.SenderAdmin && p.SenderRole != conversation.SenderPetOwner {
		g.trySendError(client, "invalid_payload", "sender_role must be admin or pet owner")
		return
	}

	g.hub.Relay(room, env.Type, p, client)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, code, msg string) {
	env, err := NewEnvelope(v1.EventError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = client.offer(env)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into host patterns for websocket.Accept.
func deriveOriginPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		if !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
