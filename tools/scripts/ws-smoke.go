// Package main provides a CI-friendly end-to-end smoke test for Pawfect realtime.
//
// It validates:
//   - bearer-authenticated handshake and subprotocol selection
//   - joining a conversation as its owner and as staff
//   - typing relay with a server-derived sender_role
//   - new_message fanout after an HTTP send
//   - messages_read fanout after an HTTP mark-read
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	v1 "pawfect/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSubprotocol = "pawfect.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	token string

	inbox chan v1.Envelope
	errCh chan error
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
}

func main() {
	var (
		baseURL = flag.String("http", "http://127.0.0.1:5000", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:5000/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		ownerID = flag.Int64("owner", 1, "Pet owner user id")
		staffID = flag.Int64("staff", 2, "Admin user id")
		text    = flag.String("text", "hello from the smoke test", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	secret := os.Getenv("PAWFECT_JWT_SECRET")
	if len(secret) < 32 {
		fatalf("PAWFECT_JWT_SECRET must be set (>= 32 bytes) to mint smoke tokens")
	}
	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	ownerTok := mustToken(secret, *ownerID, "user")
	staffTok := mustToken(secret, *staffID, "admin")

	convID := mustMyConversation(root, *baseURL, ownerTok, *timeout)
	if *verbose {
		fmt.Printf("conversation: id=%d\n", convID)
	}

	a := mustConnect(root, "owner", *wsURL, *origin, ownerTok, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "staff", *wsURL, *origin, staffTok, *timeout)
	defer closeWS(b.conn)

	mustJoin(root, a, convID, *timeout)
	mustJoin(root, b, convID, *timeout)

	mustWrite(root, a.conn, v1.EventTyping, v1.TypingPayload{ConversationID: v1.ConversationID(convID)}, *timeout)
	typing := b.mustReadUntilType(root, v1.EventTyping, *timeout)
	var tp v1.TypingPayload
	if err := json.Unmarshal(typing.Payload, &tp); err != nil {
		fatalf("unmarshal typing payload: %v", err)
	}
	if int64(tp.ConversationID) != convID || tp.SenderRole != "pet owner" {
		fatalf("typing mismatch: conv=%d role=%q", tp.ConversationID, tp.SenderRole)
	}

	msgID := mustSend(root, *baseURL, ownerTok, convID, *text, *timeout)
	for _, c := range []*smokeClient{a, b} {
		env := c.mustReadUntilType(root, v1.EventNewMessage, *timeout)
		var m struct {
			ID      int64  `json:"message_id"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			fatalf("unmarshal new_message (%s): %v", c.name, err)
		}
		if m.ID != msgID || m.Content != *text {
			fatalf("new_message mismatch (%s): id=%d content=%q", c.name, m.ID, m.Content)
		}
	}

	mustMarkRead(root, *baseURL, staffTok, convID, *timeout)
	read := a.mustReadUntilType(root, v1.EventMessagesRead, *timeout)
	var rp v1.MessagesReadPayload
	if err := json.Unmarshal(read.Payload, &rp); err != nil {
		fatalf("unmarshal messages_read: %v", err)
	}
	if rp.ReaderID != *staffID {
		fatalf("messages_read reader mismatch: got=%d want=%d", rp.ReaderID, *staffID)
	}

	fmt.Printf("OK: conversation=%d message=%d\n", convID, msgID)
}

func mustToken(secret string, userID int64, role string) string {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		UserID: userID,
		Role:   role,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		fatalf("sign token: %v", err)
	}
	return tok
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func doJSON(parent context.Context, method, u, token string, body any, out any, stepTimeout time.Duration) int {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		fatalf("build request %s %s: %v", method, u, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode >= 300 {
		fatalf("%s %s: status=%d body=%s", method, u, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, u, err)
		}
	}
	return resp.StatusCode
}

func mustMyConversation(parent context.Context, base, token string, stepTimeout time.Duration) int64 {
	var c struct {
		ID int64 `json:"conversation_id"`
	}
	doJSON(parent, http.MethodGet, strings.TrimRight(base, "/")+"/conversations/me", token, nil, &c, stepTimeout)
	if c.ID <= 0 {
		fatalf("conversations/me returned no id")
	}
	return c.ID
}

func mustSend(parent context.Context, base, token string, convID int64, text string, stepTimeout time.Duration) int64 {
	var m struct {
		ID int64 `json:"message_id"`
	}
	u := fmt.Sprintf("%s/conversations/%d/messages", strings.TrimRight(base, "/"), convID)
	doJSON(parent, http.MethodPost, u, token, map[string]string{"content": text}, &m, stepTimeout)
	if m.ID <= 0 {
		fatalf("send returned no message_id")
	}
	return m.ID
}

func mustMarkRead(parent context.Context, base, token string, convID int64, stepTimeout time.Duration) {
	u := fmt.Sprintf("%s/conversations/%d/read", strings.TrimRight(base, "/"), convID)
	doJSON(parent, http.MethodPost, u, token, nil, nil, stepTimeout)
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		token: token,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, convID int64, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, v1.EventJoinConversation, v1.JoinConversationPayload{ConversationID: v1.ConversationID(convID)}, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.EventJoinedConversation, stepTimeout)
	var p v1.JoinConversationPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal joined payload (%s): %v", c.name, err)
	}
	if int64(p.ConversationID) != convID {
		fatalf("joined conversation mismatch (%s): got=%d want=%d", c.name, p.ConversationID, convID)
	}
}

// mustReadUntilType skips unrelated room traffic such as typing from the peer.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.EventError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, event string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    event,
		ID:      fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
