package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/conversation"
	v1 "pawfect/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const wsTestSecret = "ws-gateway-test-secret-ws-gateway-test"

var (
	wsOwner    = auth.Caller{UserID: 1, Role: auth.RoleUser, Email: "owner@example.com"}
	wsStranger = auth.Caller{UserID: 2, Role: auth.RoleUser, Email: "stranger@example.com"}
	wsAdmin    = auth.Caller{UserID: 99, Role: auth.RoleAdmin, Email: "admin@example.com"}
)

type wsFixture struct {
	srv    *httptest.Server
	hub    *Hub
	svc    *conversation.Service
	issuer *auth.Issuer
}

func startWSTestServer(t *testing.T, cfg GatewayConfig) *wsFixture {
	t.Helper()

	v, err := auth.NewVerifier(wsTestSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	iss, err := auth.NewIssuer(wsTestSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	hub := NewHub(nil)
	svc, err := conversation.NewService(conversation.NewMemoryStore(), conversation.WithBroadcaster(hub))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	g, err := NewWSGateway(nil, hub, v, svc, cfg)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", g)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &wsFixture{srv: srv, hub: hub, svc: svc, issuer: iss}
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *wsFixture) conversationOf(t *testing.T, c auth.Caller) int64 {
	t.Helper()
	conv, _, err := f.svc.GetOrCreate(context.Background(), c)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return conv.ID
}

func dialWS(t *testing.T, f *wsFixture, c *auth.Caller) *websocket.Conn {
	t.Helper()

	h := http.Header{}
	if c != nil {
		tok, err := f.issuer.Issue(*c)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		h.Set("Authorization", "Bearer "+tok)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	b, err := json.Marshal(v1.Envelope{Type: typ, Payload: mustJSONRaw(t, payload)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, want string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q: %v", want, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
}

// readNext returns the next envelope, whatever its type.
func readNext(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func errorCode(t *testing.T, env v1.Envelope) string {
	t.Helper()
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p.Code
}

func joinAndWait(t *testing.T, conn *websocket.Conn, id int64) {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.EventJoinConversation, id)
	env := readNext(t, conn)
	if env.Type != v1.EventJoinedConversation {
		t.Fatalf("join reply type=%q want=%q (payload %s)", env.Type, v1.EventJoinedConversation, env.Payload)
	}
}

func TestWSGateway_RejectsMissingToken(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err == nil {
		t.Fatalf("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%v want=%d", resp, http.StatusUnauthorized)
	}
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true, AllowedOrigins: []string{"http://localhost:5173"}})
	tok, err := f.issuer.Issue(wsOwner)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPHeader: http.Header{
		"Authorization": {"Bearer " + tok},
		"Origin":        {"https://evil.example"},
	}})
	if err == nil {
		t.Fatalf("dial from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%v want=%d", resp, http.StatusForbidden)
	}
}

func TestWSGateway_JoinAuthorization(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	convID := f.conversationOf(t, wsOwner)

	cases := []struct {
		name     string
		caller   auth.Caller
		payload  any
		wantType string
		wantCode string
	}{
		{"owner by number", wsOwner, convID, v1.EventJoinedConversation, ""},
		{"admin by object", wsAdmin, map[string]any{"conversationId": convID}, v1.EventJoinedConversation, ""},
		{"stranger", wsStranger, convID, v1.EventError, "forbidden"},
		{"missing conversation", wsAdmin, 987654, v1.EventError, "not_found"},
		{"garbage id", wsOwner, "abc", v1.EventError, "invalid_payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.caller
			conn := dialWS(t, f, &c)
			writeEnvelopeWS(t, conn, v1.EventJoinConversation, tc.payload)

			env := readNext(t, conn)
			if env.Type != tc.wantType {
				t.Fatalf("reply type=%q want=%q (payload %s)", env.Type, tc.wantType, env.Payload)
			}
			if tc.wantCode != "" {
				if got := errorCode(t, env); got != tc.wantCode {
					t.Fatalf("error code=%q want=%q", got, tc.wantCode)
				}
			}
		})
	}
}

func TestWSGateway_TypingRelayExcludesSender(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	convID := f.conversationOf(t, wsOwner)

	owner := dialWS(t, f, &wsOwner)
	admin := dialWS(t, f, &wsAdmin)
	joinAndWait(t, owner, convID)
	joinAndWait(t, admin, convID)

	// The client-supplied role is ignored for authenticated senders.
	writeEnvelopeWS(t, owner, v1.EventTyping, map[string]any{"conversationId": convID, "sender_role": "admin"})

	got := readNext(t, admin)
	if got.Type != v1.EventTyping {
		t.Fatalf("admin got %q want=%q", got.Type, v1.EventTyping)
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int64(p.ConversationID) != convID || p.SenderRole != conversation.SenderPetOwner {
		t.Fatalf("typing payload=%+v", p)
	}

	writeEnvelopeWS(t, admin, v1.EventStopTyping, map[string]any{"conversationId": convID})

	// The owner's first event must be the admin's stop_typing, not an echo of its own typing.
	got = readNext(t, owner)
	if got.Type != v1.EventStopTyping {
		t.Fatalf("owner got %q want=%q", got.Type, v1.EventStopTyping)
	}
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.SenderRole != conversation.SenderAdmin {
		t.Fatalf("sender_role=%q want=%q", p.SenderRole, conversation.SenderAdmin)
	}
}

func TestWSGateway_TypingRequiresJoin(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	convID := f.conversationOf(t, wsOwner)

	owner := dialWS(t, f, &wsOwner)
	writeEnvelopeWS(t, owner, v1.EventTyping, map[string]any{"conversationId": convID})

	env := readUntilType(t, owner, v1.EventError)
	if got := errorCode(t, env); got != "not_joined" {
		t.Fatalf("error code=%q want=%q", got, "not_joined")
	}
}

func TestWSGateway_ServiceEventsReachRoom(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	convID := f.conversationOf(t, wsOwner)

	owner := dialWS(t, f, &wsOwner)
	admin := dialWS(t, f, &wsAdmin)
	joinAndWait(t, owner, convID)
	joinAndWait(t, admin, convID)

	posted, err := f.svc.Send(context.Background(), wsOwner, convID, "  Is Biscuit still available?  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		env := readUntilType(t, conn, v1.EventNewMessage)
		var m conversation.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			t.Fatalf("%s unmarshal: %v", name, err)
		}
		if m.ID != posted.Message.ID || m.Content != "Is Biscuit still available?" || m.SenderRole != conversation.SenderPetOwner {
			t.Fatalf("%s new_message=%+v", name, m)
		}
	}

	n, err := f.svc.MarkRead(context.Background(), wsAdmin, convID)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead()=(%d, %v) want=(1, nil)", n, err)
	}
	env := readUntilType(t, owner, v1.EventMessagesRead)
	var rp v1.MessagesReadPayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if int64(rp.ConversationID) != convID || rp.ReaderID != wsAdmin.UserID {
		t.Fatalf("messages_read=%+v", rp)
	}
}

func TestWSGateway_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	convID := f.conversationOf(t, wsOwner)
	room := conversation.RoomName(convID)

	owner := dialWS(t, f, &wsOwner)
	joinAndWait(t, owner, convID)
	if got := f.hub.Members(room); got != 1 {
		t.Fatalf("Members()=%d want=1", got)
	}

	writeEnvelopeWS(t, owner, v1.EventLeaveConversation, convID)

	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Members(room) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client still in room after leave")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSGateway_AnonymousWhenAuthOptional(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: false})
	convID := f.conversationOf(t, wsOwner)

	a := dialWS(t, f, nil)
	b := dialWS(t, f, nil)
	joinAndWait(t, a, convID)
	joinAndWait(t, b, convID)

	writeEnvelopeWS(t, a, v1.EventTyping, map[string]any{"conversationId": convID, "sender_role": "robot"})
	if got := errorCode(t, readUntilType(t, a, v1.EventError)); got != "invalid_payload" {
		t.Fatalf("error code=%q want=%q", got, "invalid_payload")
	}

	writeEnvelopeWS(t, a, v1.EventTyping, map[string]any{"conversationId": convID, "sender_role": "admin"})
	env := readUntilType(t, b, v1.EventTyping)
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.SenderRole != "admin" {
		t.Fatalf("sender_role=%q want=%q", p.SenderRole, "admin")
	}
}

func TestWSGateway_BadFrames(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{RequireAuth: true})
	conn := dialWS(t, f, &wsOwner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := errorCode(t, readUntilType(t, conn, v1.EventError)); got != "bad_json" {
		t.Fatalf("error code=%q want=%q", got, "bad_json")
	}

	writeEnvelopeWS(t, conn, "hello", map[string]string{})
	if got := errorCode(t, readUntilType(t, conn, v1.EventError)); got != "bad_envelope" {
		t.Fatalf("error code=%q want=%q", got, "bad_envelope")
	}
}

func TestWSGateway_ListenOnlyClientSurvivesIdleWindow(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{
		RequireAuth:      true,
		ReadIdleTimeout:  500 * time.Millisecond,
		HeartbeatEvery:   100 * time.Millisecond,
		HeartbeatTimeout: time.Second,
	})
	convID := f.conversationOf(t, wsOwner)

	admin := dialWS(t, f, &wsAdmin)
	joinAndWait(t, admin, convID)

	// Keep a reader running so pings are answered, but never write.
	inbox := make(chan v1.Envelope, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := admin.Read(context.Background())
			if err != nil {
				readErr <- err
				return
			}
			var env v1.Envelope
			if json.Unmarshal(data, &env) == nil {
				inbox <- env
			}
		}
	}()

	time.Sleep(1200 * time.Millisecond)

	posted, err := f.svc.Send(context.Background(), wsOwner, convID, "Still there?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-inbox:
			if env.Type != v1.EventNewMessage {
				continue
			}
			var m conversation.Message
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if m.ID != posted.Message.ID {
				t.Fatalf("new_message id=%d want=%d", m.ID, posted.Message.ID)
			}
			return
		case err := <-readErr:
			t.Fatalf("listener disconnected before new_message: %v", err)
		case <-timeout:
			t.Fatalf("timeout waiting for new_message")
		}
	}
}

func TestWSGateway_UnresponsiveClientIsDropped(t *testing.T) {
	t.Parallel()

	f := startWSTestServer(t, GatewayConfig{
		RequireAuth:      true,
		ReadIdleTimeout:  300 * time.Millisecond,
		HeartbeatEvery:   100 * time.Millisecond,
		HeartbeatTimeout: 50 * time.Millisecond,
	})
	convID := f.conversationOf(t, wsOwner)
	room := conversation.RoomName(convID)

	owner := dialWS(t, f, &wsOwner)
	joinAndWait(t, owner, convID)
	if got := f.hub.Members(room); got != 1 {
		t.Fatalf("Members(%q)=%d want=1", room, got)
	}

	// No reader from here on: pings go unanswered.
	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Members(room) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Members(%q)=%d want=0 after idle timeout", room, f.hub.Members(room))
		}
		time.Sleep(25 * time.Millisecond)
	}
}
