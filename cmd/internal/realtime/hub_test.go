package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pawfect/cmd/internal/auth"
	v1 "pawfect/contracts/realtime/v1"

	"github.com/nats-io/nats.go"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingPublisher) Publish(room string, env v1.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, room+"|"+env.Type)
	return nil
}

func newTestClient(id string, queue int) *Client {
	return NewClient(id, auth.Caller{}, queue)
}

func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHub_RelayExcludesOrigin(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	a, b, outsider := newTestClient("a", 4), newTestClient("b", 4), newTestClient("c", 4)
	h.Join("conversation:1", a)
	h.Join("conversation:1", b)
	h.Join("conversation:2", outsider)

	h.Relay("conversation:1", v1.EventTyping, v1.TypingPayload{ConversationID: 1, SenderRole: "admin"}, a)

	if got := len(drain(a)); got != 0 {
		t.Fatalf("origin received %d events want=0", got)
	}
	got := drain(b)
	if len(got) != 1 || got[0].Type != v1.EventTyping {
		t.Fatalf("member events=%v want one typing", got)
	}
	var p v1.TypingPayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ConversationID != 1 || p.SenderRole != "admin" {
		t.Fatalf("payload=%+v", p)
	}
	if got := len(drain(outsider)); got != 0 {
		t.Fatalf("other room received %d events want=0", got)
	}
}

func TestHub_BroadcastReachesEveryMember(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	a, b := newTestClient("a", 4), newTestClient("b", 4)
	h.Join("conversation:1", a)
	h.Join("conversation:1", b)
	h.Join("conversation:1", b)

	if got := h.Members("conversation:1"); got != 2 {
		t.Fatalf("Members()=%d want=2", got)
	}

	h.Broadcast("conversation:1", v1.EventNewMessage, map[string]int64{"message_id": 9})

	for _, c := range []*Client{a, b} {
		if got := drain(c); len(got) != 1 || got[0].Type != v1.EventNewMessage || got[0].ID == "" {
			t.Fatalf("client %s events=%v", c.ID, got)
		}
	}
}

func TestHub_EmptyRoomIsNoop(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	if got := h.DeliverLocal("conversation:404", v1.Envelope{Type: v1.EventNewMessage}, ""); got != 0 {
		t.Fatalf("DeliverLocal()=%d want=0", got)
	}
}

func TestHub_FullQueueDropsOnlyThatClient(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	slow := newTestClient("slow", 1)
	fast := newTestClient("fast", 8)
	h.Join("r", slow)
	h.Join("r", fast)

	h.Broadcast("r", v1.EventNewMessage, nil)
	h.Broadcast("r", v1.EventNewMessage, nil)

	if got := len(drain(slow)); got != 1 {
		t.Fatalf("slow got %d want=1", got)
	}
	if got := len(drain(fast)); got != 2 {
		t.Fatalf("fast got %d want=2", got)
	}
}

func TestHub_LeaveAndLeaveAll(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	c := newTestClient("a", 4)
	h.Join("r1", c)
	h.Join("r2", c)

	h.Leave("r1", c)
	if h.IsMember("r1", c) {
		t.Fatalf("IsMember(r1) after Leave")
	}
	if !h.IsMember("r2", c) {
		t.Fatalf("IsMember(r2)=false want=true")
	}

	h.LeaveAll(c)
	if h.IsMember("r2", c) || h.Members("r2") != 0 {
		t.Fatalf("LeaveAll left membership behind")
	}
}

func TestHub_ClosedClientIsSkipped(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	c := newTestClient("a", 4)
	h.Join("r", c)
	c.Close()
	c.Close()

	if got := h.DeliverLocal("r", v1.Envelope{Type: v1.EventTyping}, ""); got != 0 {
		t.Fatalf("DeliverLocal()=%d want=0", got)
	}
}

func TestHub_PublishesToPeers(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	pub := &recordingPublisher{}
	h.SetPublisher(pub)

	h.Broadcast("conversation:3", v1.EventMessagesRead, v1.MessagesReadPayload{ConversationID: 3, ReaderID: 1})

	if len(pub.sent) != 1 || pub.sent[0] != "conversation:3|messages_read" {
		t.Fatalf("published=%v", pub.sent)
	}
}

func TestNATSBridge_HandleSkipsOwnInstance(t *testing.T) {
	t.Parallel()

	h := NewHub(nil)
	c := newTestClient("a", 4)
	h.Join("conversation:5", c)
	b := &NATSBridge{hub: h, log: h.log, instance: "me"}

	env, err := NewEnvelope(v1.EventNewMessage, map[string]int64{"message_id": 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	own, _ := json.Marshal(bridgeMessage{Origin: "me", Room: "conversation:5", Envelope: env})
	b.handle(&nats.Msg{Subject: subjectPrefix + "conversation:5", Data: own})
	if got := len(drain(c)); got != 0 {
		t.Fatalf("own message delivered %d times want=0", got)
	}

	peer, _ := json.Marshal(bridgeMessage{Origin: "peer", Envelope: env})
	b.handle(&nats.Msg{Subject: subjectPrefix + "conversation:5", Data: peer})
	got := drain(c)
	if len(got) != 1 || got[0].ID != env.ID {
		t.Fatalf("peer message events=%v want id=%s", got, env.ID)
	}

	b.handle(&nats.Msg{Subject: subjectPrefix + "conversation:5", Data: []byte("{")})
	if got := len(drain(c)); got != 0 {
		t.Fatalf("garbage delivered %d events", got)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{100 * time.Millisecond, true},
		{200 * time.Millisecond, false},
		{1001 * time.Millisecond, true},
	}
	for _, s := range steps {
		if got := rl.Allow(t0.Add(s.at)); got != s.want {
			t.Fatalf("Allow(+%s)=%v want=%v", s.at, got, s.want)
		}
	}
}

func TestOriginHelpers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"http://localhost:5173", "localhost"},
		{"https://Pawfect.Example", "pawfect.example"},
		{"127.0.0.1:8080", "127.0.0.1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}

	got := deriveOriginPatterns([]string{"http://b.example", "http://a.example:3000", "https://b.example"})
	if len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Fatalf("deriveOriginPatterns()=%v", got)
	}
}
