package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pawfect/cmd/internal/auth"
	"pawfect/cmd/internal/moderation"
	rtv1 "pawfect/contracts/realtime/v1"
)

type event struct {
	room    string
	name    string
	payload any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []event
}

func (b *recordingBroadcaster) Broadcast(room, name string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event{room: room, name: name, payload: payload})
}

func (b *recordingBroadcaster) all() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event(nil), b.events...)
}

type screenFunc func(ctx context.Context, text string) error

func (f screenFunc) Screen(ctx context.Context, text string) error { return f(ctx, text) }

// flakyStore fails selected steps of an append.
type flakyStore struct {
	*MemoryStore
	failTouch    bool
	failReadback bool
}

func (s *flakyStore) TouchConversation(ctx context.Context, id int64, preview string) error {
	if s.failTouch {
		return errors.New("touch failed")
	}
	return s.MemoryStore.TouchConversation(ctx, id, preview)
}

func (s *flakyStore) GetMessage(ctx context.Context, id int64) (Message, error) {
	if s.failReadback {
		return Message{}, errors.New("connection reset")
	}
	return s.MemoryStore.GetMessage(ctx, id)
}

var (
	owner    = auth.Caller{UserID: 11, Role: auth.RoleUser}
	stranger = auth.Caller{UserID: 12, Role: auth.RoleUser}
	admin    = auth.Caller{UserID: 1, Role: auth.RoleAdmin}
)

func newTestService(t *testing.T, store Store, opts ...Option) (*Service, *recordingBroadcaster) {
	t.Helper()
	bc := &recordingBroadcaster{}
	svc, err := NewService(store, append([]Option{WithBroadcaster(bc)}, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, bc
}

func TestPreview(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 251)
	exact := strings.Repeat("b", 250)
	runes := strings.Repeat("é", 300)

	tests := []struct {
		in   string
		want string
	}{
		{in: "hi", want: "hi"},
		{in: exact, want: exact},
		{in: long, want: strings.Repeat("a", 247) + "..."},
		{in: runes, want: strings.Repeat("é", 247) + "..."},
	}
	for _, tt := range tests {
		if got := Preview(tt.in); got != tt.want {
			t.Fatalf("Preview(len=%d)=len %d want len %d", len(tt.in), len(got), len(tt.want))
		}
	}
}

func TestRoomNameAndSenderRole(t *testing.T) {
	t.Parallel()

	if got := RoomName(7); got != "conversation:7" {
		t.Fatalf("RoomName(7)=%q want=%q", got, "conversation:7")
	}
	for role, want := range map[string]string{"admin": SenderAdmin, "user": SenderPetOwner, "": SenderPetOwner, "vet": SenderPetOwner} {
		if got := SenderRoleFor(role); got != want {
			t.Fatalf("SenderRoleFor(%q)=%q want=%q", role, got, want)
		}
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	first, created, err := svc.GetOrCreate(ctx, owner)
	if err != nil || !created {
		t.Fatalf("GetOrCreate first: created=%v err=%v", created, err)
	}
	if first.Status != StatusOpen || first.UserID != owner.UserID {
		t.Fatalf("GetOrCreate first=%+v", first)
	}
	second, created, err := svc.GetOrCreate(ctx, owner)
	if err != nil || created {
		t.Fatalf("GetOrCreate second: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("GetOrCreate ids %d != %d", second.ID, first.ID)
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, NewMemoryStore())

	ids := make([]int64, 16)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := svc.GetOrCreate(context.Background(), owner)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent GetOrCreate ids=%v want all equal", ids)
		}
	}
}

func TestSend_EndToEnd(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	svc, bc := newTestService(t, store)
	ctx := context.Background()

	conv, _, err := svc.GetOrCreate(ctx, owner)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	const text = "Is Bella still available? I would love to meet her this weekend."
	p, err := svc.Send(ctx, owner, conv.ID, "  "+text+"\n")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := p.Message
	if p.Partial || m.Content != text || m.SenderRole != SenderPetOwner || m.IsRead || m.CreatedAt.Before(before) {
		t.Fatalf("Send=%+v", p)
	}

	evs := bc.all()
	if len(evs) != 1 || evs[0].room != RoomName(conv.ID) || evs[0].name != rtv1.EventNewMessage {
		t.Fatalf("events=%+v", evs)
	}
	if got, ok := evs[0].payload.(Message); !ok || got.ID != m.ID {
		t.Fatalf("new_message payload=%#v", evs[0].payload)
	}

	c, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.LastMessagePreview == nil || *c.LastMessagePreview != text || c.LastMessageAt == nil {
		t.Fatalf("conversation after send=%+v", c)
	}

	n, err := svc.MarkRead(ctx, admin, conv.ID)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead(admin)=%d,%v want 1", n, err)
	}
	n, err = svc.MarkRead(ctx, admin, conv.ID)
	if err != nil || n != 0 {
		t.Fatalf("MarkRead(admin again)=%d,%v want 0", n, err)
	}

	evs = bc.all()
	last := evs[len(evs)-1]
	rp, ok := last.payload.(rtv1.MessagesReadPayload)
	if last.name != rtv1.EventMessagesRead || !ok || int64(rp.ConversationID) != conv.ID || rp.ReaderID != admin.UserID {
		t.Fatalf("messages_read event=%+v", last)
	}

	msgs, err := svc.Messages(ctx, admin, conv.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID || !msgs[0].IsRead {
		t.Fatalf("Messages=%+v", msgs)
	}
}

func TestSend_AdminRole(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	p, err := svc.Send(ctx, admin, conv.ID, "Yes! Saturday 10am works.")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if p.Message.SenderRole != SenderAdmin {
		t.Fatalf("SenderRole=%q want=%q", p.Message.SenderRole, SenderAdmin)
	}
}

func TestMarkRead_NeverFlipsOwnMessages(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	for _, c := range []auth.Caller{owner, owner, admin} {
		if _, err := svc.Send(ctx, c, conv.ID, "msg"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	n, err := svc.MarkRead(ctx, owner, conv.ID)
	if err != nil || n != 1 {
		t.Fatalf("MarkRead(owner)=%d,%v want 1", n, err)
	}
	msgs, _ := svc.Messages(ctx, owner, conv.ID)
	for _, m := range msgs {
		if m.SenderID == owner.UserID && m.IsRead {
			t.Fatalf("owner's own message %d was marked read", m.ID)
		}
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	svc, bc := newTestService(t, store)
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)

	for _, content := range []string{"", "   ", "\n\t"} {
		if _, err := svc.Send(ctx, owner, conv.ID, content); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Send(%q) err=%v want ErrInvalidInput", content, err)
		}
	}
	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 0 || len(bc.all()) != 0 {
		t.Fatalf("rows=%d events=%d want none", len(msgs), len(bc.all()))
	}
}

func TestAccessRules(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)

	if _, err := svc.Send(ctx, stranger, conv.ID, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Send(stranger) err=%v want ErrForbidden", err)
	}
	if _, err := svc.Messages(ctx, stranger, conv.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("Messages(stranger) err=%v want ErrForbidden", err)
	}
	if _, err := svc.MarkRead(ctx, stranger, conv.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("MarkRead(stranger) err=%v want ErrForbidden", err)
	}
	if _, err := svc.Messages(ctx, admin, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Messages(missing) err=%v want ErrNotFound", err)
	}
	if _, err := svc.ListAll(ctx, owner); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ListAll(owner) err=%v want ErrForbidden", err)
	}
}

func TestListAll_Ordering(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var tick int
	store.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }
	store.PutUser(21, "Ann", "Lee")
	store.PutUser(22, "Bo", "Kim")
	store.PutUser(23, "Cy", "Ng")

	svc, _ := newTestService(t, store)
	ctx := context.Background()

	a, _, _ := svc.GetOrCreate(ctx, auth.Caller{UserID: 21})
	b, _, _ := svc.GetOrCreate(ctx, auth.Caller{UserID: 22})
	c, _, _ := svc.GetOrCreate(ctx, auth.Caller{UserID: 23})

	if _, err := svc.Send(ctx, auth.Caller{UserID: 21}, a.ID, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := svc.Send(ctx, auth.Caller{UserID: 22}, b.ID, "second"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	list, err := svc.ListAll(ctx, admin)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	var got []int64
	for _, s := range list {
		got = append(got, s.ID)
	}
	want := []int64{b.ID, a.ID, c.ID}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("ListAll ids=%v want=%v", got, want)
	}
	if list[0].FirstName != "Bo" || list[0].LastName != "Kim" {
		t.Fatalf("ListAll[0] names=%q %q", list[0].FirstName, list[0].LastName)
	}
}

func TestAppend_TouchFailureIsLoggedOnly(t *testing.T) {
	t.Parallel()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failTouch: true}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	p, err := svc.Send(ctx, owner, conv.ID, "hello")
	if err != nil || p.Partial || p.Message.Content != "hello" {
		t.Fatalf("Send=%+v,%v", p, err)
	}
}

func TestAppend_ReadbackFailureIsPartial(t *testing.T) {
	t.Parallel()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failReadback: true}
	svc, bc := newTestService(t, store)
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	p, err := svc.Send(ctx, owner, conv.ID, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !p.Partial || p.Message.ID == 0 {
		t.Fatalf("Send=%+v want partial with id", p)
	}
	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 1 {
		t.Fatalf("rows=%d want=1 (write stays committed)", len(msgs))
	}
	if evs := bc.all(); len(evs) != 0 {
		t.Fatalf("events=%d want=0 for a partial send (%#v)", len(evs), evs)
	}
}

func TestAppend_Moderation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	flagged := screenFunc(func(context.Context, string) error {
		return moderation.Gate{Moderator: flagAll{}}.Screen(ctx, "x")
	})
	store := NewMemoryStore()
	svc, bc := newTestService(t, store, WithScreener(flagged))

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	if _, err := svc.Send(ctx, owner, conv.ID, "bad words"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Send(flagged) err=%v want ErrRejected", err)
	}

	down := errors.New("provider down")
	svc2, _ := newTestService(t, store, WithScreener(screenFunc(func(context.Context, string) error { return down })))
	if _, err := svc2.Send(ctx, owner, conv.ID, "hello"); !errors.Is(err, down) {
		t.Fatalf("Send(provider down) err=%v want provider error", err)
	}

	msgs, _ := store.ListMessages(ctx, conv.ID)
	if len(msgs) != 0 || len(bc.all()) != 0 {
		t.Fatalf("rows=%d events=%d want none", len(msgs), len(bc.all()))
	}
}

type flagAll struct{}

func (flagAll) Check(context.Context, string) (moderation.Verdict, error) {
	return moderation.Verdict{Flagged: true, Categories: []string{"harassment"}}, nil
}

func TestAppend_UnknownSenderRole(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	conv, _, _ := svc.GetOrCreate(ctx, owner)
	_, err := svc.Append(ctx, NewMessage{ConversationID: conv.ID, SenderID: owner.UserID, SenderRole: "vet", Content: "hi"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Append(role=vet) err=%v want ErrInvalidInput", err)
	}
	if got := inputReason(err); got != "unknown sender role" {
		t.Fatalf("inputReason=%q want=%q", got, "unknown sender role")
	}
}
