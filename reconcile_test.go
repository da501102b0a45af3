package taskdeck

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

// chatBackend is an in-memory GraphQL backend for the chat operations.
type chatBackend struct {
	mu       sync.Mutex
	history  []MessagePayload
	calls    map[string]int
	sendFail error
	markFail error
	sendID   string
}

func newChatBackend() *chatBackend {
	return &chatBackend{calls: map[string]int{}, sendID: "srv_99"}
}

func (b *chatBackend) Execute(_ context.Context, descriptor string, vars map[string]any, _ bool) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch descriptor {
	case queryGetMessages:
		b.calls["GetMessages"]++
		return json.Marshal(map[string]any{"messages": b.history})

	case mutationSendMessage:
		b.calls["sendMessage"]++
		if b.sendFail != nil {
			return nil, b.sendFail
		}
		ts, err := time.Parse(time.RFC3339Nano, vars["timestamp"].(string))
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"sendMessage": MessagePayload{
			ID:         b.sendID,
			SenderID:   "1",
			ReceiverID: vars["receiverId"].(string),
			Text:       vars["text"].(string),
			Timestamp:  ts,
		}})

	case mutationMarkMessagesRead:
		b.calls["markMessagesRead"]++
		if b.markFail != nil {
			return nil, b.markFail
		}
		return json.RawMessage(`{"markMessagesRead":true}`), nil
	}
	return nil, errors.New("unexpected descriptor")
}

func (b *chatBackend) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func newTestReconciler(backend Executor, slots SlotStore, clock *fakeClock) *Reconciler {
	cache := NewResultCache(backend, nil, &CacheConfig{Now: clock.Now})
	return NewReconciler(Identity{ID: "1", DisplayName: "Ada"}, cache, slots, &ReconcilerConfig{
		TypingInterval: time.Hour,
		Now:            clock.Now,
	})
}

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func sentPayload(id, to, text string) MessagePayload {
	return MessagePayload{ID: id, SenderID: "1", ReceiverID: to, Text: text, Timestamp: baseTime}
}

func receivedPayload(id, from, text string) MessagePayload {
	return MessagePayload{ID: id, SenderID: from, ReceiverID: "1", Text: text, Timestamp: baseTime}
}

// ============================================================================
// Conversation keys
// ============================================================================

func TestConversationKey(t *testing.T) {
	pairs := [][2]string{{"1", "2"}, {"42", "7"}, {"alice", "bob"}, {"same", "same"}, {"", "x"}}
	for _, p := range pairs {
		if ConversationKey(p[0], p[1]) != ConversationKey(p[1], p[0]) {
			t.Errorf("ConversationKey(%q, %q) is not symmetric", p[0], p[1])
		}
	}
	if got := ConversationKey("7", "42"); got != "42_7" {
		t.Errorf("ConversationKey(7, 42) = %q, want 42_7", got)
	}
}

func TestProvisionalIDs(t *testing.T) {
	a, b := newProvisionalID(), newProvisionalID()
	if !IsProvisional(a) || a == b {
		t.Errorf("provisional ids %q, %q", a, b)
	}
	if IsProvisional("srv_99") {
		t.Error("durable id classified as provisional")
	}
}

// ============================================================================
// Merge
// ============================================================================

func TestMergeDedupAllOrders(t *testing.T) {
	local := sentPayload("local_1_1700", "2", "hi")
	durable := sentPayload("srv_99", "2", "hi")
	inputs := map[string]MessagePayload{"local": local, "push": durable, "fetch": durable}

	orders := [][]string{
		{"local", "push", "fetch"},
		{"local", "fetch", "push"},
		{"push", "local", "fetch"},
		{"push", "fetch", "local"},
		{"fetch", "local", "push"},
		{"fetch", "push", "local"},
	}

	for _, order := range orders {
		t.Run(strings.Join(order, "-"), func(t *testing.T) {
			r := newTestReconciler(newChatBackend(), nil, newFakeClock())
			for _, src := range order {
				r.Merge(context.Background(), inputs[src])
			}

			tl := r.Timeline("2")
			if len(tl) != 1 {
				t.Fatalf("timeline has %d records, want 1: %+v", len(tl), tl)
			}
			if tl[0].ID != "srv_99" || !tl[0].Confirmed {
				t.Errorf("record = %+v, want confirmed srv_99", tl[0])
			}
			if tl[0].SenderRole != RoleSent {
				t.Errorf("role = %s, want sent", tl[0].SenderRole)
			}
		})
	}
}

func TestMergeReconcilesInPlace(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()

	r.Merge(ctx, sentPayload("local_a", "2", "first"))
	r.Merge(ctx, receivedPayload("srv_1", "2", "reply"))
	r.Merge(ctx, sentPayload("srv_2", "2", "first"))

	tl := r.Timeline("2")
	if len(tl) != 2 {
		t.Fatalf("len = %d, want 2", len(tl))
	}
	if tl[0].ID != "srv_2" || !tl[0].Confirmed || tl[0].Text != "first" {
		t.Errorf("first record = %+v, want confirmed srv_2 in original position", tl[0])
	}
	if tl[1].ID != "srv_1" {
		t.Errorf("second record = %+v", tl[1])
	}
}

func TestMergeKeepsArrivalOrder(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()

	late := receivedPayload("srv_2", "2", "later")
	late.Timestamp = baseTime.Add(time.Minute)
	early := receivedPayload("srv_1", "2", "earlier")

	r.Merge(ctx, late)
	r.Merge(ctx, early)

	tl := r.Timeline("2")
	if len(tl) != 2 || tl[0].ID != "srv_2" || tl[1].ID != "srv_1" {
		t.Errorf("timeline = %+v, want arrival order srv_2, srv_1", tl)
	}
}

func TestMergeDirectionMatters(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()

	r.Merge(ctx, sentPayload("local_a", "2", "hi"))
	r.Merge(ctx, receivedPayload("srv_1", "2", "hi"))

	tl := r.Timeline("2")
	if len(tl) != 2 {
		t.Fatalf("len = %d, want 2", len(tl))
	}
	if tl[0].Confirmed {
		t.Error("provisional sent record confirmed by a received message")
	}
}

func TestMergeIgnoresForeignMessages(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	if _, ok := r.Merge(context.Background(), MessagePayload{ID: "srv_1", SenderID: "5", ReceiverID: "6", Text: "x", Timestamp: baseTime}); ok {
		t.Error("foreign message merged")
	}
	if len(r.UnreadPeers()) != 0 {
		t.Error("foreign message set unread")
	}
}

func TestMergeWithoutID(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()

	first, ok := r.Merge(ctx, receivedPayload("", "2", "one"))
	if !ok {
		t.Fatal("id-less message rejected")
	}
	if !IsProvisional(first.ID) || first.Confirmed {
		t.Errorf("first = %+v, want provisional and unconfirmed", first)
	}
	second, _ := r.Merge(ctx, receivedPayload("", "2", "two"))

	tl := r.Timeline("2")
	if len(tl) != 2 || tl[0].Text != "one" || tl[1].Text != "two" {
		t.Fatalf("timeline = %+v, want one, two", tl)
	}
	if first.ID == second.ID {
		t.Errorf("id-less messages share id %q", first.ID)
	}
	for _, rec := range tl {
		if rec.ID == "" {
			t.Errorf("record stored without id: %+v", rec)
		}
	}
}

func TestMergeMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	cache := NewResultCache(newChatBackend(), nil, nil)
	r := NewReconciler(Identity{ID: "1"}, cache, nil, &ReconcilerConfig{Metrics: m})
	ctx := context.Background()

	r.Merge(ctx, sentPayload("local_a", "2", "hi"))
	r.Merge(ctx, sentPayload("srv_99", "2", "hi"))
	r.Merge(ctx, sentPayload("srv_99", "2", "hi"))
	r.Merge(ctx, receivedPayload("srv_1", "2", "yo"))

	for label, want := range map[string]float64{"provisional": 1, "confirmed": 1, "duplicate": 1, "appended": 1} {
		if got := testutil.ToFloat64(m.MessagesMerged.WithLabelValues(label)); got != want {
			t.Errorf("%s = %v, want %v", label, got, want)
		}
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSendConfirmsThroughMutation(t *testing.T) {
	backend := newChatBackend()
	slots := NewMemorySlots()
	r := newTestReconciler(backend, slots, newFakeClock())
	ctx := context.Background()

	rec, err := r.Send(ctx, "2", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "srv_99" || !rec.Confirmed {
		t.Errorf("returned record = %+v", rec)
	}

	// the push echo of the same message
	r.Merge(ctx, sentPayload("srv_99", "2", "hi"))

	tl := r.Timeline("2")
	if len(tl) != 1 || tl[0].ID != "srv_99" || !tl[0].Confirmed {
		t.Errorf("timeline = %+v, want one confirmed srv_99", tl)
	}
	if backend.count("sendMessage") != 1 {
		t.Errorf("sendMessage calls = %d", backend.count("sendMessage"))
	}
}

func TestSendFailureKeepsProvisional(t *testing.T) {
	backend := newChatBackend()
	backend.sendFail = errors.New("network down")
	slots := NewMemorySlots()
	r := newTestReconciler(backend, slots, newFakeClock())
	ctx := context.Background()

	rec, err := r.Send(ctx, "2", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsProvisional(rec.ID) || rec.Confirmed {
		t.Errorf("record = %+v, want provisional", rec)
	}
	if tl := r.Timeline("2"); len(tl) != 1 || tl[0].ID != rec.ID {
		t.Errorf("timeline = %+v", tl)
	}

	// persisted before the failing round trip
	reopened := newTestReconciler(backend, slots, newFakeClock())
	reopened.Open(ctx)
	if tl := reopened.Timeline("2"); len(tl) != 1 || tl[0].Confirmed {
		t.Errorf("mirrored timeline = %+v", tl)
	}
}

func TestSendWithoutIdentity(t *testing.T) {
	r := NewReconciler(Identity{}, NewResultCache(newChatBackend(), nil, nil), nil, nil)
	if _, err := r.Send(context.Background(), "2", "hi"); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("err = %v, want ErrNoIdentity", err)
	}
}

// ============================================================================
// Conversations and read state
// ============================================================================

func TestUnreadLaw(t *testing.T) {
	backend := newChatBackend()
	r := newTestReconciler(backend, nil, newFakeClock())
	ctx := context.Background()

	if _, err := r.OpenConversation(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	before := r.Timeline("7")

	r.Merge(ctx, receivedPayload("srv_1", "42", "ping"))

	if !r.Unread("42") {
		t.Error("Unread(42) = false after message from a closed conversation")
	}
	if tl := r.Timeline("42"); len(tl) != 1 || !tl[0].Confirmed {
		t.Errorf("timeline 42 = %+v", tl)
	}
	if len(r.Timeline("7")) != len(before) {
		t.Error("timeline 7 changed")
	}

	t.Run("open conversation is never unread", func(t *testing.T) {
		r.Merge(ctx, receivedPayload("srv_2", "7", "hello"))
		if r.Unread("7") {
			t.Error("Unread(7) set for the open conversation")
		}
	})

	t.Run("opening clears", func(t *testing.T) {
		backend.markFail = errors.New("server error")
		r.OpenConversation(ctx, "42")
		if r.Unread("42") {
			t.Error("Unread(42) still set after opening, even with failing mark-read")
		}
		if backend.count("markMessagesRead") != 2 {
			t.Errorf("markMessagesRead calls = %d, want 2", backend.count("markMessagesRead"))
		}
	})

	t.Run("own messages never unread", func(t *testing.T) {
		r.Merge(ctx, sentPayload("srv_3", "9", "out"))
		if r.Unread("9") {
			t.Error("sent message set unread")
		}
	})
}

func TestHistoryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("empty timeline fetches", func(t *testing.T) {
		backend := newChatBackend()
		backend.history = []MessagePayload{
			receivedPayload("srv_1", "2", "a"),
			sentPayload("srv_2", "2", "b"),
		}
		r := newTestReconciler(backend, nil, newFakeClock())

		tl, err := r.OpenConversation(ctx, "2")
		if err != nil {
			t.Fatal(err)
		}
		if len(tl) != 2 || tl[0].ID != "srv_1" || tl[1].SenderRole != RoleSent {
			t.Errorf("timeline = %+v", tl)
		}
		if r.Unread("2") {
			t.Error("history for the open conversation set unread")
		}
	})

	t.Run("non-empty timeline skips fetch", func(t *testing.T) {
		backend := newChatBackend()
		backend.history = []MessagePayload{receivedPayload("srv_1", "2", "a")}
		r := newTestReconciler(backend, nil, newFakeClock())
		r.Merge(ctx, receivedPayload("srv_0", "2", "cached"))

		tl, _ := r.OpenConversation(ctx, "2")
		if backend.count("GetMessages") != 0 {
			t.Errorf("GetMessages calls = %d, want 0", backend.count("GetMessages"))
		}
		if len(tl) != 1 || tl[0].ID != "srv_0" {
			t.Errorf("timeline = %+v", tl)
		}
	})

	t.Run("fetch failure is returned", func(t *testing.T) {
		r := newTestReconciler(ExecutorFunc(func(context.Context, string, map[string]any, bool) (json.RawMessage, error) {
			return nil, errors.New("offline")
		}), nil, newFakeClock())
		if _, err := r.OpenConversation(ctx, "2"); err == nil {
			t.Error("expected history error")
		}
		if r.OpenPeer() != "2" {
			t.Error("conversation not opened after history failure")
		}
	})
}

func TestReadReceipts(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()
	r.Merge(ctx, receivedPayload("srv_1", "2", "hi"))

	r.onReadReceipt(ReadReceipt{ReaderID: "1", PeerID: "2"})
	if r.Unread("2") {
		t.Error("own read receipt did not clear unread")
	}

	at := baseTime.Add(time.Hour)
	r.onReadReceipt(ReadReceipt{ReaderID: "2", PeerID: "1", ReadAt: at})
	if got, ok := r.PeerReadAt("2"); !ok || !got.Equal(at) {
		t.Errorf("PeerReadAt = %v, %v", got, ok)
	}
}

func TestTypingIndicator(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	r.OpenConversation(context.Background(), "2")

	r.onTyping(TypingChanged{UserID: "3", ReceiverID: "1", IsTyping: true})
	if r.Typing("3") {
		t.Error("typing recorded for a peer that is not open")
	}

	r.onTyping(TypingChanged{UserID: "2", ReceiverID: "1", IsTyping: true})
	if !r.Typing("2") {
		t.Error("typing not recorded for the open peer")
	}
	r.onTyping(TypingChanged{UserID: "2", ReceiverID: "1", IsTyping: false})
	if r.Typing("2") {
		t.Error("typing not cleared")
	}

	r.onTyping(TypingChanged{UserID: "2", ReceiverID: "1", IsTyping: true})
	r.CloseConversation()
	if r.Typing("2") {
		t.Error("typing survived closing the conversation")
	}
}

// ============================================================================
// Channel binding
// ============================================================================

func TestReconcilerBinding(t *testing.T) {
	tr := &fakeTransport{name: "ws"}
	ch := testChannel(tr)
	defer ch.Close()
	ctx := context.Background()

	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	r.Bind(ch)
	if err := ch.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	conn := tr.conn(0)

	conn.deliver(messageFrame("srv_1", "2", "1", "hi"))
	waitFor(t, "merged push message", func() bool { return len(r.Timeline("2")) == 1 })
	if !r.Unread("2") {
		t.Error("push message did not set unread")
	}

	t.Run("open joins room and marks read", func(t *testing.T) {
		r.OpenConversation(ctx, "2")
		joins := conn.frames(EventJoinChat)
		if len(joins) != 1 {
			t.Fatalf("join_chat frames = %d", len(joins))
		}
		var jp joinChatPayload
		json.Unmarshal(joins[0].Payload, &jp)
		if jp.Room != ConversationKey("1", "2") {
			t.Errorf("room = %q", jp.Room)
		}
		marks := conn.frames(EventMarkRead)
		if len(marks) != 1 {
			t.Fatalf("mark_read frames = %d", len(marks))
		}
		var mp markReadPayload
		json.Unmarshal(marks[0].Payload, &mp)
		if mp.ReaderID != "1" || mp.SenderID != "2" {
			t.Errorf("mark_read payload = %+v", mp)
		}
	})

	t.Run("send emits without provisional id", func(t *testing.T) {
		r.Send(ctx, "2", "yo")
		frames := conn.frames(EventSendMessage)
		if len(frames) != 1 {
			t.Fatalf("send_message frames = %d", len(frames))
		}
		var p MessagePayload
		json.Unmarshal(frames[0].Payload, &p)
		if p.ID != "" || p.Text != "yo" || p.ReceiverID != "2" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("typing throttled", func(t *testing.T) {
		if !r.SetTyping(ctx, true) {
			t.Fatal("first typing signal not sent")
		}
		if r.SetTyping(ctx, true) {
			t.Error("repeated typing signal not throttled")
		}
		if !r.SetTyping(ctx, false) {
			t.Error("stop signal not sent")
		}
		if n := len(conn.frames(EventTyping)); n != 2 {
			t.Errorf("typing frames = %d, want 2", n)
		}
	})

	t.Run("unbind stops merging", func(t *testing.T) {
		r.Bind(nil)
		conn.deliver(messageFrame("srv_50", "3", "1", "ignored"))
		time.Sleep(20 * time.Millisecond)
		if len(r.Timeline("3")) != 0 {
			t.Error("message merged after unbind")
		}
	})
}

// gatedTransport holds every dial until release is closed.
type gatedTransport struct {
	fakeTransport
	release chan struct{}
}

func (t *gatedTransport) Dial(ctx context.Context, endpoint string, auth DialAuth) (Conn, error) {
	select {
	case <-t.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.fakeTransport.Dial(ctx, endpoint, auth)
}

func TestReconcilerJoinsOpenRoomOnConnect(t *testing.T) {
	tr := &gatedTransport{fakeTransport: fakeTransport{name: "ws"}, release: make(chan struct{})}
	ch := testChannel(tr)
	defer ch.Close()
	ctx := context.Background()

	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	r.Bind(ch)

	connected := make(chan error, 1)
	go func() { connected <- ch.Connect(ctx) }()
	waitFor(t, "connecting", func() bool { return ch.Status() == StatusConnecting })

	if _, err := r.OpenConversation(ctx, "2"); err != nil {
		t.Fatal(err)
	}
	close(tr.release)
	if err := <-connected; err != nil {
		t.Fatal(err)
	}

	conn := tr.conn(0)
	waitFor(t, "join_chat after connect", func() bool { return len(conn.frames(EventJoinChat)) == 1 })
	var jp joinChatPayload
	json.Unmarshal(conn.frames(EventJoinChat)[0].Payload, &jp)
	if jp.Room != ConversationKey("1", "2") {
		t.Errorf("room = %q, want %q", jp.Room, ConversationKey("1", "2"))
	}
	if rooms := ch.State().Rooms; len(rooms) != 1 || rooms[0] != ConversationKey("1", "2") {
		t.Errorf("rooms = %v", rooms)
	}

	conn.deliver(messageFrame("srv_1", "2", "1", "live"))
	waitFor(t, "live message merged", func() bool { return len(r.Timeline("2")) == 1 })
	if r.Unread("2") {
		t.Error("message in the open conversation marked unread")
	}
}

// ============================================================================
// Identity, mirror and reset
// ============================================================================

func TestReconcilerSetIdentity(t *testing.T) {
	r := newTestReconciler(newChatBackend(), nil, newFakeClock())
	ctx := context.Background()
	r.Merge(ctx, receivedPayload("srv_1", "2", "hi"))

	r.SetIdentity(&Identity{ID: "1", DisplayName: "Ada L."})
	if !r.Unread("2") {
		t.Error("same id dropped session state")
	}

	r.SetIdentity(&Identity{ID: "2"})
	if r.Unread("2") || len(r.UnreadPeers()) != 0 {
		t.Error("unread flags survived an identity change")
	}
	// the same conversation seen from the other side
	if tl := r.Timeline("1"); len(tl) != 1 {
		t.Errorf("timeline from peer side = %+v", tl)
	}

	r.SetIdentity(nil)
	if _, ok := r.Merge(ctx, receivedPayload("srv_2", "2", "x")); ok {
		t.Error("merged without identity")
	}
}

func TestReconcilerMirror(t *testing.T) {
	ctx := context.Background()

	t.Run("restores timelines", func(t *testing.T) {
		slots := NewMemorySlots()
		r := newTestReconciler(newChatBackend(), slots, newFakeClock())
		r.Merge(ctx, sentPayload("local_a", "2", "pending"))
		r.Merge(ctx, receivedPayload("srv_1", "2", "hi"))

		reopened := newTestReconciler(newChatBackend(), slots, newFakeClock())
		if err := reopened.Open(ctx); err != nil {
			t.Fatal(err)
		}
		tl := reopened.Timeline("2")
		if len(tl) != 2 || tl[0].Confirmed || !tl[1].Confirmed {
			t.Errorf("timeline = %+v", tl)
		}
	})

	t.Run("corrupt mirror is empty", func(t *testing.T) {
		slots := NewMemorySlots()
		slots.Put(ctx, SlotMessageTimeline, []byte(`{"1_2": "nope"`))
		r := newTestReconciler(newChatBackend(), slots, newFakeClock())
		if err := r.Open(ctx); err != nil {
			t.Fatalf("Open: %v", err)
		}
		if len(r.Timeline("2")) != 0 {
			t.Error("timeline not empty")
		}
	})

	t.Run("reset drops mirror", func(t *testing.T) {
		slots := NewMemorySlots()
		r := newTestReconciler(newChatBackend(), slots, newFakeClock())
		r.Merge(ctx, receivedPayload("srv_1", "2", "hi"))

		if err := r.Reset(ctx); err != nil {
			t.Fatal(err)
		}
		if len(r.Timeline("2")) != 0 || r.Unread("2") {
			t.Error("state survived reset")
		}
		if _, ok, _ := slots.Get(ctx, SlotMessageTimeline); ok {
			t.Error("mirror slot survived reset")
		}
	})
}
