package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

// ============================================================================
// Data Types
// ============================================================================

// SenderRole is the direction of a message relative to the local identity.
type SenderRole string

const (
	RoleSent     SenderRole = "sent"
	RoleReceived SenderRole = "received"
)

// MessageRecord is one entry of a conversation timeline.
type MessageRecord struct {
	ID              string     `json:"id"`
	ConversationKey string     `json:"conversationKey"`
	Text            string     `json:"text"`
	SenderRole      SenderRole `json:"senderRole"`
	Timestamp       time.Time  `json:"timestamp"`
	Confirmed       bool       `json:"confirmed"`
}

func (m *MessageRecord) sameContent(text string, ts time.Time, role SenderRole) bool {
	return m.Text == text && m.SenderRole == role && m.Timestamp.Equal(ts)
}

const provisionalPrefix = "local_"

// IsProvisional reports whether id was generated locally for an unconfirmed send.
func IsProvisional(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

func newProvisionalID() string {
	return provisionalPrefix + ulid.Make().String()
}

// ConversationKey returns the identifier of the conversation between a and b.
// Both participants compute the same key.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// merge outcomes, also used as metric labels
const (
	mergeAppended    = "appended"
	mergeConfirmed   = "confirmed"
	mergeDuplicate   = "duplicate"
	mergeProvisional = "provisional"
	mergeIgnored     = "ignored"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// TypingInterval is the minimum gap between repeated typing emits.
	TypingInterval time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
	Now            func() time.Time
}

func (c *ReconcilerConfig) defaults() {
	if c.TypingInterval == 0 {
		c.TypingInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler merges local optimistic sends, history replay and push events
// into one duplicate-free timeline per conversation, and tracks unread and
// typing state per peer. It is the only writer of the messageTimeline slot.
//
// Timelines keep merge order; records are never re-sorted by timestamp.
type Reconciler struct {
	cache *ResultCache
	slots SlotStore
	cfg   ReconcilerConfig
	log   *slog.Logger

	mu         sync.Mutex
	self       Identity
	timelines  map[string][]MessageRecord
	unread     map[string]bool
	typing     map[string]bool
	peerReadAt map[string]time.Time
	openPeer   string
	channel    *Channel
	subs       []*Subscription
	lastTyping bool
	limiter    *rate.Limiter

	persistMu sync.Mutex
}

// NewReconciler creates a reconciler acting for self. cache carries history
// fetches and chat mutations; slots may be nil to disable mirroring.
func NewReconciler(self Identity, cache *ResultCache, slots SlotStore, cfg *ReconcilerConfig) *Reconciler {
	var c ReconcilerConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &Reconciler{
		cache:      cache,
		slots:      slots,
		cfg:        c,
		log:        c.Logger,
		self:       self,
		timelines:  make(map[string][]MessageRecord),
		unread:     make(map[string]bool),
		typing:     make(map[string]bool),
		peerReadAt: make(map[string]time.Time),
		limiter:    rate.NewLimiter(rate.Every(c.TypingInterval), 1),
	}
}

// Open restores timelines from the durable mirror. A corrupt mirror is
// treated as empty.
func (r *Reconciler) Open(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	stored, err := readSlot[map[string][]MessageRecord](ctx, r.slots, SlotMessageTimeline, r.log)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = make(map[string][]MessageRecord)
	}
	r.mu.Lock()
	r.timelines = stored
	r.mu.Unlock()
	r.log.Debug("chat.open", "conversations", len(stored))
	return nil
}

// Close detaches from the channel and writes the final mirror.
func (r *Reconciler) Close(ctx context.Context) error {
	r.Bind(nil)
	return r.persist(ctx)
}

// Self returns the identity the reconciler acts for.
func (r *Reconciler) Self() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// SetIdentity switches the local identity. Per-session state (open
// conversation, unread and typing flags) is dropped when the id changes;
// timelines stay, since their keys include both participants.
func (r *Reconciler) SetIdentity(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next Identity
	if id != nil {
		next = *id
	}
	if next.ID == r.self.ID {
		r.self = next
		return
	}
	r.self = next
	r.openPeer = ""
	r.lastTyping = false
	r.unread = make(map[string]bool)
	r.typing = make(map[string]bool)
	r.peerReadAt = make(map[string]time.Time)
}

// Bind subscribes to ch's application events, replacing any previous
// binding. Bind(nil) only unbinds.
func (r *Reconciler) Bind(ch *Channel) {
	r.mu.Lock()
	old := r.subs
	r.subs = nil
	r.channel = ch
	r.mu.Unlock()

	for _, s := range old {
		s.Unsubscribe()
	}
	if ch == nil {
		return
	}

	subs := []*Subscription{
		ch.Subscribe(EventConnect, r.onConnect),
		ch.Subscribe(EventReceiveMessage, r.onMessage),
		ch.Subscribe(EventUserTyping, r.onTyping),
		ch.Subscribe(EventMessagesMarkedRead, r.onReadReceipt),
	}

	r.mu.Lock()
	current := r.channel == ch
	if current {
		r.subs = subs
	}
	r.mu.Unlock()
	if !current {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

// ---- Merge ----

// Merge folds a message (push broadcast, history replay or mutation
// acknowledgment) into its conversation. A payload without an id has no
// durable identity and is appended as provisional. Messages not involving
// the local identity are ignored and reported with ok=false.
func (r *Reconciler) Merge(ctx context.Context, p MessagePayload) (MessageRecord, bool) {
	r.mu.Lock()
	rec, result := r.mergeLocked(p)
	r.mu.Unlock()

	r.cfg.Metrics.messageMerged(result)
	if result == mergeIgnored {
		r.log.Debug("chat.merge.ignore", "id", p.ID)
		return MessageRecord{}, false
	}
	if result != mergeDuplicate {
		r.persistLogged(ctx)
	}
	return rec, true
}

func (r *Reconciler) mergeLocked(p MessagePayload) (MessageRecord, string) {
	self := r.self.ID
	if self == "" {
		return MessageRecord{}, mergeIgnored
	}

	var peer string
	var role SenderRole
	switch self {
	case p.SenderID:
		peer, role = p.ReceiverID, RoleSent
	case p.ReceiverID:
		peer, role = p.SenderID, RoleReceived
	default:
		return MessageRecord{}, mergeIgnored
	}

	if p.ID == "" {
		p.ID = newProvisionalID()
	}

	key := ConversationKey(self, peer)
	ts := normalizeTimestamp(p.Timestamp)
	tl := r.timelines[key]

	for i := range tl {
		if tl[i].ID == p.ID {
			return tl[i], mergeDuplicate
		}
	}

	if !IsProvisional(p.ID) {
		for i := range tl {
			if !tl[i].Confirmed && tl[i].sameContent(p.Text, ts, role) {
				tl[i].ID = p.ID
				tl[i].Confirmed = true
				return tl[i], mergeConfirmed
			}
		}
		rec := MessageRecord{ID: p.ID, ConversationKey: key, Text: p.Text, SenderRole: role, Timestamp: ts, Confirmed: true}
		r.timelines[key] = append(tl, rec)
		if role == RoleReceived && peer != r.openPeer {
			r.unread[peer] = true
		}
		return rec, mergeAppended
	}

	// a local send whose durable counterpart already arrived
	for i := range tl {
		if tl[i].Confirmed && tl[i].sameContent(p.Text, ts, role) {
			return tl[i], mergeDuplicate
		}
	}
	rec := MessageRecord{ID: p.ID, ConversationKey: key, Text: p.Text, SenderRole: role, Timestamp: ts}
	r.timelines[key] = append(tl, rec)
	return rec, mergeProvisional
}

// ---- Sending ----

// Send records text as a provisional message to peer, mirrors it, emits it
// on the push channel (dropped when offline) and confirms it through the
// sendMessage mutation. On mutation failure the provisional record stays in
// the timeline and the error is returned.
func (r *Reconciler) Send(ctx context.Context, peer, text string) (MessageRecord, error) {
	r.mu.Lock()
	self := r.self.ID
	if self == "" {
		r.mu.Unlock()
		return MessageRecord{}, ErrNoIdentity
	}
	p := MessagePayload{
		ID:         newProvisionalID(),
		SenderID:   self,
		ReceiverID: peer,
		Text:       text,
		Timestamp:  normalizeTimestamp(r.cfg.Now()),
	}
	rec, result := r.mergeLocked(p)
	ch := r.channel
	r.mu.Unlock()

	r.cfg.Metrics.messageMerged(result)
	r.persistLogged(ctx)

	if ch != nil {
		wire := p
		wire.ID = ""
		ch.Emit(ctx, EventSendMessage, wire)
	}

	data, err := r.cache.Execute(ctx, mutationSendMessage, map[string]any{
		"receiverId": peer,
		"text":       text,
		"timestamp":  p.Timestamp.Format(time.RFC3339Nano),
	}, nil)
	if err != nil {
		r.log.Warn("chat.send.fail", "peer", peer, "id", rec.ID, "err", err)
		return rec, fmt.Errorf("failed to send message: %w", err)
	}

	var resp struct {
		SendMessage MessagePayload `json:"sendMessage"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return rec, fmt.Errorf("failed to decode sendMessage response: %w", err)
	}
	if resp.SendMessage.ID == "" {
		return rec, nil
	}
	confirmed, ok := r.Merge(ctx, resp.SendMessage)
	if !ok {
		return rec, nil
	}
	return confirmed, nil
}

// ---- Conversations ----

// OpenConversation makes peer the open conversation: its unread flag is
// cleared at once, its room is joined and the peer is marked read. Remote
// history is fetched only when the local timeline is empty. Mark-read
// failures are logged and never restore the flag.
func (r *Reconciler) OpenConversation(ctx context.Context, peer string) ([]MessageRecord, error) {
	r.mu.Lock()
	self := r.self.ID
	if self == "" {
		r.mu.Unlock()
		return nil, ErrNoIdentity
	}
	if r.openPeer != peer {
		r.typing = make(map[string]bool)
		r.lastTyping = false
	}
	r.openPeer = peer
	delete(r.unread, peer)
	key := ConversationKey(self, peer)
	empty := len(r.timelines[key]) == 0
	ch := r.channel
	r.mu.Unlock()

	if ch != nil {
		ch.JoinRoom(ctx, key)
		ch.Emit(ctx, EventMarkRead, markReadPayload{ReaderID: self, SenderID: peer, ReadAt: r.cfg.Now().UTC()})
	}

	var histErr error
	if empty {
		histErr = r.loadHistory(ctx, self, peer)
	}
	r.markRead(ctx, self, peer)
	return r.Timeline(peer), histErr
}

// CloseConversation clears the open conversation.
func (r *Reconciler) CloseConversation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openPeer = ""
	r.lastTyping = false
	r.typing = make(map[string]bool)
}

// OpenPeer returns the peer of the open conversation, or "".
func (r *Reconciler) OpenPeer() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openPeer
}

func (r *Reconciler) loadHistory(ctx context.Context, self, peer string) error {
	data, err := r.cache.Execute(ctx, queryGetMessages, map[string]any{"userId": self, "peerId": peer}, nil)
	if err != nil {
		r.log.Warn("chat.history.fail", "peer", peer, "err", err)
		return fmt.Errorf("failed to load history: %w", err)
	}
	var resp struct {
		Messages []MessagePayload `json:"messages"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("failed to decode history: %w", err)
	}

	r.mu.Lock()
	results := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.ID == "" {
			continue
		}
		_, result := r.mergeLocked(m)
		results = append(results, result)
	}
	r.mu.Unlock()

	for _, res := range results {
		r.cfg.Metrics.messageMerged(res)
	}
	r.persistLogged(ctx)
	r.log.Debug("chat.history", "peer", peer, "messages", len(resp.Messages))
	return nil
}

func (r *Reconciler) markRead(ctx context.Context, self, peer string) {
	_, err := r.cache.Execute(ctx, mutationMarkMessagesRead, map[string]any{"readerId": self, "senderId": peer}, nil)
	if err != nil {
		r.log.Warn("chat.mark_read.fail", "peer", peer, "err", err)
	}
}

// ---- Typing ----

// SetTyping announces the local typing state to the open conversation.
// Changes are always sent; repeated "still typing" signals are throttled.
// It reports whether a typing event was emitted.
func (r *Reconciler) SetTyping(ctx context.Context, typing bool) bool {
	r.mu.Lock()
	peer := r.openPeer
	self := r.self.ID
	ch := r.channel
	if peer == "" || ch == nil {
		r.mu.Unlock()
		return false
	}
	changed := typing != r.lastTyping
	if !changed && (!typing || !r.limiter.Allow()) {
		r.mu.Unlock()
		return false
	}
	if changed && typing {
		r.limiter.Allow()
	}
	r.lastTyping = typing
	r.mu.Unlock()

	return ch.Emit(ctx, EventTyping, typingPayload{SenderID: self, ReceiverID: peer, IsTyping: typing})
}

// ---- Queries ----

// Timeline returns a copy of the conversation with peer in merge order.
func (r *Reconciler) Timeline(peer string) []MessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl := r.timelines[ConversationKey(r.self.ID, peer)]
	return append([]MessageRecord(nil), tl...)
}

// Unread reports the unread flag for peer.
func (r *Reconciler) Unread(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[peer]
}

// UnreadPeers returns every peer with unread messages, sorted.
func (r *Reconciler) UnreadPeers() []string {
	r.mu.Lock()
	peers := make([]string, 0, len(r.unread))
	for p, u := range r.unread {
		if u {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()
	sort.Strings(peers)
	return peers
}

// Typing reports whether peer is currently typing to us.
func (r *Reconciler) Typing(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing[peer]
}

// PeerReadAt returns when peer last read our messages, if known.
func (r *Reconciler) PeerReadAt(peer string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.peerReadAt[peer]
	return t, ok
}

// Reset drops every timeline and the durable mirror.
func (r *Reconciler) Reset(ctx context.Context) error {
	r.mu.Lock()
	r.timelines = make(map[string][]MessageRecord)
	r.unread = make(map[string]bool)
	r.typing = make(map[string]bool)
	r.peerReadAt = make(map[string]time.Time)
	r.mu.Unlock()

	if r.slots == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return r.slots.Delete(ctx, SlotMessageTimeline)
}

// ---- Push handlers ----

// onConnect joins the open conversation's room. A join attempted while the
// channel was still connecting is not remembered by the channel.
func (r *Reconciler) onConnect(Event) {
	r.mu.Lock()
	self, peer, ch := r.self.ID, r.openPeer, r.channel
	r.mu.Unlock()
	if self == "" || peer == "" || ch == nil {
		return
	}
	ch.JoinRoom(context.Background(), ConversationKey(self, peer))
}

func (r *Reconciler) onMessage(ev Event) {
	m, ok := ev.(MessageReceived)
	if !ok {
		return
	}
	r.Merge(context.Background(), m.Message)
}

func (r *Reconciler) onTyping(ev Event) {
	t, ok := ev.(TypingChanged)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.UserID != r.openPeer || (t.ReceiverID != "" && t.ReceiverID != r.self.ID) {
		return
	}
	r.typing[t.UserID] = t.IsTyping
}

func (r *Reconciler) onReadReceipt(ev Event) {
	rr, ok := ev.(ReadReceipt)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.self.ID {
	case rr.ReaderID:
		// read on another client of ours
		delete(r.unread, rr.PeerID)
	case rr.PeerID:
		at := rr.ReadAt
		if at.IsZero() {
			at = r.cfg.Now()
		}
		r.peerReadAt[rr.ReaderID] = at.UTC()
	}
}

// ---- Mirror ----

// persist writes the whole timeline map; persistMu keeps snapshots in order.
func (r *Reconciler) persist(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	snapshot := make(map[string][]MessageRecord, len(r.timelines))
	for k, tl := range r.timelines {
		snapshot[k] = append([]MessageRecord(nil), tl...)
	}
	r.mu.Unlock()

	return writeSlot(ctx, r.slots, SlotMessageTimeline, snapshot)
}

func (r *Reconciler) persistLogged(ctx context.Context) {
	if err := r.persist(ctx); err != nil {
		r.log.Warn("chat.persist.fail", "err", err)
	}
}
