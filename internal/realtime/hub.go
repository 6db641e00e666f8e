// Package realtime is the authority that arbitrates thread rooms: membership,
// the edit lock, presence broadcasts and snapshot mutations.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/threadsync/internal/cache"
	"github.com/charlesng35/threadsync/internal/models"
	"github.com/charlesng35/threadsync/internal/protocol"
	"github.com/charlesng35/threadsync/pkg/logger"
	"github.com/charlesng35/threadsync/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
	defaultOpTimeout  = 5 * time.Second
)

// Identity is the authenticated user behind a connection. A non-empty
// Threads list restricts the rooms it may join.
type Identity struct {
	UserID  string
	Name    string
	Threads []string
}

func (i Identity) allows(thread string) bool {
	if len(i.Threads) == 0 {
		return true
	}
	for _, allowed := range i.Threads {
		if allowed == thread {
			return true
		}
	}
	return false
}

// ThreadStore persists thread state. *store.SnapshotStore implements it.
type ThreadStore interface {
	EnsureThread(ctx context.Context, threadID string) (models.Thread, error)
	UpdateContent(ctx context.Context, threadID, userID, content string) (protocol.Update, error)
	AddCollaborator(ctx context.Context, threadID, userID, name, role string) error
	RemoveCollaborator(ctx context.Context, threadID, userID string) (bool, error)
	Collaborators(ctx context.Context, threadID string) ([]protocol.Collaborator, error)
	AddComment(ctx context.Context, threadID, authorID, content string) (protocol.Comment, error)
	Comments(ctx context.Context, threadID string) ([]protocol.Comment, error)
	AddInsight(ctx context.Context, threadID, authorID string, in protocol.AddInsight) (protocol.Insight, error)
	Insights(ctx context.Context, threadID string) ([]protocol.Insight, error)
	CreateVersion(ctx context.Context, threadID, authorID, title, content string) (protocol.Version, error)
	Versions(ctx context.Context, threadID string) ([]protocol.Version, error)
	RecordReceipt(ctx context.Context, threadID, messageID, userID string, readAt time.Time) (protocol.Read, bool, error)
}

// Config tunes the hub. Zero values select defaults.
type Config struct {
	// LockTTL is the edit lease granted on request and refreshed on every content change.
	LockTTL time.Duration
	// SendBuffer is the per-connection outbound queue; slow connections beyond it are dropped.
	SendBuffer int
	// AllowedOrigins lists extra browser origins accepted on upgrade. "*" accepts any origin.
	AllowedOrigins []string
	// OpTimeout bounds the store and lock calls of one intent.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = cache.DefaultLeaseTTL
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultBufferSize
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	return c
}

// Hub coordinates thread rooms for connected clients.
type Hub struct {
	cfg      Config
	locks    cache.LockStore
	threads  ThreadStore
	fanout   Fanout
	log      *zap.Logger
	now      func() time.Time
	upgrader websocket.Upgrader

	// arbiter orders lock decisions with their broadcasts.
	arbiter sync.Mutex

	mu     sync.RWMutex
	rooms  map[string]*room
	conns  map[*connection]struct{}
	closed bool
}

type room struct {
	members map[string]map[*connection]struct{}
	// holder is the last lock holder broadcast to the room.
	holder string
}

// NewHub constructs a hub. A nil fanout selects LocalFanout.
func NewHub(cfg Config, locks cache.LockStore, threads ThreadStore, fanout Fanout) (*Hub, error) {
	if locks == nil {
		return nil, errors.New("realtime: lock store is required")
	}
	if threads == nil {
		return nil, errors.New("realtime: thread store is required")
	}
	if fanout == nil {
		fanout = NewLocalFanout()
	}

	h := &Hub{
		cfg:     cfg.withDefaults(),
		locks:   locks,
		threads: threads,
		fanout:  fanout,
		log:     logger.WithModule("realtime"),
		now:     time.Now,
		rooms:   make(map[string]*room),
		conns:   make(map[*connection]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	if err := fanout.Start(h.deliver); err != nil {
		return nil, err
	}
	return h, nil
}

// Serve upgrades the HTTP connection to a WebSocket and blocks until the client goes away.
func (h *Hub) Serve(identity Identity, w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(identity.UserID) == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("user_id", identity.UserID), zap.Error(err))
		return
	}

	client := newConnection(h, conn, identity)
	if !h.register(client) {
		client.close()
		return
	}

	go client.writeLoop()
	client.readLoop()
}

// ActiveRooms reports the number of rooms with at least one member on this node.
func (h *Hub) ActiveRooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Connections reports the number of open connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Members lists the users present in thread on this node.
func (h *Hub) Members(thread string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rooms[thread]
	if r == nil {
		return nil
	}
	users := make([]string, 0, len(r.members))
	for user := range r.members {
		users = append(users, user)
	}
	return users
}

// ReconcileLocks broadcasts the lock state of every local room whose lease
// changed without a broadcast, typically because it expired.
func (h *Hub) ReconcileLocks(ctx context.Context) (int, error) {
	h.mu.RLock()
	threads := make([]string, 0, len(h.rooms))
	for thread := range h.rooms {
		threads = append(threads, thread)
	}
	h.mu.RUnlock()

	var (
		changed int
		errs    error
	)
	for _, thread := range threads {
		n, err := h.reconcile(ctx, thread)
		changed += n
		errs = multierr.Append(errs, err)
	}
	return changed, errs
}

func (h *Hub) reconcile(ctx context.Context, thread string) (int, error) {
	h.arbiter.Lock()
	defer h.arbiter.Unlock()

	last, ok := h.roomHolder(thread)
	if !ok {
		return 0, nil
	}
	lease, err := h.locks.Holder(ctx, thread)
	if err != nil {
		return 0, err
	}
	if lease.Holder == last {
		return 0, nil
	}

	if last != "" && lease.Holder == "" {
		metrics.LockDecisions.WithLabelValues("expired").Inc()
		h.log.Info("lock lease expired", zap.String("thread_id", thread), zap.String("holder", last))
	}
	return 1, h.broadcast(ctx, thread, "", protocol.LockState{Holder: lease.Holder})
}

// Close disconnects every client, releasing their locks, and stops the fanout.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return h.fanout.Close()
}

func (h *Hub) register(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	metrics.ActiveConnections.Inc()
	return true
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	metrics.ActiveConnections.Dec()

	var departed []string
	for thread := range c.rooms {
		if _, last := h.removeMemberLocked(c, thread); last {
			departed = append(departed, thread)
		}
	}
	h.mu.Unlock()

	if len(departed) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.OpTimeout)
	defer cancel()
	for _, thread := range departed {
		h.depart(ctx, thread, c.identity.UserID)
	}
}

// addMember adds c to thread and reports whether it is the first connection of its user there.
func (h *Hub) addMember(c *connection, thread string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[thread]
	if r == nil {
		r = &room{members: make(map[string]map[*connection]struct{})}
		h.rooms[thread] = r
		metrics.ActiveRooms.Inc()
	}

	user := c.identity.UserID
	first := len(r.members[user]) == 0
	if r.members[user] == nil {
		r.members[user] = make(map[*connection]struct{})
	}
	r.members[user][c] = struct{}{}
	c.rooms[thread] = struct{}{}
	return first
}

// removeMember reports whether c was a member and whether its user has no connection left in thread.
func (h *Hub) removeMember(c *connection, thread string) (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeMemberLocked(c, thread)
}

func (h *Hub) removeMemberLocked(c *connection, thread string) (member bool, last bool) {
	r := h.rooms[thread]
	if r == nil {
		return false, false
	}

	user := c.identity.UserID
	userConns := r.members[user]
	if _, ok := userConns[c]; !ok {
		return false, false
	}

	delete(userConns, c)
	delete(c.rooms, thread)
	if len(userConns) > 0 {
		return true, false
	}

	delete(r.members, user)
	if len(r.members) == 0 {
		delete(h.rooms, thread)
		metrics.ActiveRooms.Dec()
	}
	return true, true
}

func (h *Hub) isMember(c *connection, thread string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[thread]
	return ok
}

func (h *Hub) roomHolder(thread string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r := h.rooms[thread]
	if r == nil {
		return "", false
	}
	return r.holder, true
}

func (h *Hub) setRoomHolder(thread, holder string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[thread]; r != nil {
		r.holder = holder
	}
}

// depart runs when the last connection of user leaves thread.
func (h *Hub) depart(ctx context.Context, thread, user string) {
	h.arbiter.Lock()
	released, err := h.locks.Release(ctx, thread, user)
	if err != nil {
		h.log.Error("failed to release lock of departed user",
			zap.String("thread_id", thread), zap.String("user_id", user), zap.Error(err))
	}
	if released {
		metrics.LockDecisions.WithLabelValues("released").Inc()
		_ = h.broadcast(ctx, thread, user, protocol.LockState{})
	}
	h.arbiter.Unlock()

	_ = h.broadcast(ctx, thread, user, protocol.Activity{Type: ActivityLeft, UserID: user, At: h.now().UTC()})
}

// broadcast publishes ev to every member of thread on every node.
func (h *Hub) broadcast(ctx context.Context, thread, sender string, ev protocol.Event) error {
	frame, err := protocol.NewFrame(thread, sender, ev, h.now())
	if err != nil {
		return err
	}

	metrics.Broadcasts.WithLabelValues(string(ev.Name())).Inc()
	if err := h.fanout.Publish(ctx, frame); err != nil {
		h.log.Error("broadcast failed", zap.String("thread_id", thread), zap.String("event", string(ev.Name())), zap.Error(err))
		return err
	}
	return nil
}

// deliver is the fanout callback: it queues frame on every local member of its room.
func (h *Hub) deliver(frame protocol.Frame) {
	payload, err := frame.Marshal()
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("event", string(frame.Event)), zap.Error(err))
		return
	}

	if frame.Event == protocol.EventLock {
		var state protocol.LockState
		if err := json.Unmarshal(frame.Data, &state); err == nil {
			h.setRoomHolder(frame.Thread, state.Holder)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rooms[frame.Thread]
	if r == nil {
		return
	}
	for _, conns := range r.members {
		for c := range conns {
			c.enqueue(payload)
		}
	}
}

// reply sends ev to a single connection.
func (h *Hub) reply(c *connection, thread string, ev protocol.Event) {
	frame, err := protocol.NewFrame(thread, "", ev, h.now())
	if err != nil {
		h.log.Error("failed to build reply", zap.String("event", string(ev.Name())), zap.Error(err))
		return
	}
	payload, err := frame.Marshal()
	if err != nil {
		h.log.Error("failed to encode reply", zap.String("event", string(ev.Name())), zap.Error(err))
		return
	}
	c.enqueue(payload)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	originHost := hostWithoutPort(origin)
	requestHost := hostWithoutPort(r.Host)
	return originHost == requestHost || isLoopback(originHost)
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
