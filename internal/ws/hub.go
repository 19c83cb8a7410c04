package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vaultguard/internal/logger"
	"github.com/vaultguard/internal/model"
	"github.com/vaultguard/internal/notify"
	"github.com/vaultguard/internal/vaultsession"
)

// MemberLister resolves which users should receive events for a vault.
type MemberLister interface {
	CollaboratorIDs(ctx context.Context, vaultID string) ([]string, error)
}

// SessionExtender lets activity pings keep the vault session alive.
type SessionExtender interface {
	Extend(ctx context.Context, vaultID, activity string) error
	SessionInfo(vaultID string) *model.VaultSession
}

// PushNotifier mirrors vault events to the push microservice. nil disables pushes.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Hub fans vault events out to connected collaborators. It implements
// notify.Notifier, so core registries broadcast through it without knowing
// about WebSockets.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	total      int
	maxConns   int
	members    MemberLister
	sessions   SessionExtender
	pushClient PushNotifier
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(members MemberLister, sessions SessionExtender, maxConns int, pushClient PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		members:    members,
		sessions:   sessions,
		pushClient: pushClient,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.total >= h.maxConns {
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventActivity:
		h.handleActivity(ctx, c, msg)
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

// handleActivity extends the vault session on a client activity ping.
// Only vault collaborators may ping; anyone else gets an error frame.
func (h *Hub) handleActivity(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleActivity", time.Now())()
	if msg.VaultID == "" {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "vault_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	members, err := h.members.CollaboratorIDs(ctx, msg.VaultID)
	if err != nil {
		logger.Errorf("ws collaborators vault=%s: %v", msg.VaultID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "internal error"})
		return
	}
	if !contains(members, c.userID) {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "not a collaborator"})
		return
	}

	activity := msg.Activity
	if activity == "" {
		activity = "client activity"
	}
	if err := h.sessions.Extend(ctx, msg.VaultID, activity); err != nil {
		if errors.Is(err, vaultsession.ErrVaultNotOpen) {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "vault is not open"})
			return
		}
		logger.Errorf("ws extend vault=%s: %v", msg.VaultID, err)
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "failed to extend session"})
		return
	}

	info := h.sessions.SessionInfo(msg.VaultID)
	if info != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventActivity, Payload: SessionExtendedPayload{
			VaultID:   msg.VaultID,
			ExpiresAt: info.ExpiresAt,
		}})
	}
}

// Notify implements notify.Notifier: a vault event fans out to every connected
// collaborator. Security alerts are scoped to a single owner, not a vault,
// so they go straight to that user's connections.
func (h *Hub) Notify(ctx context.Context, vaultID, kind, message string) {
	defer logger.DeferLogDuration("ws.Notify", time.Now())()
	out := OutgoingMessage{Type: eventType(kind), Payload: VaultEventPayload{
		VaultID: vaultID,
		Message: message,
		At:      time.Now().UTC(),
	}}

	if kind == notify.KindSecurityAlert {
		h.sendToUser(vaultID, out)
		if h.pushClient != nil {
			go h.pushClient.Notify(context.Background(), vaultID, "Security alert", message, nil)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	members, err := h.members.CollaboratorIDs(ctx, vaultID)
	if err != nil {
		logger.Errorf("ws broadcast vault=%s: %v", vaultID, err)
		return
	}
	data := map[string]string{"vault_id": vaultID, "kind": kind}
	for _, uid := range members {
		h.sendToUser(uid, out)
		if h.pushClient != nil {
			uid := uid
			go h.pushClient.Notify(context.Background(), uid, "Vault update", message, data)
		}
	}
}

func eventType(kind string) EventType {
	switch kind {
	case notify.KindOpened:
		return EventVaultOpened
	case notify.KindLocked:
		return EventVaultLocked
	case notify.KindAutoLocked:
		return EventVaultAutoLocked
	case notify.KindAlreadyOpen:
		return EventVaultAlreadyOpen
	case notify.KindSecurityAlert:
		return EventSecurityAlert
	case notify.KindEmergencyRequested:
		return EventEmergencyRequested
	case notify.KindEmergencyApproved:
		return EventEmergencyApproved
	case notify.KindEmergencyDenied:
		return EventEmergencyDenied
	default:
		return EventType(kind)
	}
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
