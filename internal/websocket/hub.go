package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/veilstar/brawl-backend/internal/models"
	"github.com/veilstar/brawl-backend/pkg/broadcast"
	"go.uber.org/zap"
)

// Identity 연결의 인증 정보. 큐 토픽은 익명 연결도 허용한다.
type Identity struct {
	Address string
	Role    models.Role
	MatchID string
}

// Hub 웹소켓 연결을 broadcast 토픽에 붙이고 연결 목록을 관리
type Hub struct {
	bus            broadcast.Bus
	allowedOrigins []string

	// 토픽별 연결
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	// 등록/해제 채널
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *zap.Logger
}

// NewHub allowedOrigins가 비었거나 "*"를 포함하면 모든 origin 허용
func NewHub(bus broadcast.Bus, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:            bus,
		allowedOrigins: allowedOrigins,
		clients:        make(map[string]map[*Client]struct{}),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		logger:         logger,
	}
}

// Run Hub 실행. ctx가 끝나면 모든 연결을 닫는다.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Count 토픽에 붙은 연결 수
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// registerClient 클라이언트 등록
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.topic] == nil {
		h.clients[client.topic] = make(map[*Client]struct{})
	}
	h.clients[client.topic][client] = struct{}{}
	h.logger.Info("WebSocket client registered",
		zap.String("topic", client.topic),
		zap.String("address", client.identity.Address),
		zap.Int("topicClients", len(h.clients[client.topic])))
}

// unregisterClient 클라이언트 해제
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[client.topic]
	if !ok {
		return
	}
	if _, exists := set[client]; !exists {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.topic)
	}
	h.logger.Info("WebSocket client unregistered",
		zap.String("topic", client.topic),
		zap.String("address", client.identity.Address))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	if len(all) > 0 {
		h.logger.Info("Closed WebSocket clients", zap.Int("count", len(all)))
	}
}

// add Run이 끝났으면 false
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// 브라우저가 아닌 클라이언트 (봇)
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
