package session

import (
	"context"
	"fmt"
	"sync"

	"boardSync/internal/logger"
	"boardSync/internal/models/board"
	repo "boardSync/internal/repository"

	"go.uber.org/zap"
)

// Hub реестр подключённых клиентов по id
type Hub struct {
	store repo.Store

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(store repo.Store) *Hub {
	return &Hub{
		store:   store,
		clients: make(map[string]*Client),
	}
}

// Connect подключает клиента пользователя к доске. Прежнее подключение с тем же id закрывается.
// Подписки живут, пока жив ctx или до Disconnect.
func (h *Hub) Connect(ctx context.Context, clientID, boardID string, user board.User, onEvent func(Event)) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("пустой id клиента")
	}
	c := newClient(clientID, boardID, user, h.store, onEvent)
	if err := c.authorize(ctx); err != nil {
		return nil, fmt.Errorf("подключение клиента %s: %w", clientID, err)
	}

	h.mu.Lock()
	old := h.clients[clientID]
	h.clients[clientID] = c
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := c.subscribe(ctx); err != nil {
		h.remove(c)
		c.Close()
		return nil, fmt.Errorf("подключение клиента %s: %w", clientID, err)
	}
	logger.Info("Session: Клиент подключён",
		zap.String("client_id", clientID),
		zap.String("board_id", boardID))
	return c, nil
}

func (h *Hub) Client(clientID string) (*Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	return c, ok
}

// Disconnect закрывает клиента, если он всё ещё зарегистрирован под этим id
func (h *Hub) Disconnect(c *Client) {
	h.remove(c)
	c.Close()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

// Track возвращает колбэк завершения мутации для клиента.
// Для неизвестного клиента колбэк ничего не делает.
func (h *Hub) Track(clientID string, kind MutationKind) func(taskID string, version int64, err error) {
	c, ok := h.Client(clientID)
	if !ok {
		return func(string, int64, error) {}
	}
	return func(taskID string, version int64, err error) {
		c.track(kind, taskID, version, err)
	}
}

// RevokeMember завершает ошибкой доступа все клиенты участника memberID.
// Вызывается сразу после удаления участника, не дожидаясь снимка участников.
func (h *Hub) RevokeMember(memberID string, err error) int {
	h.mu.Lock()
	var targets []*Client
	for _, c := range h.clients {
		if c.memberID() == memberID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.revoke(err)
	}
	if len(targets) > 0 {
		logger.Info("Session: Клиенты удалённого участника отключены",
			zap.String("member_id", memberID),
			zap.Int("count", len(targets)))
	}
	return len(targets)
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close отключает всех клиентов
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	logger.Info("Session: Все клиенты отключены", zap.Int("count", len(clients)))
}
