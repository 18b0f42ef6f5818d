package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/redischat/internal/repository"
	"github.com/npezzotti/redischat/internal/stats"
	"github.com/npezzotti/redischat/internal/store"
)

const (
	metricActiveConnections   = "ActiveConnections"
	metricActiveSubscriptions = "ActiveSubscriptions"
	metricMessagesPublished   = "MessagesPublished"
)

// ChatServer tracks live websocket clients. Message fan-out itself
// happens through the store's pub/sub topics; the server only owns the
// client registry and the handles clients need.
type ChatServer struct {
	log         *log.Logger
	store       *store.Store
	repos       *repository.Repositories
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
}

func NewChatServer(logger *log.Logger, s *store.Store, repos *repository.Repositories, su stats.StatsProvider) (*ChatServer, error) {
	su.RegisterMetric(metricActiveConnections)
	su.RegisterMetric(metricActiveSubscriptions)
	su.RegisterMetric(metricMessagesPublished)

	return &ChatServer{
		log:     logger,
		store:   s,
		repos:   repos,
		stats:   su,
		clients: make(map[*Client]struct{}),
	}, nil
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(metricActiveConnections)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(metricActiveConnections)
	}
}

// Shutdown closes every live client, unwinding each subscription, and
// returns once all of them are gone or the context expires.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range clients {
			c.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
