package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/redischat/internal/repository"
	"github.com/npezzotti/redischat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

type clientState int

const (
	// stateAuthorized is the initial state: the user is known but no
	// subscription exists yet.
	stateAuthorized clientState = iota
	stateSubscribed
	stateClosed
)

// Client binds one websocket connection to one channel's message
// topic. It owns its subscription's dedicated listen connection, which
// is released exactly once when the client closes, whatever state it
// closed from.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	channel    types.Channel
	send       chan []byte
	state      clientState
	stateLock  sync.Mutex
	sub        *redis.PubSub
	stop       chan struct{}
	closeOnce  sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = "unknown"
	}

	c := &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan []byte, 256),
		stop:       make(chan struct{}),
	}
	cs.addClient(c)
	return c
}

// Subscribe moves the client from authorized to subscribed: the
// channel must exist and the user must already be a member. Any
// failure closes the connection with a reason instead. On success a
// dedicated listen connection is bound to the channel's topic and
// exactly one relay loop is started.
func (c *Client) Subscribe(ctx context.Context, channelID uint64) error {
	channel, err := c.chatServer.repos.Channels.GetOne(ctx, channelID)
	if err != nil {
		c.closeWithReason("server error")
		return err
	}
	if channel == nil {
		c.closeWithReason("channel does not exist")
		return fmt.Errorf("channel %d does not exist", channelID)
	}

	members, err := c.chatServer.repos.Members.Filter(ctx, repository.Query{
		Channel: channel.Id,
		User:    c.user.Id,
	})
	if err != nil {
		c.closeWithReason("server error")
		return err
	}
	if len(members) == 0 {
		c.closeWithReason("channel unavailable")
		return fmt.Errorf("user %d is not a member of channel %d", c.user.Id, channelID)
	}

	sub := c.chatServer.store.Subscribe(ctx, repository.Topic(channel.Id))
	// wait for the subscribe confirmation so anything published from
	// here on is delivered
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		c.closeWithReason("server error")
		return err
	}

	c.stateLock.Lock()
	if c.state == stateClosed {
		// connection died mid-open; release the listen connection
		c.stateLock.Unlock()
		sub.Close()
		return fmt.Errorf("connection closed during subscribe")
	}
	c.channel = *channel
	c.sub = sub
	c.state = stateSubscribed
	c.stateLock.Unlock()

	c.chatServer.stats.Incr(metricActiveSubscriptions)
	c.log.Printf("client %s subscribed to channel %d", c.id, channel.Id)

	go c.listen()
	return nil
}

// listen relays published events to the connection verbatim, in
// delivery order, until the subscription is closed.
func (c *Client) listen() {
	for msg := range c.sub.Channel() {
		c.queueMessage([]byte(msg.Payload))
	}
	c.log.Printf("client %s listen exiting", c.id)
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.Close()
		c.log.Printf("client %s read exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Printf("client %s: parse message: %v", c.id, err)
			c.queueMessage(errorFrame("invalid message"))
			continue
		}

		if err := c.postMessage(msg.Message); err != nil {
			c.log.Printf("client %s: post message: %v", c.id, err)
			c.queueMessage(errorFrame("message not delivered"))
		}
	}
}

// postMessage persists an inbound message and fans it out on the
// channel's topic.
func (c *Client) postMessage(text string) error {
	if text == "" {
		c.queueMessage(errorFrame("empty text"))
		return nil
	}

	c.stateLock.Lock()
	subscribed := c.state == stateSubscribed
	channel := c.channel
	c.stateLock.Unlock()
	if !subscribed {
		c.queueMessage(errorFrame("not subscribed"))
		return nil
	}

	ctx := context.Background()
	msg := &types.Message{
		Channel:   channel.Id,
		User:      c.user.Id,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}

	if err := c.chatServer.repos.Messages.Save(ctx, msg); err != nil {
		return err
	}
	if err := c.chatServer.repos.Messages.Publish(ctx, msg, c.user.Name); err != nil {
		return err
	}

	c.chatServer.stats.Incr(metricMessagesPublished)
	return nil
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("client %s write exiting", c.id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			if !c.sendMessage(websocket.TextMessage, msg) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) queueMessage(msg []byte) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.log.Printf("client %s: send queue full, dropping message", c.id)
		return false
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) closeWithReason(reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.log.Printf("client %s: write close: %v", c.id, err)
	}
	c.conn.Close()
	c.Close()
}

// Close unwinds the client from any state: the subscription is
// unsubscribed and its listen connection released exactly once, the
// registry entry dropped, and the pumps stopped. Safe to call more
// than once and safe when the client never subscribed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stateLock.Lock()
		wasSubscribed := c.state == stateSubscribed
		channel := c.channel
		c.state = stateClosed
		c.stateLock.Unlock()

		if wasSubscribed {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := c.sub.Unsubscribe(ctx, repository.Topic(channel.Id)); err != nil {
				c.log.Printf("client %s: unsubscribe: %v", c.id, err)
			}
			c.sub.Close()
			c.chatServer.stats.Decr(metricActiveSubscriptions)
		}

		close(c.stop)
		c.chatServer.removeClient(c)
	})
}
