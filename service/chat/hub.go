package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"BizChat/logger"
	"BizChat/service/push"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

// client 是网关侧的一条 websocket 连接；所有写都走 send 通道，
// 由唯一的写协程消费，读写不共用 conn。
type client struct {
	id     string
	userID int64
	ws     *websocket.Conn

	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue 非阻塞投递；写缓冲满说明客户端读不动，断开它。
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		logger.Warnf("[hub] send buffer full, dropping conn=%s user=%d", c.id, c.userID)
		c.close()
	}
}

// writePump 串行化全部出站写，带写超时和周期 ping。
func (c *client) writePump() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Hub 维护本进程的连接表和房间成员表，实现 push.Sink。
// 跨进程投递走 NATS sink，收到后再经这里落到本地连接。
type Hub struct {
	mu     sync.RWMutex
	byConn map[string]*client
	byRoom map[string]map[string]*client // room -> connID -> client
}

func NewHub() *Hub {
	return &Hub{
		byConn: make(map[string]*client),
		byRoom: make(map[string]map[string]*client),
	}
}

func (h *Hub) Register(connID string, userID int64, ws *websocket.Conn) *client {
	c := &client{
		id:     connID,
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.byConn[connID] = c
	h.mu.Unlock()
	go c.writePump()
	return c
}

func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.byConn[connID]
	if ok {
		delete(h.byConn, connID)
		for rm, members := range h.byRoom {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.byRoom, rm)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) JoinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byConn[connID]
	if !ok {
		return
	}
	members := h.byRoom[roomID]
	if members == nil {
		members = make(map[string]*client)
		h.byRoom[roomID] = members
	}
	members[connID] = c
}

func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.byRoom[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.byRoom, roomID)
		}
	}
}

// ===== push.Sink =====

func (h *Hub) PushToConn(_ context.Context, connID string, ev push.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c := h.byConn[connID]
	h.mu.RUnlock()
	if c == nil {
		// 连接不在本节点不算错误，NATS sink 会兜跨节点的场景。
		return nil
	}
	c.enqueue(data)
	return nil
}

func (h *Hub) PushToRoom(_ context.Context, roomID string, ev push.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	members := make([]*client, 0, len(h.byRoom[roomID]))
	for _, c := range h.byRoom[roomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	for _, c := range members {
		c.enqueue(data)
	}
	return nil
}
