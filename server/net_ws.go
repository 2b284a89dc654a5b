package server

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tilespace/directory"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxMsgSize   = 64 << 10
	sendQueueLen = 256
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws      *websocket.Conn
	remote  string
	metrics *ConnMetrics

	mu         sync.Mutex
	send       chan []byte
	closed     bool
	dropWarned bool
}

func NewClientConn(ws *websocket.Conn, metrics *ConnMetrics) *ClientConn {
	return &ClientConn{
		ws:      ws,
		remote:  ws.RemoteAddr().String(),
		metrics: metrics,
		send:    make(chan []byte, sendQueueLen),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃；每个连接只告警一次，其余计入 send_dropped）
func (c *ClientConn) Enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// 慢客户端不能阻塞空间锁
		c.metrics.IncSendDropped()
		if !c.dropWarned {
			c.dropWarned = true
			Log.Warnw("send queue full, dropping messages", "remote", c.remote)
		}
	}
}

// Close 关闭发送队列；写协程发送完剩余消息后关闭连接
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 按到达顺序把消息交给会话；退出时断开会话
func (c *ClientConn) readPump(ctx context.Context, sess *Session) {
	defer func() {
		sess.Close(ctx)
		c.Close()
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		typ, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.log.Debugw("read error", "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		sess.Handle(ctx, payload)
	}
}

// Handler WebSocket 接入：握手时鉴权，随后每个连接一对读写协程
type Handler struct {
	ctx      context.Context
	registry *Registry
	dir      directory.Directory
	auth     *Authenticator
	upgrader websocket.Upgrader
	metrics  *ConnMetrics
}

// NewHandler ctx 结束后新消息中的存储调用会被取消
func NewHandler(ctx context.Context, reg *Registry, dir directory.Directory, auth *Authenticator, allowedOrigins []string) *Handler {
	h := &Handler{
		ctx:      ctx,
		registry: reg,
		dir:      dir,
		auth:     auth,
		metrics:  &ConnMetrics{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Metrics 连接层指标
func (h *Handler) Metrics() *ConnMetrics {
	return h.metrics
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, authErr := h.auth.UserFromRequest(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade error", "remote", r.RemoteAddr, "error", err)
		return
	}

	if authErr != nil {
		h.metrics.IncAuthRejected()
		Log.Infow("rejecting unauthenticated connection", "remote", r.RemoteAddr, "error", authErr)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	h.metrics.IncAccepted()
	client := NewClientConn(ws, h.metrics)
	sess := NewSession(userID, client, h.registry, h.dir)
	sess.conn = h.metrics
	sess.log.Infow("connected", "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(h.ctx, sess)
}

// originChecker 未配置白名单时允许所有来源
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}
