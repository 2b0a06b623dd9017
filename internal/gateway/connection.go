package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/internal/protocol"
)

// ConnStatus 连接生命周期状态
type ConnStatus int

const (
	ConnClosed ConnStatus = iota
	ConnConnecting
	ConnConnected
	ConnNotAuthorized
)

func (s ConnStatus) String() string {
	switch s {
	case ConnClosed:
		return "CLOSED"
	case ConnConnecting:
		return "CONNECTING"
	case ConnConnected:
		return "CONNECTED"
	case ConnNotAuthorized:
		return "NOT_AUTHORIZED"
	}
	return "UNKNOWN"
}

// 断开原因
const (
	closeCodeNormal  = 100
	closeCodeTimeout = 102
	closeCodeError   = 103
)

// pendingRequest 连接级的在途请求记录：xs -> 发出请求的用户
type pendingRequest struct {
	userID int64
}

// inboundReply 已匹配在途请求、等待交付的回包
type inboundReply struct {
	userID   int64
	xs       int64
	resource protocol.Resource
	valid    bool
	body     json.RawMessage
}

// Connection 是一条到网关的持久 websocket 连接，可同时承载多个用户的
// 会话槽。连接自己维护 xs 计数器、在途请求表和重连循环。
type Connection struct {
	id   int
	pool *Pool
	log  *logrus.Entry

	mu       sync.Mutex
	ws       *websocket.Conn
	status   ConnStatus
	lastUsed time.Time
	xs       int64
	pending  map[int64]pendingRequest
	slots    map[int64]*SessionSlot
	errCode  int

	// replies 由派发循环串行消费，同一连接的回包按读取顺序交付
	replies chan inboundReply

	writeMu sync.Mutex
	closing atomic.Bool
}

func newConnection(id int, pool *Pool) *Connection {
	return &Connection{
		id:       id,
		pool:     pool,
		log:      logrus.WithField("component", "gateway").WithField("conn", id),
		status:   ConnClosed,
		lastUsed: time.Now(),
		xs:       -1,
		pending:  make(map[int64]pendingRequest),
		slots:    make(map[int64]*SessionSlot),
		errCode:  closeCodeNormal,
		replies:  make(chan inboundReply, 64),
	}
}

// ID 返回池内连接编号
func (c *Connection) ID() int {
	return c.id
}

// Status 返回连接状态
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) setStatus(s ConnStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// nextXS 分配下一个关联号。关联号在连接内单调递增，
// 在途请求之间不会重复。
func (c *Connection) nextXS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xs++
	return c.xs
}

// touch 更新最近使用时间（池的 LRU 依据）
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) lastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// slot 返回用户在本连接上的会话槽
func (c *Connection) slot(userID int64) *SessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[userID]
}

// slotCount 返回附加用户数
func (c *Connection) slotCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// attachSlot 附加一个用户会话槽。同一用户在一条连接上只占一个槽。
func (c *Connection) attachSlot(userID int64, streamID int, username string) *SessionSlot {
	c.mu.Lock()
	if s, ok := c.slots[userID]; ok {
		c.mu.Unlock()
		return s
	}
	s := newSessionSlot(userID, streamID, username)
	c.slots[userID] = s
	connected := c.status == ConnConnected
	c.mu.Unlock()

	// 连接在线时立即开始握手，否则等 onConnect 统一拉起
	if connected {
		c.pool.startHandshake(c, s)
	}
	return s
}

// detachSlot 移除用户的会话槽
func (c *Connection) detachSlot(userID int64) {
	c.mu.Lock()
	delete(c.slots, userID)
	c.mu.Unlock()
}

func (c *Connection) snapshotSlots() []*SessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SessionSlot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	return out
}

// registerPending 记录在途请求（连接级 xs -> 用户）
func (c *Connection) registerPending(xs int64, userID int64) {
	c.mu.Lock()
	c.pending[xs] = pendingRequest{userID: userID}
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// pendingCount 当前在途请求数（测试用）
func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// connectLoop 连接主循环：拨号、握手恢复、读帧，直到连接被关闭。
// 拨号失败走固定退避重试；已建立的链路断开后立即重连，
// 两条路径刻意不对称（沿用线上行为，见配置 dialBackoff）。
func (c *Connection) connectLoop(ctx context.Context) {
	cfg := c.pool.cfg
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	c.pool.group.Go(func() { c.dispatchLoop(ctx) })

	for !c.closing.Load() && ctx.Err() == nil {
		c.setStatus(ConnConnecting)
		c.log.Infof("Ws opening %s", cfg.URL)

		ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
		if err != nil {
			if c.closing.Load() || ctx.Err() != nil {
				break
			}
			c.log.Warnf("Ws dial failed: %v, retry in %v", err, cfg.DialBackoff)
			select {
			case <-ctx.Done():
			case <-time.After(cfg.DialBackoff):
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.status = ConnConnected
		c.errCode = closeCodeNormal
		c.mu.Unlock()
		c.log.Debugf("Ws connected (remote=%s)", ws.RemoteAddr())

		c.pool.onConnect(c)
		c.readLoop(ctx, ws)

		c.mu.Lock()
		c.status = ConnClosed
		c.ws = nil
		code := c.errCode
		c.mu.Unlock()
		c.log.Debugf("Ws disconnected (code=%d)", code)

		// 广播 stream lost 并把所有槽重置为匿名，重连后重新握手
		c.pool.connectionLost(c)

		// 断开后立即重连，不走拨号退避
	}

	c.setStatus(ConnClosed)
	c.pool.connectionStopped(c)
}

// readLoop 持续读帧。读空闲超过 idleTimeout 时发一次 ping 探测，
// 探测窗口内再无任何帧则判定链路死亡退出。
func (c *Connection) readLoop(ctx context.Context, ws *websocket.Conn) {
	cfg := c.pool.cfg
	probing := false

	// pong 在 ReadMessage 内部处理，回调跑在本 goroutine 上
	ws.SetPongHandler(func(string) error {
		probing = false
		return ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	for {
		if c.closing.Load() || ctx.Err() != nil {
			return
		}

		deadline := cfg.IdleTimeout
		if probing {
			deadline = cfg.ProbeTimeout
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		_, message, err := ws.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() && !probing {
				// 空闲超时先探测，不直接拆链
				c.log.Debugf("Ws message timeout, probing")
				probing = true
				if perr := ws.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(cfg.ProbeTimeout)); perr != nil {
					c.setErrCode(closeCodeError)
					return
				}
				continue
			}
			if probing {
				c.log.Debugf("Ws probe failed, respawn connection")
				c.setErrCode(closeCodeTimeout)
			} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setErrCode(closeCodeNormal)
			} else {
				c.log.Warnf("Ws read error: %v", err)
				c.setErrCode(closeCodeError)
			}
			return
		}

		probing = false
		c.touch()
		c.handleFrame(message)
	}
}

func (c *Connection) setErrCode(code int) {
	c.mu.Lock()
	c.errCode = code
	c.mu.Unlock()
}

// handleFrame 处理一帧入站数据：解析信封、按 xs 找到等待方并异步交付。
// 坏帧与无主帧静默丢弃，绝不中断读循环。
func (c *Connection) handleFrame(message []byte) {
	resp, ok := protocol.ParseResponse(message)
	if !ok {
		c.log.Debugf("Discard malformed frame (%d bytes)", len(message))
		return
	}

	c.mu.Lock()
	pr, found := c.pending[resp.XS]
	if found {
		delete(c.pending, resp.XS)
	}
	var slot *SessionSlot
	if found {
		slot = c.slots[pr.userID]
	}
	c.mu.Unlock()

	if !found || slot == nil {
		c.log.Debugf("Discard unmatched frame (xs=%d)", resp.XS)
		return
	}
	if _, ok := slot.release(resp.XS); !ok {
		c.log.Debugf("Discard frame without slot record (xs=%d)", resp.XS)
		return
	}

	// 交给派发循环串行交付：同一连接的回包处理顺序必须与读取顺序一致
	select {
	case c.replies <- inboundReply{
		userID:   pr.userID,
		xs:       resp.XS,
		resource: resp.Res.Resource,
		valid:    resp.Res.ValidResponse,
		body:     resp.Res.Body,
	}:
	case <-c.pool.ctx.Done():
	}
}

// dispatchLoop 逐条交付回包，交付不阻塞读循环但保持读取顺序
func (c *Connection) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-c.replies:
			c.pool.listener.HandleReply(r.userID, c.id, r.xs, r.resource, r.valid, r.body)
		}
	}
}

// writeRequest 异步发送一帧。连接不在线时丢弃并告警，
// 在途记录保留，由上层看门狗处理无回包的请求。
func (c *Connection) writeRequest(data []byte) {
	c.mu.Lock()
	ws := c.ws
	connected := c.status == ConnConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		c.log.Warnf("Discard outbound frame, connection closed")
		return
	}

	c.writeMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warnf("Sender failed: %v", err)
	}
}

// close 永久关闭连接（退出重连循环）。
// 关闭帧走 WriteControl，与在途的发送方并发安全。
func (c *Connection) close() {
	c.closing.Store(true)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
}
