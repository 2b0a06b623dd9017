// Package gateway 实现到上游投注网关的连接池：
// 一组可复用的持久 websocket 连接、附着其上的用户会话槽，
// 以及按 xs 关联号把回包派发给等待方的路由逻辑。
package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/internal/protocol"
	"github.com/vbetio/vbet/pkg/config"
	"github.com/vbetio/vbet/pkg/syncgroup"
)

// Listener 接收池的上行事件。连接池不持有用户对象，
// 只通过回调把回包和断流通知交给 provider 层（按 id 解析，避免环引用）。
type Listener interface {
	// HandleReply 一条回包已匹配到在途请求
	HandleReply(userID int64, connID int, xs int64, resource protocol.Resource, valid bool, body json.RawMessage)
	// StreamLost 承载该用户会话槽的连接断开
	StreamLost(userID int64, connID int, streamID int)
}

// LoginHashFunc 执行带外 hash 交换（HTTP），返回登录用的 onlineHash
type LoginHashFunc func(ctx context.Context, username string, userID int64, connID int) (string, error)

// streamProfile 登录请求中固定的客户端侧写
const streamProfile = "WEB"

// Pool 管理一个 provider 的全部网关连接。
// 连接与会话槽都由池独占持有，外部只拿到连接编号。
type Pool struct {
	cfg      config.GatewayConfig
	host     string // 信封 host 字段，发完整网关地址
	listener Listener
	hashFn   LoginHashFunc
	log      *logrus.Entry

	mu      sync.Mutex
	nextID  int
	conns   map[int]*Connection
	userMap map[int64][]int // userID -> 附有其会话槽的连接编号

	closed atomic.Bool
	group  *syncgroup.SyncGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool 创建连接池
func NewPool(cfg config.GatewayConfig, listener Listener, hashFn LoginHashFunc) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		host:     cfg.URL,
		listener: listener,
		hashFn:   hashFn,
		log:      logrus.WithField("component", "gateway-pool"),
		conns:    make(map[int]*Connection),
		userMap:  make(map[int64][]int),
		group:    syncgroup.NewSyncGroup(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动池的后台任务（会话保活）
func (p *Pool) Start() {
	p.log.Infof("Starting socket pool (min=%d, max=%d)", p.cfg.MinConnections, p.cfg.MaxConnections)
	p.group.Go(p.syncLoop)
}

// Connection 按编号取连接
func (p *Pool) Connection(id int) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

// Acquire 为 (user, stream) 准备传输容量：reuse 时按 LRU 复用现有连接
// （该用户未占槽且未达容量上限），否则新开一条连接并启动其连接循环。
// 总是为用户附加一个新的会话槽；连接已在线时立即开始握手。
func (p *Pool) Acquire(userID int64, username string, streamID int, reuse bool) *Connection {
	var conn *Connection

	p.mu.Lock()
	if reuse {
		candidates := make([]*Connection, 0, len(p.conns))
		for _, c := range p.conns {
			candidates = append(candidates, c)
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].lastUsedAt().Before(candidates[j].lastUsedAt())
		})
		for _, c := range candidates {
			if c.slot(userID) == nil && c.slotCount() < p.cfg.MaxUsersPerConn {
				conn = c
				break
			}
		}
	}
	if conn == nil {
		p.nextID++
		conn = newConnection(p.nextID, p)
		p.conns[conn.id] = conn
		p.group.Go(func() { conn.connectLoop(p.ctx) })
	}
	p.userMap[userID] = append(p.userMap[userID], conn.id)
	p.mu.Unlock()

	conn.attachSlot(userID, streamID, username)
	return conn
}

// ReleaseUser 用户下线，摘除其全部会话槽。空出来的连接留在池里复用。
func (p *Pool) ReleaseUser(userID int64) {
	p.mu.Lock()
	connIDs := p.userMap[userID]
	delete(p.userMap, userID)
	conns := make([]*Connection, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := p.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.detachSlot(userID)
	}
}

// eligibleConns 返回用户可用的连接：在线、握手已出 hash，
// 且（登录请求除外）槽必须已授权。按 LRU 排序。
func (p *Pool) eligibleConns(userID int64, resource protocol.Resource) []*Connection {
	p.mu.Lock()
	connIDs := p.userMap[userID]
	conns := make([]*Connection, 0, len(connIDs))
	seen := make(map[int]struct{})
	for _, id := range connIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c, ok := p.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		if c.Status() != ConnConnected {
			continue
		}
		slot := c.slot(userID)
		if slot == nil || slot.onlineHashValue() == "" {
			continue
		}
		if resource != protocol.ResourceLogin && slot.Status() != SlotAuthorized {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lastUsedAt().Before(out[j].lastUsedAt())
	})
	return out
}

// Send 为用户选一条合格连接发送请求，返回 (xs, connID)。
// 没有合格连接时返回 (-1, -1)，调用方应视为"暂时不可用"而非硬失败。
// connHint >= 0 时优先使用指定连接（前提是它合格）。
func (p *Pool) Send(userID int64, resource protocol.Resource, body interface{}, method string, connHint int) (int64, int) {
	conns := p.eligibleConns(userID, resource)
	if len(conns) == 0 {
		return -1, -1
	}
	conn := conns[0]
	if connHint >= 0 {
		for _, c := range conns {
			if c.id == connHint {
				conn = c
				break
			}
		}
	}
	return p.sendOn(conn, conn.slot(userID), resource, body, method)
}

// sendOn 在指定连接上发出请求：分配 xs、登记在途记录、异步送帧
func (p *Pool) sendOn(c *Connection, slot *SessionSlot, resource protocol.Resource, body interface{}, method string) (int64, int) {
	if c == nil || slot == nil {
		return -1, -1
	}
	xs := c.nextXS()
	c.registerPending(xs, slot.UserID)
	slot.acquire(xs, resource)

	req := protocol.NewRequest(xs, method, resource, body, slot.ClientID(), p.cfg.BasePath, p.host)
	data, err := req.Encode()
	if err != nil {
		p.log.Errorf("Encode request failed: %v", err)
		return -1, -1
	}
	go c.writeRequest(data)
	return xs, c.id
}

// Authorize 登录回包成功后由用户层调用，槽转入 AUTHORIZED
func (p *Pool) Authorize(connID int, userID int64, clientID string) {
	if c := p.Connection(connID); c != nil {
		if slot := c.slot(userID); slot != nil {
			slot.authorize(clientID)
		}
	}
}

// MarkUnauthenticated 登录被拒绝
func (p *Pool) MarkUnauthenticated(connID int, userID int64) {
	if c := p.Connection(connID); c != nil {
		if slot := c.slot(userID); slot != nil {
			slot.markUnauthenticated()
		}
	}
}

// startHandshake 为槽启动登录握手：带外 hash 交换完成后槽转 READY，
// 连接在线则立即补发登录请求，否则等 onConnect 补发。
func (p *Pool) startHandshake(c *Connection, slot *SessionSlot) {
	slot.mu.Lock()
	if slot.hashInFlight {
		slot.mu.Unlock()
		return
	}
	slot.hashInFlight = true
	slot.mu.Unlock()

	p.group.Go(func() {
		hash, err := p.hashFn(p.ctx, slot.Username, slot.UserID, c.id)
		if err != nil {
			slot.mu.Lock()
			slot.hashInFlight = false
			slot.mu.Unlock()
			p.log.Warnf("[%s:%d] hash exchange failed: %v", slot.Username, slot.StreamID, err)
			return
		}
		if slot.setHash(hash, c.Status() == ConnConnected) {
			p.sendLogin(c, slot)
		}
	})
}

// sendLogin 发出登录帧（唯一不要求先授权的请求）
func (p *Pool) sendLogin(c *Connection, slot *SessionSlot) {
	body := map[string]interface{}{
		"onlineHash": slot.onlineHashValue(),
		"profile":    streamProfile,
	}
	p.sendOn(c, slot, protocol.ResourceLogin, body, "POST")
}

// onConnect 链路建立后的挂钩：断链期间完成 hash 的槽补发登录，
// 匿名槽启动握手。
func (p *Pool) onConnect(c *Connection) {
	for _, slot := range c.snapshotSlots() {
		slot.mu.Lock()
		status := slot.status
		ready := slot.readyHash
		slot.readyHash = false
		slot.mu.Unlock()

		switch {
		case status == SlotReady && ready:
			p.sendLogin(c, slot)
		case status == SlotAnonymous:
			p.startHandshake(c, slot)
		}
	}
}

// connectionLost 链路断开：通知所有槽的归属方，并把槽重置为匿名
func (p *Pool) connectionLost(c *Connection) {
	for _, slot := range c.snapshotSlots() {
		p.listener.StreamLost(slot.UserID, c.id, slot.StreamID)
		slot.reset()
	}
	if !p.closed.Load() {
		p.log.Warnf("Socket lost [%d], respawning", c.id)
	}
}

// connectionStopped 连接循环永久退出
func (p *Pool) connectionStopped(c *Connection) {
	p.log.Debugf("Socket closed [%d]", c.id)
}

// syncLoop 定期对所有已授权槽发 SYNC 保活，回包会刷新余额等会话状态
func (p *Pool) syncLoop() {
	ticker := time.NewTicker(p.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.syncAll()
		}
	}
}

func (p *Pool) syncAll() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if c.Status() != ConnConnected {
			continue
		}
		for _, slot := range c.snapshotSlots() {
			if slot.Status() == SlotAuthorized {
				p.sendOn(c, slot, protocol.ResourceSync, map[string]interface{}{}, "GET")
			}
		}
	}
}

// Close 关闭池：停止后台任务、关闭所有连接并等待循环退出
func (p *Pool) Close(ctx context.Context) {
	p.closed.Store(true)
	p.cancel()

	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warnf("Pool close timeout: %v", ctx.Err())
	}
}
