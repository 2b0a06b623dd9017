package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbetio/vbet/internal/protocol"
	"github.com/vbetio/vbet/pkg/config"
)

// fakeGateway 模拟上游网关：升级 ws，收到的信封推入 frames，
// Reply 按 xs 回一帧响应。
type fakeGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	frames chan protocol.Request
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, frames: make(chan protocol.Request, 64)}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, ws)
		g.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req protocol.Request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			g.frames <- req
		}
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

func (g *fakeGateway) nextFrame(t *testing.T, timeout time.Duration) protocol.Request {
	select {
	case req := <-g.frames:
		return req
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return protocol.Request{}
	}
}

// reply 在最近一条连接上按 xs 回包
func (g *fakeGateway) reply(t *testing.T, xs int64, resource protocol.Resource, valid bool, body interface{}) {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]interface{}{
		"xs": xs,
		"res": map[string]interface{}{
			"statusCode":    200,
			"validResponse": valid,
			"resource":      string(resource),
			"body":          json.RawMessage(raw),
		},
	})
	require.NoError(t, err)

	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotEmpty(t, g.conns)
	ws := g.conns[len(g.conns)-1]
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

// dropAll 强制断开所有已接受的连接
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ws := range g.conns {
		_ = ws.Close()
	}
	g.conns = nil
}

type replyRecord struct {
	userID   int64
	connID   int
	xs       int64
	resource protocol.Resource
	valid    bool
	body     json.RawMessage
}

type recordingListener struct {
	mu      sync.Mutex
	replies []replyRecord
	lost    []int64
}

func (l *recordingListener) HandleReply(userID int64, connID int, xs int64, resource protocol.Resource, valid bool, body json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies = append(l.replies, replyRecord{userID, connID, xs, resource, valid, body})
}

func (l *recordingListener) StreamLost(userID int64, connID int, streamID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = append(l.lost, userID)
}

func (l *recordingListener) replyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.replies)
}

func (l *recordingListener) lostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lost)
}

func testPoolConfig(url string) config.GatewayConfig {
	return config.GatewayConfig{
		URL:             url,
		BasePath:        "/api/client/v0.1",
		MinConnections:  1,
		MaxConnections:  4,
		MaxUsersPerConn: 10,
		IdleTimeout:     40 * time.Second,
		ProbeTimeout:    20 * time.Second,
		DialBackoff:     50 * time.Millisecond,
		SyncInterval:    time.Hour, // 测试里关掉保活
	}
}

func staticHash(hash string) LoginHashFunc {
	return func(ctx context.Context, username string, userID int64, connID int) (string, error) {
		return hash, nil
	}
}

func closePool(t *testing.T, p *Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p.Close(ctx)
}

func TestPoolHandshakeSendsLogin(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	require.NotNil(t, conn)

	// 握手完成后第一帧必须是登录
	frame := g.nextFrame(t, 3*time.Second)
	assert.Equal(t, "REQUEST", frame.Type)
	assert.Equal(t, protocol.ResourceLogin, frame.Req.Resource)
	assert.Equal(t, "POST", frame.Req.Method)

	body, ok := frame.Req.Body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hash-1", body["onlineHash"])
	assert.Equal(t, "WEB", body["profile"])
	// 信封 host 按惯例带完整网关地址，不是裸主机名
	assert.Equal(t, g.url(), frame.Req.Host)
	// 登录帧不带 clientId
	headers, ok := frame.Req.Headers["clientId"]
	assert.False(t, ok && headers != "")
}

func TestPoolDeliversReplyToListener(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	login := g.nextFrame(t, 3*time.Second)

	g.reply(t, login.XS, protocol.ResourceLogin, true,
		map[string]interface{}{"clientId": "c-77"})

	require.Eventually(t, func() bool { return listener.replyCount() == 1 },
		3*time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	rec := listener.replies[0]
	listener.mu.Unlock()
	assert.Equal(t, int64(7), rec.userID)
	assert.Equal(t, conn.ID(), rec.connID)
	assert.Equal(t, login.XS, rec.xs)
	assert.Equal(t, protocol.ResourceLogin, rec.resource)
	assert.True(t, rec.valid)

	// 回包后在途表应清空
	assert.Equal(t, 0, conn.pendingCount())
}

func TestPoolSendRequiresAuthorizedSlot(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	login := g.nextFrame(t, 3*time.Second)

	// 未授权前业务请求不可用
	xs, connID := p.Send(7, protocol.ResourceTickets, map[string]interface{}{}, "POST", -1)
	assert.Equal(t, int64(-1), xs)
	assert.Equal(t, -1, connID)

	p.Authorize(conn.ID(), 7, "c-77")
	_ = login

	xs, connID = p.Send(7, protocol.ResourceTickets, map[string]interface{}{"k": "v"}, "POST", -1)
	require.NotEqual(t, int64(-1), xs)
	assert.Equal(t, conn.ID(), connID)

	frame := g.nextFrame(t, 3*time.Second)
	assert.Equal(t, protocol.ResourceTickets, frame.Req.Resource)
	assert.Equal(t, "c-77", frame.Req.Headers["clientId"])
	assert.Equal(t, xs, frame.XS)
}

func TestPoolCorrelationIDsUnique(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	_ = g.nextFrame(t, 3*time.Second)
	p.Authorize(conn.ID(), 7, "c-77")

	seen := make(map[int64]struct{})
	for i := 0; i < 50; i++ {
		xs, _ := p.Send(7, protocol.ResourceSync, map[string]interface{}{}, "GET", -1)
		require.NotEqual(t, int64(-1), xs)
		_, dup := seen[xs]
		require.False(t, dup, "correlation id reused: %d", xs)
		seen[xs] = struct{}{}
	}
	// 无回包时在途记录全部保留
	assert.Equal(t, 51, conn.pendingCount()) // 50 + 登录帧
}

func TestPoolReuseCapsUsersPerConnection(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	cfg := testPoolConfig(g.url())
	cfg.MaxUsersPerConn = 2
	p := NewPool(cfg, listener, staticHash("hash-1"))
	defer closePool(t, p)

	c1 := p.Acquire(1, "u1", 1, false)
	c2 := p.Acquire(2, "u2", 1, true)
	assert.Equal(t, c1.ID(), c2.ID(), "second user should reuse the connection")

	c3 := p.Acquire(3, "u3", 1, true)
	assert.NotEqual(t, c1.ID(), c3.ID(), "capacity cap must force a new connection")

	// 同一用户重复附加不产生第二个槽
	c4 := p.Acquire(1, "u1", 2, true)
	assert.NotEqual(t, c1.ID(), c4.ID())
	assert.Equal(t, 2, c1.slotCount())
}

func TestPoolReconnectResetsSlots(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	_ = g.nextFrame(t, 3*time.Second)
	p.Authorize(conn.ID(), 7, "c-77")
	require.Equal(t, SlotAuthorized, conn.slot(7).Status())

	g.dropAll()

	// 断开通知归属方，槽回到匿名并自动重新握手登录
	require.Eventually(t, func() bool { return listener.lostCount() >= 1 },
		3*time.Second, 10*time.Millisecond)

	relogin := g.nextFrame(t, 3*time.Second)
	assert.Equal(t, protocol.ResourceLogin, relogin.Req.Resource)
	assert.Equal(t, "", conn.slot(7).ClientID(), "clientId must not survive reconnect")
}

// 同一连接上的回包必须按读取顺序交付，乱序会导致余额等状态覆盖出错
func TestPoolDeliversRepliesInOrder(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	login := g.nextFrame(t, 3*time.Second)
	p.Authorize(conn.ID(), 7, "c-77")
	g.reply(t, login.XS, protocol.ResourceLogin, true, map[string]interface{}{})

	var sent []int64
	for i := 0; i < 20; i++ {
		xs, _ := p.Send(7, protocol.ResourceSync, map[string]interface{}{}, "GET", -1)
		require.NotEqual(t, int64(-1), xs)
		_ = g.nextFrame(t, 3*time.Second)
		g.reply(t, xs, protocol.ResourceSync, true, map[string]interface{}{})
		sent = append(sent, xs)
	}

	require.Eventually(t, func() bool { return listener.replyCount() == len(sent)+1 },
		3*time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	got := make([]int64, 0, len(sent))
	for _, rec := range listener.replies[1:] {
		got = append(got, rec.xs)
	}
	assert.Equal(t, sent, got)
}

// 并发发送中关闭连接池不能触发 gorilla 的并发写 panic
func TestPoolCloseDuringInFlightWrites(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))

	conn := p.Acquire(7, "alice", 1, false)
	_ = g.nextFrame(t, 3*time.Second)
	p.Authorize(conn.ID(), 7, "c-77")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.Send(7, protocol.ResourceSync, map[string]interface{}{}, "GET", -1)
			}
		}()
	}
	closePool(t, p)
	wg.Wait()
}

func TestPoolReleaseUserDetachesSlots(t *testing.T) {
	g := newFakeGateway(t)
	listener := &recordingListener{}
	p := NewPool(testPoolConfig(g.url()), listener, staticHash("hash-1"))
	defer closePool(t, p)

	conn := p.Acquire(7, "alice", 1, false)
	_ = g.nextFrame(t, 3*time.Second)
	require.Equal(t, 1, conn.slotCount())

	p.ReleaseUser(7)
	assert.Equal(t, 0, conn.slotCount())

	xs, connID := p.Send(7, protocol.ResourceSync, map[string]interface{}{}, "GET", -1)
	assert.Equal(t, int64(-1), xs)
	assert.Equal(t, -1, connID)
}
