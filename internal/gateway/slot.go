package gateway

import (
	"sync"
	"time"

	"github.com/vbetio/vbet/internal/protocol"
)

// SlotStatus 会话槽握手状态
type SlotStatus int

const (
	SlotAnonymous       SlotStatus = iota // 尚未开始握手
	SlotReady                             // 已取得 onlineHash，等待登录确认
	SlotAuthorized                        // 登录成功，可承载业务请求
	SlotUnauthenticated                   // 登录被网关拒绝
)

func (s SlotStatus) String() string {
	switch s {
	case SlotAnonymous:
		return "ANONYMOUS"
	case SlotReady:
		return "READY"
	case SlotAuthorized:
		return "AUTHORIZED"
	case SlotUnauthenticated:
		return "UNAUTHENTICATED"
	}
	return "UNKNOWN"
}

// SessionSlot 是附着在一条连接上的单用户握手状态。
// 连接只认 xs，不认用户，所以每个槽记录自己发出的 xs 对应的资源，
// 回包时据此还原请求上下文。
type SessionSlot struct {
	UserID   int64
	StreamID int
	Username string

	mu           sync.Mutex
	status       SlotStatus
	onlineHash   string
	clientID     string
	readyHash    bool // hash 在连接断开期间取得，连上后需要补发登录
	hashInFlight bool
	lastUsed     time.Time
	xsPool       map[int64]protocol.Resource
}

func newSessionSlot(userID int64, streamID int, username string) *SessionSlot {
	return &SessionSlot{
		UserID:   userID,
		StreamID: streamID,
		Username: username,
		status:   SlotAnonymous,
		lastUsed: time.Now(),
		xsPool:   make(map[int64]protocol.Resource),
	}
}

// Status 返回当前握手状态
func (s *SessionSlot) Status() SlotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ClientID 返回网关下发的 clientId（未授权时为空）
func (s *SessionSlot) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *SessionSlot) onlineHashValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlineHash
}

// acquire 记录一个已发出的请求
func (s *SessionSlot) acquire(xs int64, resource protocol.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xsPool[xs] = resource
	s.lastUsed = time.Now()
}

// release 取回请求记录，返回该 xs 对应的资源
func (s *SessionSlot) release(xs int64) (protocol.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.xsPool[xs]
	if ok {
		delete(s.xsPool, xs)
	}
	return r, ok
}

// setHash 握手第一阶段完成：记录 onlineHash。
// 返回 true 表示连接当时在线、需要立即发送登录请求。
func (s *SessionSlot) setHash(hash string, connected bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onlineHash = hash
	s.status = SlotReady
	s.hashInFlight = false
	s.readyHash = !connected
	return connected
}

// authorize 登录成功，记录 clientId
func (s *SessionSlot) authorize(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientID = clientID
	s.status = SlotAuthorized
}

// markUnauthenticated 登录被拒绝
func (s *SessionSlot) markUnauthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SlotUnauthenticated
}

// reset 连接断开后重置为匿名，重连后重新走完整握手
func (s *SessionSlot) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = SlotAnonymous
	s.onlineHash = ""
	s.clientID = ""
	s.readyHash = false
	s.hashInFlight = false
	// 断线后未完成的请求不再有回包，直接废弃
	s.xsPool = make(map[int64]protocol.Resource)
}
