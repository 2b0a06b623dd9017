package ticket

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/pkg/config"
	"github.com/vbetio/vbet/pkg/sigchan"
)

// Transport 为票据提交提供传输能力。返回 (-1, -1) 表示当前没有
// 已授权的连接，管理器会等待可用事件后重试。
type Transport interface {
	SubmitTicket(t *Ticket) (xs int64, connID int)
	// KeepAlive 提交后在同一连接上发一次会话同步
	KeepAlive(connID int)
}

// Wallet 提交前的资金视图
type Wallet interface {
	Credit() decimal.Decimal
	DemoBorrow(stake decimal.Decimal)
	RecordStake(stake decimal.Decimal)
	IsBonusReady() bool
}

// Store 票据持久化契约。每次状态迁移在票据离开活动池前都要落库。
type Store interface {
	SaveTicket(ctx context.Context, t *Ticket) (int64, error)
	UpdateTicket(ctx context.Context, t *Ticket) error
}

// Hooks 管理器向归属用户上报的事件
type Hooks interface {
	// JackpotReady 快速通道开关：开启时关闭提交节流
	JackpotReady() bool
	JackpotSetup()
	JackpotReset()
	// TicketComplete 票据走完提交阶段（成功或确定性放弃）
	TicketComplete(t *Ticket)
	// TicketResolved 票据结算完成
	TicketResolved(t *Ticket)
}

// queueEntry 提交队列元素：(分组, 票据键)
type queueEntry struct {
	groupID int64
	key     int64
}

// Deps 管理器的外部协作方
type Deps struct {
	Transport Transport
	Wallet    Wallet
	Store     Store
	Hooks     Hooks
}

// Manager 单用户的票据提交管理器：FIFO 队列 + 节流闸 + 串行发送。
// 活动池按 (groupID, key) 两级索引，(connID, xs) 映射用于回包解析。
type Manager struct {
	cfg  config.TicketConfig
	deps Deps
	log  *logrus.Entry

	// queue 无上界，入池的票据绝不因为积压被丢弃
	queueMu sync.Mutex
	queue   []queueEntry
	queued  *sigchan.Chan

	// poolMu 守护活动池和票据状态：提交循环、回包处理和巡检
	// 分属不同 goroutine，所有状态迁移都在这把锁下完成
	poolMu sync.Mutex
	active map[int64]map[int64]*Ticket

	corrMu sync.Mutex
	corr   map[int]map[int64]int64 // connID -> xs -> groupID

	paceMu     sync.Mutex
	lastTicket time.Time

	// sendMu 串行化上游提交，保证同一用户的票据逐张发出
	sendMu sync.Mutex

	// avail 在出现可用连接（首个回包或 stream online）时触发
	avail *sigchan.Chan

	retryCodes map[int]struct{}
}

// NewManager 创建票据管理器
func NewManager(cfg config.TicketConfig, deps Deps, username string) *Manager {
	retry := make(map[int]struct{}, len(cfg.RetryCodes))
	for _, code := range cfg.RetryCodes {
		retry[code] = struct{}{}
	}
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		log:        logrus.WithField("component", "tickets").WithField("user", username),
		queued:     sigchan.New(1),
		active:     make(map[int64]map[int64]*Ticket),
		corr:       make(map[int]map[int64]int64),
		lastTicket: time.Now().Add(-cfg.SubmitInterval),
		avail:      sigchan.New(1),
		retryCodes: retry,
	}
}

// Start 启动提交循环，ctx 取消后退出
func (m *Manager) Start(ctx context.Context) {
	go m.submitLoop(ctx)
}

// Register 首次落库，取得持久层分配的票据键
func (m *Manager) Register(ctx context.Context, t *Ticket) error {
	key, err := m.deps.Store.SaveTicket(ctx, t)
	if err != nil {
		return err
	}
	t.Key = key
	return nil
}

// AddTicket 加入活动池；READY 票据入队并转 WAITING
func (m *Manager) AddTicket(t *Ticket) {
	m.poolMu.Lock()
	group, ok := m.active[t.GroupID]
	if !ok {
		group = make(map[int64]*Ticket)
		m.active[t.GroupID] = group
	}
	group[t.Key] = t
	enqueue := t.Status == StatusReady
	if enqueue {
		t.Transition(StatusWaiting)
	}
	m.poolMu.Unlock()

	if enqueue {
		m.enqueue(t.GroupID, t.Key)
	}
}

// RemoveTicket 从活动池摘除
func (m *Manager) RemoveTicket(t *Ticket) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	if group, ok := m.active[t.GroupID]; ok {
		delete(group, t.Key)
		if len(group) == 0 {
			delete(m.active, t.GroupID)
		}
	}
}

// FindTicket 按 (分组, 票据键) 查找
func (m *Manager) FindTicket(groupID, key int64) *Ticket {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return m.active[groupID][key]
}

// FindTicketByID 按网关回执的 ticketId 查找
func (m *Manager) FindTicketByID(ticketID int64) *Ticket {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, group := range m.active {
		for _, t := range group {
			if t.TicketID == ticketID {
				return t
			}
		}
	}
	return nil
}

// FindTicketByCorrelation 取回 (connID, xs) 对应的在途票据并弹出映射。
// 第一条回包同时触发可用事件，解除等待连接的发送方。
func (m *Manager) FindTicketByCorrelation(connID int, xs int64) *Ticket {
	m.corrMu.Lock()
	connMap, ok := m.corr[connID]
	var groupID int64
	found := false
	if ok {
		if groupID, found = connMap[xs]; found {
			delete(connMap, xs)
			if len(connMap) == 0 {
				delete(m.corr, connID)
			}
		}
	}
	m.corrMu.Unlock()

	if !found {
		return nil
	}
	m.avail.Emit()

	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, t := range m.active[groupID] {
		if t.XS == xs && t.ConnID == connID {
			return t
		}
	}
	return nil
}

// StatusOf 读取票据当前状态
func (m *Manager) StatusOf(t *Ticket) Status {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return t.Status
}

// TicketView 巡检方需要的一致性快照
type TicketView struct {
	Status   Status
	Demo     bool
	Resolved bool
	TotalWon decimal.Decimal
	SentTime time.Time
	TicketID int64
	ConnID   int
}

// ViewOf 一次加锁读出巡检用到的全部字段
func (m *Manager) ViewOf(t *Ticket) TicketView {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return TicketView{
		Status:   t.Status,
		Demo:     t.Demo,
		Resolved: t.Resolved,
		TotalWon: t.TotalWon,
		SentTime: t.SentTime,
		TicketID: t.TicketID,
		ConnID:   t.ConnID,
	}
}

// StreamOnline 有连接完成授权，唤醒等待中的发送方
func (m *Manager) StreamOnline(streamID int) {
	m.avail.Emit()
}

// ConnectionLost 承载连接断开。发送方在下一次提交尝试时会自然发现
// 无可用连接并重新等待；已发出但没等到回执的票据经 NETWORK 重新入队。
func (m *Manager) ConnectionLost(ctx context.Context, connID int) {
	m.corrMu.Lock()
	delete(m.corr, connID)
	m.corrMu.Unlock()

	var requeue []*Ticket
	m.poolMu.Lock()
	for _, group := range m.active {
		for _, t := range group {
			if t.Status != StatusSent || t.ConnID != connID {
				continue
			}
			t.Transition(StatusNetwork)
			t.Transition(StatusReady)
			t.Transition(StatusWaiting)
			t.XS = -1
			t.ConnID = -1
			requeue = append(requeue, t)
		}
	}
	m.poolMu.Unlock()

	for _, t := range requeue {
		m.log.Warnf("[%d] [%s:%d] Connection lost in flight, resubmitting", t.GroupID, t.Player, t.Key)
		m.persist(ctx, t)
		m.enqueue(t.GroupID, t.Key)
	}
}

func (m *Manager) enqueue(groupID, key int64) {
	m.queueMu.Lock()
	m.queue = append(m.queue, queueEntry{groupID: groupID, key: key})
	m.queueMu.Unlock()
	m.queued.Emit()
}

func (m *Manager) dequeue() (queueEntry, bool) {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if len(m.queue) == 0 {
		return queueEntry{}, false
	}
	e := m.queue[0]
	m.queue = m.queue[1:]
	return e, true
}

func (m *Manager) queueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// submitLoop 提交主循环：节流闸 -> 出队 -> 发送，逐张串行
func (m *Manager) submitLoop(ctx context.Context) {
	m.log.Debug("Queue listener started")
	defer m.log.Debug("Queue listener stopped")
	for {
		if err := m.waitInterval(ctx); err != nil {
			return
		}
		entry, ok := m.dequeue()
		for !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.queued.C():
			}
			entry, ok = m.dequeue()
		}
		t := m.FindTicket(entry.groupID, entry.key)
		if t == nil {
			// 票据已被摘除（停机或分组重置）
			continue
		}
		m.send(ctx, t)
	}
}

// waitInterval 节流闸：快速通道开启时直通，否则保证两次提交间隔
func (m *Manager) waitInterval(ctx context.Context) error {
	if m.deps.Hooks.JackpotReady() {
		m.paceMu.Lock()
		m.lastTicket = time.Now()
		m.paceMu.Unlock()
		return nil
	}
	m.paceMu.Lock()
	gap := time.Since(m.lastTicket)
	m.paceMu.Unlock()
	if m.cfg.SubmitInterval > 0 && gap < m.cfg.SubmitInterval {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.SubmitInterval - gap):
		}
	}
	m.paceMu.Lock()
	m.lastTicket = time.Now()
	m.paceMu.Unlock()
	return nil
}

// resetPacing 把节流时钟拨回一个周期，下一张票可以立即尝试
func (m *Manager) resetPacing() {
	m.paceMu.Lock()
	m.lastTicket = time.Now().Add(-m.cfg.SubmitInterval)
	m.paceMu.Unlock()
}

// send 发送一张票据。先按红利状态切换快速通道，再按 demo/real 分流。
func (m *Manager) send(ctx context.Context, t *Ticket) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if m.deps.Wallet.IsBonusReady() {
		if !m.deps.Hooks.JackpotReady() {
			m.deps.Hooks.JackpotSetup()
		}
	} else if m.deps.Hooks.JackpotReady() {
		m.deps.Hooks.JackpotReset()
	}

	if t.Demo {
		m.resolveDemo(ctx, t)
		return
	}

	credit := m.deps.Wallet.Credit()
	if credit.LessThan(t.Stake) {
		m.poolMu.Lock()
		t.Transition(StatusErrorCredit)
		m.poolMu.Unlock()
		m.log.Warnf("[%d] [%s:%d] Error credit: %s < %s", t.GroupID, t.Player, t.Key,
			credit.String(), t.Stake.String())
		// 没有实际发出，下一张票可以立即尝试
		m.resetPacing()
		m.persist(ctx, t)
		return
	}
	m.dispatch(ctx, t)
}

// dispatch 真实提交：无可用连接时阻塞等待可用事件而不是忙轮询
func (m *Manager) dispatch(ctx context.Context, t *Ticket) {
	for {
		// 先清掉陈旧信号，等待窗口只响应本次尝试之后的可用事件
		m.avail.Drain()
		xs, connID := m.deps.Transport.SubmitTicket(t)
		if xs < 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.avail.C():
				continue
			}
		}

		m.poolMu.Lock()
		t.markSent(xs, connID)
		m.poolMu.Unlock()
		m.corrMu.Lock()
		connMap, ok := m.corr[connID]
		if !ok {
			connMap = make(map[int64]int64)
			m.corr[connID] = connMap
		}
		connMap[xs] = t.GroupID
		m.corrMu.Unlock()

		m.log.Debugf("[%d] [%s:%d] Ticket sent (xs=%d, conn=%d), stake %s",
			t.GroupID, t.Player, t.Key, xs, connID, t.Stake.String())

		// 快速通道下跳过同步，省一个往返
		if !m.deps.Hooks.JackpotReady() {
			m.deps.Transport.KeepAlive(connID)
		}
		return
	}
}

// resolveDemo 演示票据本地结算：扣演示余额，直接 SUCCESS 并落库
func (m *Manager) resolveDemo(ctx context.Context, t *Ticket) {
	m.deps.Wallet.DemoBorrow(t.Stake)
	m.deps.Wallet.RecordStake(t.Stake)
	m.poolMu.Lock()
	t.TicketStatus = "OPEN"
	t.Transition(StatusSuccess)
	m.poolMu.Unlock()
	m.log.Debugf("[%d] [%s:%d] Demo ticket success %s", t.GroupID, t.Player, t.Key, t.Stake.String())
	m.persist(ctx, t)
	m.deps.Hooks.TicketComplete(t)
}

// Acceptance 网关受理回执携带的票据字段
type Acceptance struct {
	TicketID     int64
	TimeSend     string
	TimeRegister string
	IP           string
	ServerHash   string
	Status       string
}

// ApplyAcceptance 把受理回执写入票据
func (m *Manager) ApplyAcceptance(t *Ticket, acc Acceptance) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	t.TicketID = acc.TicketID
	t.TimeSend = acc.TimeSend
	t.TimeRegister = acc.TimeRegister
	t.IP = acc.IP
	t.ServerHash = acc.ServerHash
	t.TicketStatus = acc.Status
}

// ApplyPayout 看门狗查询发现票据已派彩（PAIDOUT）时写入派彩信息
func (m *Manager) ApplyPayout(ctx context.Context, t *Ticket, timePaid, timeResolved string, won decimal.Decimal) {
	m.poolMu.Lock()
	t.TicketStatus = "PAIDOUT"
	t.TimePaid = timePaid
	t.TimeResolved = timeResolved
	t.TotalWon = won
	t.Resolved = true
	m.poolMu.Unlock()
	m.persist(ctx, t)
}

// TicketSuccess 网关受理成功后的收尾：转 SUCCESS、落库、上报完成
func (m *Manager) TicketSuccess(ctx context.Context, t *Ticket) {
	m.poolMu.Lock()
	t.Transition(StatusSuccess)
	m.poolMu.Unlock()
	m.persist(ctx, t)
	m.deps.Hooks.TicketComplete(t)
}

// 网关错误码
const (
	codeEventExpired       = 602
	codeEventInvalid       = 603
	codeInsufficientCredit = 605
)

// TicketFailed 按错误码策略迁移状态：602/603 作废，605 余额不足，
// 配置的可重试码回到 READY 重新入队，其余硬失败。
func (m *Manager) TicketFailed(ctx context.Context, errorCode int, t *Ticket) {
	m.poolMu.Lock()
	switch errorCode {
	case codeEventExpired, codeEventInvalid:
		t.Transition(StatusVoid)
	case codeInsufficientCredit:
		t.Transition(StatusErrorCredit)
	default:
		t.Transition(StatusFailed)
	}
	if _, retry := m.retryCodes[errorCode]; retry {
		t.Transition(StatusReady)
	}
	requeue := t.Status == StatusReady
	if requeue {
		t.Transition(StatusWaiting)
	}
	status := t.Status
	m.poolMu.Unlock()

	if errorCode == codeInsufficientCredit {
		m.resetPacing()
	}

	m.log.Warnf("[%d] [%s:%d] Ticket failed, code %d -> %s",
		t.GroupID, t.Player, t.Key, errorCode, status)
	m.persist(ctx, t)

	if requeue {
		m.enqueue(t.GroupID, t.Key)
	}

	// 投注窗口已关闭的票据不会再被受理，视作本分组提交完成
	if errorCode == codeEventExpired {
		m.deps.Hooks.TicketComplete(t)
	}
}

// Settle 结算：计算赢利、落库并上报，之后票据等待巡检 DISCARD
func (m *Manager) Settle(ctx context.Context, t *Ticket, results Results) decimal.Decimal {
	m.poolMu.Lock()
	won := t.Resolve(results)
	t.Resolved = true
	m.poolMu.Unlock()
	m.persist(ctx, t)
	m.deps.Hooks.TicketResolved(t)
	return won
}

// Evict 票据终局，转 DISCARD 落库并移出活动池
func (m *Manager) Evict(ctx context.Context, t *Ticket) {
	m.poolMu.Lock()
	t.Transition(StatusDiscard)
	m.poolMu.Unlock()
	m.persist(ctx, t)
	m.RemoveTicket(t)
}

// Overdue 返回 SENT 超过看门狗窗口仍无回包的票据
func (m *Manager) Overdue(deadline time.Duration) []*Ticket {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	now := time.Now()
	var out []*Ticket
	for _, group := range m.active {
		for _, t := range group {
			if t.Status == StatusSent && now.Sub(t.SentTime) > deadline {
				out = append(out, t)
			}
		}
	}
	return out
}

// Snapshot 返回活动池中所有票据（巡检用）
func (m *Manager) Snapshot() []*Ticket {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	var out []*Ticket
	for _, group := range m.active {
		for _, t := range group {
			out = append(out, t)
		}
	}
	return out
}

// PendingInGroup 分组内是否还有未走完提交阶段的票据
func (m *Manager) PendingInGroup(groupID int64) bool {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	for _, t := range m.active[groupID] {
		if t.Status != StatusSuccess && t.Status != StatusVoid && t.Status != StatusWaiting {
			return true
		}
	}
	return false
}

// ResetGroup 作废分组内全部票据并清空
func (m *Manager) ResetGroup(ctx context.Context, groupID int64) {
	m.poolMu.Lock()
	tickets := make([]*Ticket, 0, len(m.active[groupID]))
	for _, t := range m.active[groupID] {
		t.Transition(StatusVoid)
		tickets = append(tickets, t)
	}
	delete(m.active, groupID)
	m.poolMu.Unlock()

	for _, t := range tickets {
		m.persist(ctx, t)
	}
}

func (m *Manager) persist(ctx context.Context, t *Ticket) {
	if err := m.deps.Store.UpdateTicket(ctx, t); err != nil {
		// 不猜测落库结果，留给看门狗重查
		m.log.Errorf("[%d] [%s:%d] Persist failed: %v", t.GroupID, t.Player, t.Key, err)
	}
}
