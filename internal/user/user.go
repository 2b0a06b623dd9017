// Package user 把单个上游账号的各协作方拼在一起：网关会话、
// 票据管理、资金账户、凭证服务和控制面推送。
package user

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/internal/account"
	"github.com/vbetio/vbet/internal/auth"
	"github.com/vbetio/vbet/internal/gateway"
	"github.com/vbetio/vbet/internal/protocol"
	"github.com/vbetio/vbet/internal/store"
	"github.com/vbetio/vbet/internal/ticket"
	"github.com/vbetio/vbet/pkg/config"
)

// Pusher 控制面推送出口。实现方失败时自行吞掉错误。
type Pusher interface {
	SendToSession(channelName, sessionKey, uri string, body interface{})
}

// Gateway 用户侧用到的连接池能力
type Gateway interface {
	Acquire(userID int64, username string, streamID int, reuse bool) *gateway.Connection
	ReleaseUser(userID int64)
	Send(userID int64, resource protocol.Resource, body interface{}, method string, connHint int) (int64, int)
	Authorize(connID int, userID int64, clientID string)
	MarkUnauthenticated(connID int, userID int64)
}

// Settings 登录回包里的网关侧参数，首次登录后固定
type Settings struct {
	Configured      bool
	TagsID          int64
	OddSettingsID   int64
	TaxesSettingsID int64
	Currency        string
	SellStaff       string
}

// Params 构造 User 的依赖
type Params struct {
	Provider string
	Session  *auth.Session
	Tickets  config.TicketConfig
	Pool     Gateway
	Auth     *auth.Service
	Store    store.Store
	Pusher   Pusher
}

// User 一个上游账号在本进程内的全部状态
type User struct {
	username string
	userID   int64
	provider string
	session  *auth.Session

	pool    Gateway
	auth    *auth.Service
	store   store.Store
	pusher  Pusher
	account *account.Manager
	tickets *ticket.Manager
	log     *logrus.Entry

	mu           sync.Mutex
	online       bool
	settings     Settings
	jackpotReady bool
	playlists    []int64
	wsSessions   map[string]string // sessionKey -> channelName
}

// New 组装 User 及其票据管理器
func New(p Params) *User {
	u := &User{
		username:   p.Session.Username,
		userID:     p.Session.UserID,
		provider:   p.Provider,
		session:    p.Session,
		pool:       p.Pool,
		auth:       p.Auth,
		store:      p.Store,
		pusher:     p.Pusher,
		account:    account.NewManager(),
		wsSessions: make(map[string]string),
		log: logrus.WithFields(logrus.Fields{
			"component": "user",
			"username":  p.Session.Username,
		}),
	}
	u.tickets = ticket.NewManager(p.Tickets, ticket.Deps{
		Transport: (*transport)(u),
		Wallet:    u.account,
		Store:     &storeAdapter{user: u},
		Hooks:     (*hooks)(u),
	}, u.username)
	return u
}

func (u *User) Username() string { return u.username }

func (u *User) UserID() int64 { return u.userID }

// Session 登录站点的凭证会话
func (u *User) Session() *auth.Session { return u.session }

// Account 资金账户
func (u *User) Account() *account.Manager { return u.account }

// Tickets 票据管理器
func (u *User) Tickets() *ticket.Manager { return u.tickets }

// Online 首次上线：占用 0 号会话流并启动提交循环
func (u *User) Online(ctx context.Context) {
	u.mu.Lock()
	if u.online {
		u.mu.Unlock()
		return
	}
	u.online = true
	u.mu.Unlock()

	u.pool.Acquire(u.userID, u.username, 0, false)
	u.tickets.Start(ctx)
	u.log.Info("用户上线")
}

// Offline 释放该用户在池里的全部会话槽
func (u *User) Offline() {
	u.mu.Lock()
	u.online = false
	u.mu.Unlock()
	u.pool.ReleaseUser(u.userID)
	u.log.Info("用户下线")
}

// HandleReply 按资源分发网关回包
func (u *User) HandleReply(connID int, xs int64, resource protocol.Resource, valid bool, body json.RawMessage) {
	switch resource {
	case protocol.ResourceLogin:
		u.loginCallback(connID, valid, body)
	case protocol.ResourceSync:
		u.syncCallback(valid, body)
	case protocol.ResourceTickets:
		u.ticketCallback(connID, xs, valid, body)
	case protocol.ResourceTicketFindByID:
		u.findByIDCallback(valid, body)
	case protocol.ResourcePlaylists:
		u.playlistsCallback(valid, body)
	default:
		u.log.WithField("resource", resource).Debug("忽略未处理的资源回包")
	}
}

// StreamLost 承载本用户的连接断开，在途票据经 NETWORK 重新入队
func (u *User) StreamLost(connID, streamID int) {
	u.tickets.ConnectionLost(context.Background(), connID)
}

type sessionJackpot struct {
	BonusLevel int             `json:"bonusLevel"`
	Amount     decimal.Decimal `json:"amount"`
}

type sessionStatus struct {
	Credit   decimal.Decimal  `json:"credit"`
	Jackpots []sessionJackpot `json:"jackpots"`
}

type loginReply struct {
	ClientID        string          `json:"clientId"`
	SessionStatus   *sessionStatus  `json:"sessionStatus"`
	TagsID          int64           `json:"tagsId"`
	OddSettingsID   int64           `json:"oddSettingsId"`
	TaxesSettingsID json.RawMessage `json:"taxesSettingsId"`
}

func (u *User) loginCallback(connID int, valid bool, body json.RawMessage) {
	var reply loginReply
	if valid {
		if err := json.Unmarshal(body, &reply); err != nil {
			u.log.WithError(err).Error("登录回包解析失败")
			valid = false
		}
	}
	if !valid || reply.ClientID == "" {
		u.log.WithField("conn", connID).Error("网关登录失败")
		u.pool.MarkUnauthenticated(connID, u.userID)
		u.auth.Invalidate(u.username)
		u.pushAll("init", map[string]interface{}{"success": false, "username": u.username})
		return
	}

	u.pool.Authorize(connID, u.userID, reply.ClientID)

	u.mu.Lock()
	if !u.settings.Configured {
		u.settings.Configured = true
		u.settings.TagsID = reply.TagsID
		u.settings.OddSettingsID = reply.OddSettingsID
		u.settings.TaxesSettingsID = taxesID(reply.TaxesSettingsID)
		if u.settings.Currency == "" {
			u.settings.Currency = "EUR"
		}
	}
	u.mu.Unlock()

	if reply.SessionStatus != nil {
		u.processSessionStatus(*reply.SessionStatus)
	}
	u.log.WithField("conn", connID).Info("网关认证成功")
	u.tickets.StreamOnline(connID)

	// 首次拿到授权会话后拉一次节目单
	u.mu.Lock()
	needPlaylists := len(u.playlists) == 0
	u.mu.Unlock()
	if needPlaylists {
		u.pool.Send(u.userID, protocol.ResourcePlaylists, map[string]interface{}{}, "GET", connID)
	}
}

// taxesSettingsId 有的网关回 number，有的回对象里的 id
func taxesID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var obj struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return 0
}

func (u *User) syncCallback(valid bool, body json.RawMessage) {
	if !valid {
		return
	}
	var reply struct {
		SessionStatus *sessionStatus `json:"sessionStatus"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.SessionStatus == nil {
		return
	}
	u.processSessionStatus(*reply.SessionStatus)
}

func (u *User) processSessionStatus(status sessionStatus) {
	if len(status.Jackpots) > 0 {
		u.account.SetBonusLevel(status.Jackpots[0].BonusLevel)
		u.account.SetJackpotAmount(status.Jackpots[0].Amount)
	}
	if u.account.IsBonusReady() {
		u.jackpotSetup()
	} else {
		u.jackpotReset()
	}
	if status.Credit.IsPositive() {
		u.account.Update(status.Credit)
	}
}

func (u *User) jackpotSetup() {
	u.mu.Lock()
	ready := u.jackpotReady
	u.jackpotReady = true
	u.mu.Unlock()
	if !ready {
		u.log.WithField("jackpot", u.account.JackpotAmount()).Info("奖池就绪，关闭提交节流")
	}
}

func (u *User) jackpotReset() {
	u.mu.Lock()
	ready := u.jackpotReady
	u.jackpotReady = false
	u.mu.Unlock()
	if ready {
		u.log.Info("奖池回落，恢复提交节流")
	}
}

type acceptedTicket struct {
	TicketID     int64  `json:"ticketId"`
	TimeSend     string `json:"timeSend"`
	TimeRegister string `json:"timeRegister"`
	IP           string `json:"ip"`
	ServerHash   string `json:"serverHash"`
	Status       string `json:"status"`
}

type ticketReply struct {
	Transaction *struct {
		NewCredit decimal.Decimal `json:"newCredit"`
	} `json:"transaction"`
	Ticket    *acceptedTicket `json:"ticket"`
	ErrorCode int             `json:"errorCode"`
	Message   string          `json:"message"`
}

func (u *User) ticketCallback(connID int, xs int64, valid bool, body json.RawMessage) {
	t := u.tickets.FindTicketByCorrelation(connID, xs)
	if t == nil {
		u.log.WithFields(logrus.Fields{"conn": connID, "xs": xs}).
			Warn("票据回包找不到对应的在途票据")
		return
	}
	ctx := context.Background()

	var reply ticketReply
	if err := json.Unmarshal(body, &reply); err != nil {
		u.log.WithError(err).Error("票据回包解析失败")
		u.tickets.TicketFailed(ctx, 500, t)
		return
	}
	if valid && reply.Transaction != nil && reply.Ticket != nil {
		u.tickets.ApplyAcceptance(t, ticket.Acceptance{
			TicketID:     reply.Ticket.TicketID,
			TimeSend:     reply.Ticket.TimeSend,
			TimeRegister: reply.Ticket.TimeRegister,
			IP:           reply.Ticket.IP,
			ServerHash:   reply.Ticket.ServerHash,
			Status:       reply.Ticket.Status,
		})
		u.account.RecordStake(t.Stake)
		u.account.Update(reply.Transaction.NewCredit)
		u.log.WithFields(logrus.Fields{
			"group":  t.GroupID,
			"player": t.Player,
			"ticket": reply.Ticket.TicketID,
		}).Info("票据受理成功")
		u.tickets.TicketSuccess(ctx, t)
		return
	}
	u.log.WithFields(logrus.Fields{
		"group":   t.GroupID,
		"player":  t.Player,
		"code":    reply.ErrorCode,
		"message": reply.Message,
	}).Warn("票据提交被拒")
	u.tickets.TicketFailed(ctx, reply.ErrorCode, t)
}

type probedTicket struct {
	TicketID     int64  `json:"ticketId"`
	Status       string `json:"status"`
	TimePaid     string `json:"timePaid"`
	TimeResolved string `json:"timeResolved"`
	WonData      *struct {
		WonAmount  decimal.Decimal `json:"wonAmount"`
		WonJackpot decimal.Decimal `json:"wonJackpot"`
	} `json:"wonData"`
}

func (u *User) findByIDCallback(valid bool, body json.RawMessage) {
	if !valid {
		return
	}
	var probes []probedTicket
	if err := json.Unmarshal(body, &probes); err != nil {
		u.log.WithError(err).Error("票据查询回包解析失败")
		return
	}
	ctx := context.Background()
	for _, probe := range probes {
		if probe.WonData == nil || probe.Status != "PAIDOUT" {
			continue
		}
		t := u.tickets.FindTicketByID(probe.TicketID)
		if t == nil {
			continue
		}
		u.tickets.ApplyPayout(ctx, t, probe.TimePaid, probe.TimeResolved, probe.WonData.WonAmount)
		u.account.OnWin(probe.WonData.WonAmount, t.Demo)
		u.log.WithFields(logrus.Fields{
			"ticket":  probe.TicketID,
			"won":     probe.WonData.WonAmount,
			"jackpot": probe.WonData.WonJackpot,
		}).Info("票据已派彩")
		u.pushAll("ticket_resolve", u.ticketData(t))
		u.tickets.Evict(ctx, t)
	}
}

func (u *User) playlistsCallback(valid bool, body json.RawMessage) {
	if !valid {
		return
	}
	var entries []struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		u.log.WithError(err).Error("节目单回包解析失败")
		return
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	u.mu.Lock()
	u.playlists = ids
	u.mu.Unlock()
	u.log.WithField("count", len(ids)).Debug("节目单已更新")
}

// Playlists 已知节目单 id
func (u *User) Playlists() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int64, len(u.playlists))
	copy(out, u.playlists)
	return out
}

// RegisterTicket 票据入库并进入提交队列，同时推给所有 web 会话
func (u *User) RegisterTicket(ctx context.Context, t *ticket.Ticket) error {
	if err := u.tickets.Register(ctx, t); err != nil {
		return fmt.Errorf("register ticket: %w", err)
	}
	u.tickets.AddTicket(t)
	u.pushAll("ticket", u.ticketData(t))
	return nil
}

// ProbeTicket 用看门狗语义查一张已发送票据的受理结果
func (u *User) ProbeTicket(ticketID int64, connHint int) {
	body := map[string]interface{}{
		"n":      1,
		"filter": nil,
	}
	if ticketID > 0 {
		body["ticketId"] = ticketID
	}
	u.pool.Send(u.userID, protocol.ResourceTicketFindByID, body, "POST", connHint)
}

// SyncExternalBalance 从上游站点查外部余额并同步进账户
func (u *User) SyncExternalBalance(ctx context.Context) error {
	bal, err := u.auth.SyncBalance(ctx, u.session)
	if err != nil {
		return err
	}
	if bal.Success {
		u.account.Fund(bal.Amount)
	}
	return nil
}

// AddWsSession 绑定一个 web 会话
func (u *User) AddWsSession(sessionKey, channelName string) {
	u.mu.Lock()
	u.wsSessions[sessionKey] = channelName
	u.mu.Unlock()
}

// RemoveWsSession 解绑 web 会话，返回剩余会话数
func (u *User) RemoveWsSession(sessionKey string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.wsSessions, sessionKey)
	return len(u.wsSessions)
}

// WsSessionCount 当前绑定的 web 会话数
func (u *User) WsSessionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.wsSessions)
}

func (u *User) pushAll(uri string, body interface{}) {
	u.mu.Lock()
	sessions := make(map[string]string, len(u.wsSessions))
	for k, v := range u.wsSessions {
		sessions[k] = v
	}
	u.mu.Unlock()
	for sessionKey, channelName := range sessions {
		u.pusher.SendToSession(channelName, sessionKey, uri, body)
	}
}

func (u *User) ticketData(t *ticket.Ticket) map[string]interface{} {
	return map[string]interface{}{
		fmt.Sprint(t.Key): map[string]interface{}{
			"data": map[string]interface{}{
				"player":        t.Player,
				"status":        int(u.tickets.StatusOf(t)),
				"ticket_id":     t.TicketID,
				"ticket_key":    t.Key,
				"ticket_status": t.TicketStatus,
				"won_data": map[string]interface{}{
					"won":   t.TotalWon,
					"stake": t.Stake,
				},
			},
			"ticket": t.Details(),
		},
	}
}

// ticketEnvelope 票据提交的外层载荷
func (u *User) ticketEnvelope(t *ticket.Ticket) map[string]interface{} {
	u.mu.Lock()
	s := u.settings
	u.mu.Unlock()
	return map[string]interface{}{
		"tagsId":          s.TagsID,
		"timeSend":        protocol.TicketTimestamp(),
		"oddSettingsId":   s.OddSettingsID,
		"taxesSettingsId": s.TaxesSettingsID,
		"currency":        s.Currency,
		"sellStaff":       s.SellStaff,
		"gameType":        map[string]interface{}{"val": "ME"},
		"details":         t.Details(),
	}
}

// transport 把连接池适配成票据管理器需要的传输面
type transport User

func (tr *transport) SubmitTicket(t *ticket.Ticket) (int64, int) {
	u := (*User)(tr)
	return u.pool.Send(u.userID, protocol.ResourceTickets, u.ticketEnvelope(t), "POST", -1)
}

func (tr *transport) KeepAlive(connID int) {
	u := (*User)(tr)
	u.pool.Send(u.userID, protocol.ResourceSync, map[string]interface{}{}, "GET", connID)
}

// hooks 票据管理器的回报面
type hooks User

func (h *hooks) JackpotReady() bool {
	u := (*User)(h)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.jackpotReady
}

func (h *hooks) JackpotSetup() { (*User)(h).jackpotSetup() }

func (h *hooks) JackpotReset() { (*User)(h).jackpotReset() }

func (h *hooks) TicketComplete(t *ticket.Ticket) {
	u := (*User)(h)
	u.pushAll("ticket", u.ticketData(t))
}

func (h *hooks) TicketResolved(t *ticket.Ticket) {
	u := (*User)(h)
	u.pushAll("ticket_resolve", u.ticketData(t))
}

// storeAdapter 持久层按用户与 provider 维度落票据
type storeAdapter struct {
	user *User
}

func (a *storeAdapter) SaveTicket(ctx context.Context, t *ticket.Ticket) (int64, error) {
	return a.user.store.SaveTicket(ctx, a.user.username, a.user.provider, t)
}

func (a *storeAdapter) UpdateTicket(ctx context.Context, t *ticket.Ticket) error {
	return a.user.store.UpdateTicket(ctx, t)
}

// Describe 控制面展示用的摘要
func (u *User) Describe() map[string]interface{} {
	u.mu.Lock()
	jackpot := u.jackpotReady
	u.mu.Unlock()
	return map[string]interface{}{
		"username":     u.username,
		"user_id":      u.userID,
		"provider":     u.provider,
		"credit":       u.account.Credit(),
		"demo_credit":  u.account.DemoCredit(),
		"total_stake":  u.account.TotalStake(),
		"bonus_level":  u.account.BonusLevel(),
		"jackpot":      u.account.JackpotAmount(),
		"jackpotReady": jackpot,
	}
}
