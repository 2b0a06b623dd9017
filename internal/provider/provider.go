// Package provider 是单个上游站点的进程内执行体：消费控制总线指令，
// 管理用户生命周期，巡检票据池，并把结果回推给控制面。
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/internal/auth"
	"github.com/vbetio/vbet/internal/controlbus"
	"github.com/vbetio/vbet/internal/protocol"
	"github.com/vbetio/vbet/internal/store"
	"github.com/vbetio/vbet/internal/ticket"
	"github.com/vbetio/vbet/internal/user"
	"github.com/vbetio/vbet/pkg/config"
	"github.com/vbetio/vbet/pkg/syncgroup"
)

// ControlBus provider 用到的总线能力
type ControlBus interface {
	Messages() <-chan controlbus.Message
	SendToSession(channelName, sessionKey, uri string, body interface{})
	SetOnline(ctx context.Context, users int) error
	SetUserLive(ctx context.Context, username string, payload interface{}) error
	ClearUserLive(ctx context.Context, username string) error
}

// Gateway 在用户侧能力之上加上生命周期控制
type Gateway interface {
	user.Gateway
	Start()
	Close(ctx context.Context)
}

// Provider 一个 provider 进程的顶层状态
type Provider struct {
	cfg   config.Config
	db    store.Store
	bus   ControlBus
	auth  *auth.Service
	pool  Gateway
	log   *logrus.Entry
	group *syncgroup.SyncGroup

	mu        sync.Mutex
	users     map[string]*user.User
	userMap   map[int64]string // 网关用户 id -> 用户名
	loginBusy map[string]bool
}

// New 构造 Provider。连接池依赖 Provider 做回包分发，
// 由调用方创建后再 AttachPool。
func New(cfg config.Config, db store.Store, bus ControlBus, authSvc *auth.Service) *Provider {
	log := logrus.WithFields(logrus.Fields{
		"component": "provider",
		"server":    cfg.ServerName(),
	})
	return &Provider{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		auth:      authSvc,
		log:       log,
		group:     syncgroup.NewSyncGroup(),
		users:     make(map[string]*user.User),
		userMap:   make(map[int64]string),
		loginBusy: make(map[string]bool),
	}
}

// AttachPool 绑定网关连接池
func (p *Provider) AttachPool(g Gateway) {
	p.pool = g
}

// HandleReply 按网关用户 id 把回包路由给归属用户
func (p *Provider) HandleReply(userID int64, connID int, xs int64, resource protocol.Resource, valid bool, body json.RawMessage) {
	if u := p.userByID(userID); u != nil {
		u.HandleReply(connID, xs, resource, valid, body)
		return
	}
	p.log.WithField("user_id", userID).Warn("回包找不到归属用户")
}

// StreamLost 连接断开通知
func (p *Provider) StreamLost(userID int64, connID int, streamID int) {
	if u := p.userByID(userID); u != nil {
		u.StreamLost(connID, streamID)
	}
}

// LoginHash 网关握手的带外 hash 交换
func (p *Provider) LoginHash(ctx context.Context, username string, userID int64, connID int) (string, error) {
	u := p.userByName(username)
	if u == nil {
		return "", fmt.Errorf("hash exchange: unknown user %s", username)
	}
	return p.auth.LoginHash(ctx, u.Session(), connID)
}

// Start 启动总线消费与票据巡检，并恢复已注册用户
func (p *Provider) Start(ctx context.Context) {
	p.loadStoredConfig(ctx)
	p.pool.Start()
	p.restoreUsers(ctx)
	p.group.Go(func() { p.reader(ctx) })
	p.group.Go(func() { p.scanner(ctx) })
	p.log.Info("provider 已启动")
}

// loadStoredConfig 叠加持久化的 provider 运行参数；首次启动时
// 把当前默认值写进库，供运维在线调整后下次启动生效。
func (p *Provider) loadStoredConfig(ctx context.Context) {
	rec, err := p.db.LoadProviderConfig(ctx, p.cfg.Provider.Name)
	if err != nil {
		p.log.WithError(err).Error("加载 provider 配置失败")
		return
	}
	if rec == nil {
		err := p.db.SaveProviderConfig(ctx, store.ProviderConfig{
			Name: p.cfg.Provider.Name,
			Settings: map[string]interface{}{
				"scan_interval_ms":   p.cfg.Provider.ScanInterval.Milliseconds(),
				"submit_interval_ms": p.cfg.Tickets.SubmitInterval.Milliseconds(),
			},
		})
		if err != nil {
			p.log.WithError(err).Warn("写 provider 配置失败")
		}
		return
	}
	if ms, ok := settingMillis(rec.Settings["scan_interval_ms"]); ok {
		p.cfg.Provider.ScanInterval = ms
	}
	if ms, ok := settingMillis(rec.Settings["submit_interval_ms"]); ok {
		p.cfg.Tickets.SubmitInterval = ms
	}
}

// settingMillis 读配置里的毫秒数；JSON 反序列化出来的数值是 float64
func settingMillis(v interface{}) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n) * time.Millisecond, true
		}
	case int64:
		if n > 0 {
			return time.Duration(n) * time.Millisecond, true
		}
	}
	return 0, false
}

// Close 有序停机：释放用户、关池、清理在线标记
func (p *Provider) Close(ctx context.Context) {
	p.mu.Lock()
	users := make([]*user.User, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.mu.Unlock()

	for _, u := range users {
		u.Offline()
		if err := p.bus.ClearUserLive(ctx, u.Username()); err != nil {
			p.log.WithError(err).Warn("清理用户在线标记失败")
		}
	}
	p.pool.Close(ctx)
	p.group.Wait()
	p.log.Info("provider 已停机")
}

// restoreUsers 启动时用缓存会话恢复已注册用户，免控制面重新下发
func (p *Provider) restoreUsers(ctx context.Context) {
	recs, err := p.db.LoadUsers(ctx, p.cfg.Provider.Name)
	if err != nil {
		p.log.WithError(err).Error("加载注册用户失败")
		return
	}
	for _, rec := range recs {
		var sess auth.Session
		if err := json.Unmarshal(rec.Session, &sess); err != nil || sess.Username == "" {
			p.log.WithField("username", rec.Username).Warn("用户会话缓存损坏，跳过恢复")
			continue
		}
		p.createUser(ctx, &sess)
	}
}

func (p *Provider) reader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.bus.Messages():
			if !ok {
				return
			}
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Provider) dispatch(ctx context.Context, msg controlbus.Message) {
	sessionKey := msg.SessionKey
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}
	switch msg.URI {
	case "online":
		p.handleOnline(ctx, sessionKey, msg)
	case "add":
		p.handleAdd(ctx, sessionKey, msg)
	case "auth":
		p.handleAuth(ctx, sessionKey, msg)
	case "deauth":
		p.handleDeauth(sessionKey, msg)
	case "tickets":
		p.handleTickets(ctx, sessionKey, msg)
	default:
		p.log.WithField("uri", msg.URI).Warn("忽略未知控制指令")
	}
}

// handleAdd 账号密码登录并注册新用户
func (p *Provider) handleAdd(ctx context.Context, sessionKey string, msg controlbus.Message) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.Username == "" || body.Password == "" {
		p.log.Warn("add 指令缺少账号密码")
		return
	}
	p.mu.Lock()
	if p.loginBusy[body.Username] {
		p.mu.Unlock()
		return
	}
	p.loginBusy[body.Username] = true
	p.mu.Unlock()

	p.group.Go(func() {
		defer func() {
			p.mu.Lock()
			delete(p.loginBusy, body.Username)
			p.mu.Unlock()
		}()
		sess, err := p.auth.Login(ctx, body.Username, body.Password)
		if err != nil {
			p.log.WithError(err).WithField("username", body.Username).Warn("用户登录失败")
			p.bus.SendToSession(msg.ChannelName, sessionKey, "provider_add", map[string]interface{}{
				"success":  false,
				"provider": p.cfg.Provider.Name,
				"body":     err.Error(),
			})
			return
		}
		raw, err := json.Marshal(sess)
		if err == nil {
			err = p.db.SaveUser(ctx, store.UserRecord{
				Username: sess.Username,
				Provider: p.cfg.Provider.Name,
				UserID:   sess.UserID,
				Session:  raw,
			})
		}
		if err != nil {
			p.log.WithError(err).Error("注册用户落库失败")
		}
		u := p.createUser(ctx, sess)
		u.AddWsSession(sessionKey, msg.ChannelName)
		p.bus.SendToSession(msg.ChannelName, sessionKey, "provider_add", map[string]interface{}{
			"success":  true,
			"provider": p.cfg.Provider.Name,
			"username": sess.Username,
		})
	})
}

// handleOnline 用缓存会话把已注册用户拉上线
func (p *Provider) handleOnline(ctx context.Context, sessionKey string, msg controlbus.Message) {
	username := msg.Username
	if username == "" {
		var body struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(msg.Body, &body)
		username = body.Username
	}
	if username == "" {
		return
	}
	if u := p.userByName(username); u != nil {
		p.attachSession(u, sessionKey, msg.ChannelName)
		return
	}

	p.group.Go(func() {
		recs, err := p.db.LoadUsers(ctx, p.cfg.Provider.Name)
		if err != nil {
			p.log.WithError(err).Error("加载注册用户失败")
			return
		}
		for _, rec := range recs {
			if rec.Username != username {
				continue
			}
			var sess auth.Session
			if err := json.Unmarshal(rec.Session, &sess); err != nil {
				break
			}
			// 上线前校验缓存会话是否仍然有效
			if bal, err := p.auth.SyncBalance(ctx, &sess); err != nil || !bal.Success {
				p.auth.Invalidate(username)
				break
			}
			u := p.createUser(ctx, &sess)
			p.attachSession(u, sessionKey, msg.ChannelName)
			return
		}
		p.bus.SendToSession(msg.ChannelName, sessionKey, "init", map[string]interface{}{
			"success":  false,
			"provider": p.cfg.Provider.Name,
			"username": username,
		})
	})
}

// handleAuth 给已上线用户绑定一个新 web 会话
func (p *Provider) handleAuth(ctx context.Context, sessionKey string, msg controlbus.Message) {
	if u := p.userByName(msg.Username); u != nil {
		p.attachSession(u, sessionKey, msg.ChannelName)
		return
	}
	p.handleOnline(ctx, sessionKey, msg)
}

func (p *Provider) handleDeauth(sessionKey string, msg controlbus.Message) {
	if u := p.userByName(msg.Username); u != nil {
		remaining := u.RemoveWsSession(sessionKey)
		p.log.WithFields(logrus.Fields{
			"username": msg.Username,
			"sessions": remaining,
		}).Info("web 会话解绑")
	}
}

// handleTickets 查票据历史并推回 web 会话
func (p *Provider) handleTickets(ctx context.Context, sessionKey string, msg controlbus.Message) {
	u := p.userByName(msg.Username)
	if u == nil {
		return
	}
	var body struct {
		N         int   `json:"n"`
		TicketKey int64 `json:"ticket_key"`
	}
	_ = json.Unmarshal(msg.Body, &body)
	// 历史分页固定 10 条一页
	n := 10

	recs, err := p.db.LoadRecentTickets(ctx, msg.Username, body.TicketKey, n)
	if err != nil {
		p.log.WithError(err).Error("查询票据历史失败")
		return
	}
	data := make(map[string]interface{}, len(recs))
	for _, rec := range recs {
		data[fmt.Sprint(rec.Key)] = map[string]interface{}{
			"data": map[string]interface{}{
				"player":        rec.Player,
				"status":        int(rec.Status),
				"ticket_id":     rec.TicketID,
				"ticket_key":    rec.Key,
				"ticket_status": rec.TicketStatus,
				"won_data": map[string]interface{}{
					"won":   rec.TotalWon,
					"stake": rec.Stake,
				},
				"time_created": rec.CreatedAt.Format(time.RFC3339),
			},
			"ticket": rec.Details,
		}
	}
	p.bus.SendToSession(msg.ChannelName, sessionKey, "tickets", data)
}

func (p *Provider) attachSession(u *user.User, sessionKey, channelName string) {
	u.AddWsSession(sessionKey, channelName)
	p.bus.SendToSession(channelName, sessionKey, "init", map[string]interface{}{
		"success": true,
		"body":    u.Describe(),
	})
}

func (p *Provider) createUser(ctx context.Context, sess *auth.Session) *user.User {
	p.mu.Lock()
	if existing, ok := p.users[sess.Username]; ok {
		p.mu.Unlock()
		return existing
	}
	u := user.New(user.Params{
		Provider: p.cfg.Provider.Name,
		Session:  sess,
		Tickets:  p.cfg.Tickets,
		Pool:     p.pool,
		Auth:     p.auth,
		Store:    p.db,
		Pusher:   p.bus,
	})
	p.users[sess.Username] = u
	p.userMap[sess.UserID] = sess.Username
	count := len(p.users)
	p.mu.Unlock()

	u.Online(ctx)
	if err := p.bus.SetUserLive(ctx, sess.Username, map[string]interface{}{
		"status": "ACTIVE",
		"server": p.cfg.ServerName(),
	}); err != nil {
		p.log.WithError(err).Warn("写用户在线标记失败")
	}
	if err := p.bus.SetOnline(ctx, count); err != nil {
		p.log.WithError(err).Warn("写在线用户数失败")
	}
	p.log.WithField("username", sess.Username).Info("用户已接入")
	return u
}

// RemoveUser 注销并下线一个用户
func (p *Provider) RemoveUser(ctx context.Context, username string) {
	p.mu.Lock()
	u, ok := p.users[username]
	if ok {
		delete(p.users, username)
		delete(p.userMap, u.UserID())
	}
	count := len(p.users)
	p.mu.Unlock()
	if !ok {
		return
	}
	u.Offline()
	if err := p.bus.ClearUserLive(ctx, username); err != nil {
		p.log.WithError(err).Warn("清理用户在线标记失败")
	}
	if err := p.bus.SetOnline(ctx, count); err != nil {
		p.log.WithError(err).Warn("写在线用户数失败")
	}
}

func (p *Provider) userByName(username string) *user.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[username]
}

func (p *Provider) userByID(userID int64) *user.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[p.userMap[userID]]
}

// scanner 周期巡检每个用户的活动票据池
func (p *Provider) scanner(ctx context.Context) {
	t := time.NewTicker(p.cfg.Provider.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.scanUsers(ctx)
		}
	}
}

func (p *Provider) scanUsers(ctx context.Context) {
	p.mu.Lock()
	users := make([]*user.User, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.mu.Unlock()

	for _, u := range users {
		tm := u.Tickets()
		for _, t := range tm.Snapshot() {
			view := tm.ViewOf(t)
			switch view.Status {
			case ticket.StatusDiscard:
				tm.RemoveTicket(t)
			case ticket.StatusVoid:
				tm.Evict(ctx, t)
			case ticket.StatusSent:
				if view.SentTime.IsZero() || time.Since(view.SentTime) <= p.cfg.Tickets.SentDeadline {
					continue
				}
				p.log.WithFields(logrus.Fields{
					"username": u.Username(),
					"group":    t.GroupID,
					"key":      t.Key,
				}).Warn("票据受理结果超时，发起回查")
				u.ProbeTicket(view.TicketID, view.ConnID)
			case ticket.StatusSuccess:
				if !view.Resolved {
					continue
				}
				if view.Demo {
					if view.TotalWon.IsPositive() {
						tm.ApplyPayout(ctx, t, "", "", view.TotalWon)
					}
					tm.Evict(ctx, t)
					continue
				}
				if view.TotalWon.IsPositive() {
					// 真实盘要等网关派彩确认
					u.ProbeTicket(view.TicketID, view.ConnID)
				} else {
					tm.Evict(ctx, t)
				}
			}
		}
	}
}
