// Package auth 对接上游站点的 HTTP 认证接口：账号密码登录、
// 带外 hash 交换和余额同步。每个 provider 一个后端实现，
// 通过显式注册表选择。
package auth

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/vbetio/vbet/pkg/secretstore"
)

var (
	// ErrInvalidCredentials 凭证被上游拒绝，不应自动重试
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidHash hash 交换返回了不可用的载荷
	ErrInvalidHash = errors.New("auth: invalid login hash")
	// ErrUnknownBackend provider 没有对应的认证后端
	ErrUnknownBackend = errors.New("auth: unknown backend")
)

const userAgent = "Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:84.0) Gecko/20100101 Firefox/84.0"

// retryInterval 上游连接失败的重试间隔
const retryInterval = 30 * time.Second

// Session 一次成功登录产生的上游会话
type Session struct {
	Username string            `json:"username"`
	UserID   int64             `json:"userId"`
	Token    string            `json:"token"`
	Cookies  map[string]string `json:"cookies"`
}

// Balance 余额同步结果
type Balance struct {
	Success bool
	Amount  decimal.Decimal
}

// Backend 单个 provider 的认证实现
type Backend interface {
	Name() string
	// LoginPassword 账号密码登录，凭证错误返回 ErrInvalidCredentials
	LoginPassword(ctx context.Context, username, password string) (*Session, error)
	// LoginHash 为指定连接取一次性 onlineHash
	LoginHash(ctx context.Context, sess *Session, connID int) (string, error)
	// SyncBalance 拉取站点侧余额
	SyncBalance(ctx context.Context, sess *Session) (Balance, error)
}

// NewBackend 按 provider 名称构造后端。注册表是显式的，
// 新增 provider 要在这里补一行。
func NewBackend(provider string) (Backend, error) {
	client := newClient()
	switch provider {
	case "betika":
		return &betikaBackend{client: client, retry: retryInterval}, nil
	case "mozzart":
		return &mozzartBackend{client: client, retry: retryInterval}, nil
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "provider %s", provider)
}

func newClient() *resty.Client {
	return resty.New().
		SetHeader("User-Agent", userAgent).
		SetTimeout(20 * time.Second)
}

// sleepRetry 等一个重试周期，ctx 取消时返回其错误
func sleepRetry(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Service 在后端之上加一层凭证缓存：成功的会话落到 badger，
// 进程重启后免登录。
type Service struct {
	backend Backend
	cache   *secretstore.Store
	log     *logrus.Entry
}

// NewService 创建认证服务，cache 可以为 nil（不缓存）
func NewService(backend Backend, cache *secretstore.Store) *Service {
	return &Service{
		backend: backend,
		cache:   cache,
		log:     logrus.WithField("component", "auth").WithField("provider", backend.Name()),
	}
}

func (s *Service) cacheKey(username string) string {
	return "session/" + s.backend.Name() + "/" + username
}

// Login 登录：先查缓存会话，没有再走后端并缓存结果
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	if s.cache != nil {
		var sess Session
		err := s.cache.GetJSON(s.cacheKey(username), &sess)
		if err == nil && sess.UserID != 0 {
			s.log.Debugf("Using cached session for %s", username)
			return &sess, nil
		}
		if err != nil && !errors.Is(err, secretstore.ErrNotFound) {
			s.log.Warnf("Session cache read failed: %v", err)
		}
	}

	sess, err := s.backend.LoginPassword(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(s.cacheKey(username), sess); err != nil {
			s.log.Warnf("Session cache write failed: %v", err)
		}
	}
	return sess, nil
}

// Invalidate 丢弃缓存会话（网关拒绝登录后调用）
func (s *Service) Invalidate(username string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(s.cacheKey(username)); err != nil {
		s.log.Warnf("Session cache delete failed: %v", err)
	}
}

// LoginHash 带外 hash 交换
func (s *Service) LoginHash(ctx context.Context, sess *Session, connID int) (string, error) {
	return s.backend.LoginHash(ctx, sess, connID)
}

// SyncBalance 同步站点余额
func (s *Service) SyncBalance(ctx context.Context, sess *Session) (Balance, error) {
	return s.backend.SyncBalance(ctx, sess)
}
