package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// betikaBackend betika 站点：hash 用 profile_id 换，登录走手机号
type betikaBackend struct {
	client *resty.Client
	retry  time.Duration

	// 端点可注入，测试时指向本地桩
	HashURL    string
	LoginURL   string
	BalanceURL string
}

func (b *betikaBackend) Name() string { return "betika" }

func (b *betikaBackend) urls() (hash, login, balance string) {
	hash = b.HashURL
	if hash == "" {
		hash = "https://api-golden-race.betika.com/betikagr/Login"
	}
	login = b.LoginURL
	if login == "" {
		login = "https://api.betika.com/v1/login"
	}
	balance = b.BalanceURL
	if balance == "" {
		balance = "https://api.betika.com/v1/balance"
	}
	return
}

func (b *betikaBackend) LoginPassword(ctx context.Context, username, password string) (*Session, error) {
	_, loginURL, _ := b.urls()
	log := logrus.WithField("component", "auth").WithField("provider", b.Name())
	for {
		var data struct {
			Token string `json:"token"`
			Data  struct {
				User struct {
					ID int64 `json:"id"`
				} `json:"user"`
			} `json:"data"`
		}
		resp, err := b.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"mobile":   username,
				"password": password,
				"remember": true,
				"src":      "DESKTOP",
			}).
			SetResult(&data).
			Post(loginURL)
		if err != nil {
			log.Errorf("(username=%s) login user %v", username, err)
			if serr := sleepRetry(ctx, b.retry); serr != nil {
				return nil, serr
			}
			continue
		}
		if resp.StatusCode() != 200 {
			return nil, errors.Wrapf(ErrInvalidCredentials, "username %s, status %d", username, resp.StatusCode())
		}
		if data.Token == "" || data.Data.User.ID == 0 {
			return nil, errors.Wrapf(ErrInvalidCredentials, "username %s, incomplete reply", username)
		}
		cookies := make(map[string]string)
		for _, c := range resp.Cookies() {
			cookies[c.Name] = c.Value
		}
		return &Session{
			Username: username,
			UserID:   data.Data.User.ID,
			Token:    data.Token,
			Cookies:  cookies,
		}, nil
	}
}

func (b *betikaBackend) LoginHash(ctx context.Context, sess *Session, connID int) (string, error) {
	hashURL, _, _ := b.urls()
	log := logrus.WithField("component", "auth").WithField("provider", b.Name())
	for {
		var data struct {
			OnlineHash string `json:"onlineHash"`
		}
		req := b.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{"profile_id": sess.UserID}).
			SetResult(&data)
		for k, v := range sess.Cookies {
			req.SetCookie(&http.Cookie{Name: k, Value: v})
		}
		resp, err := req.Post(hashURL)
		if err == nil && resp.StatusCode() == 200 {
			// 部分站点用 text/json 回包，resty 不会自动解码
			if data.OnlineHash == "" {
				_ = json.Unmarshal(resp.Body(), &data)
			}
			if data.OnlineHash != "" {
				return data.OnlineHash, nil
			}
			err = errors.Wrapf(ErrInvalidHash, "username %s, status %d", sess.Username, resp.StatusCode())
		}
		log.Errorf("(username=%s, conn=%d) login hash %v", sess.Username, connID, err)
		if serr := sleepRetry(ctx, b.retry); serr != nil {
			return "", serr
		}
	}
}

func (b *betikaBackend) SyncBalance(ctx context.Context, sess *Session) (Balance, error) {
	_, _, balanceURL := b.urls()
	log := logrus.WithField("component", "auth").WithField("provider", b.Name())
	for {
		var data struct {
			Data struct {
				Balance decimal.Decimal `json:"balance"`
			} `json:"data"`
		}
		req := b.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{"token": sess.Token}).
			SetResult(&data)
		for k, v := range sess.Cookies {
			req.SetCookie(&http.Cookie{Name: k, Value: v})
		}
		resp, err := req.Post(balanceURL)
		if err == nil {
			if resp.StatusCode() == 200 {
				return Balance{Success: true, Amount: data.Data.Balance}, nil
			}
			return Balance{Success: false}, nil
		}
		log.Errorf("(username=%s) sync balance %v", sess.Username, err)
		if serr := sleepRetry(ctx, b.retry); serr != nil {
			return Balance{}, serr
		}
	}
}

// mozzartBackend mozzart 站点：hash 走带 cookie 的 GET
type mozzartBackend struct {
	client *resty.Client
	retry  time.Duration

	HashURL    string
	LoginURL   string
	BalanceURL string
}

func (m *mozzartBackend) Name() string { return "mozzart" }

func (m *mozzartBackend) urls() (hash, login, balance string) {
	hash = m.HashURL
	if hash == "" {
		hash = "https://www.mozzartbet.co.ke/golden-race-me"
	}
	login = m.LoginURL
	if login == "" {
		login = "https://www.mozzartbet.co.ke/auth"
	}
	balance = m.BalanceURL
	if balance == "" {
		balance = "https://www.mozzartbet.co.ke/myBalances"
	}
	return
}

// 站点要求一个稳定的浏览器指纹
const mozzartFingerprint = "a39ad90130543e3547bf7b2bda9369"

func (m *mozzartBackend) LoginPassword(ctx context.Context, username, password string) (*Session, error) {
	_, loginURL, _ := m.urls()
	log := logrus.WithField("component", "auth").WithField("provider", m.Name())
	for {
		var data struct {
			Status string `json:"status"`
			User   struct {
				UserID int64 `json:"userId"`
			} `json:"user"`
		}
		resp, err := m.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"fingerprint":  mozzartFingerprint,
				"isCasinoPage": false,
				"password":     password,
				"username":     username,
			}).
			SetResult(&data).
			Post(loginURL)
		if err != nil {
			log.Errorf("(username=%s) login user %v", username, err)
			if serr := sleepRetry(ctx, m.retry); serr != nil {
				return nil, serr
			}
			continue
		}
		if resp.StatusCode() != 200 || data.Status == "IVALID_CREDENTIALS" || data.User.UserID == 0 {
			return nil, errors.Wrapf(ErrInvalidCredentials, "username %s, status %d", username, resp.StatusCode())
		}
		cookies := make(map[string]string)
		for _, c := range resp.Cookies() {
			cookies[c.Name] = c.Value
		}
		return &Session{Username: username, UserID: data.User.UserID, Cookies: cookies}, nil
	}
}

func (m *mozzartBackend) LoginHash(ctx context.Context, sess *Session, connID int) (string, error) {
	hashURL, _, _ := m.urls()
	log := logrus.WithField("component", "auth").WithField("provider", m.Name())
	for {
		var data struct {
			OnlineHash string `json:"onlineHash"`
		}
		req := m.client.R().SetContext(ctx).SetResult(&data)
		for k, v := range sess.Cookies {
			req.SetCookie(&http.Cookie{Name: k, Value: v})
		}
		resp, err := req.Get(hashURL)
		if err == nil && resp.StatusCode() == 200 && data.OnlineHash != "" {
			return data.OnlineHash, nil
		}
		if err == nil {
			err = errors.Wrapf(ErrInvalidHash, "username %s, status %d", sess.Username, resp.StatusCode())
		}
		log.Errorf("(username=%s, conn=%d) login hash %v", sess.Username, connID, err)
		if serr := sleepRetry(ctx, m.retry); serr != nil {
			return "", serr
		}
	}
}

func (m *mozzartBackend) SyncBalance(ctx context.Context, sess *Session) (Balance, error) {
	_, _, balanceURL := m.urls()
	log := logrus.WithField("component", "auth").WithField("provider", m.Name())
	for {
		var data struct {
			BettingBalance decimal.Decimal `json:"bettingBalance"`
		}
		req := m.client.R().
			SetContext(ctx).
			SetBody(map[string]interface{}{
				"dontFetchOmegaBalance":    true,
				"shouldReloadOmegaBonuses": true,
				"username":                 sess.Username,
			}).
			SetResult(&data)
		for k, v := range sess.Cookies {
			req.SetCookie(&http.Cookie{Name: k, Value: v})
		}
		resp, err := req.Post(balanceURL)
		if err == nil {
			if resp.StatusCode() == 200 {
				return Balance{Success: true, Amount: data.BettingBalance}, nil
			}
			return Balance{Success: false}, nil
		}
		log.Errorf("(username=%s) sync balance %v", sess.Username, err)
		if serr := sleepRetry(ctx, m.retry); serr != nil {
			return Balance{}, serr
		}
	}
}
