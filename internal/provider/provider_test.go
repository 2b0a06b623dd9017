package provider

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbetio/vbet/internal/auth"
	"github.com/vbetio/vbet/internal/controlbus"
	"github.com/vbetio/vbet/internal/gateway"
	"github.com/vbetio/vbet/internal/protocol"
	"github.com/vbetio/vbet/internal/store"
	"github.com/vbetio/vbet/internal/ticket"
	"github.com/vbetio/vbet/pkg/config"
)

type fakeBus struct {
	mu       sync.Mutex
	messages chan controlbus.Message
	pushes   []pushRecord
	live     map[string]bool
	online   int
}

type pushRecord struct {
	channel string
	session string
	uri     string
	body    interface{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		messages: make(chan controlbus.Message, 16),
		live:     make(map[string]bool),
	}
}

func (f *fakeBus) Messages() <-chan controlbus.Message { return f.messages }

func (f *fakeBus) SendToSession(channelName, sessionKey, uri string, body interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{channel: channelName, session: sessionKey, uri: uri, body: body})
}

func (f *fakeBus) SetOnline(ctx context.Context, users int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = users
	return nil
}

func (f *fakeBus) SetUserLive(ctx context.Context, username string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[username] = true
	return nil
}

func (f *fakeBus) ClearUserLive(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, username)
	return nil
}

func (f *fakeBus) pushed(uri string) []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pushRecord
	for _, p := range f.pushes {
		if p.uri == uri {
			out = append(out, p)
		}
	}
	return out
}

type fakeGateway struct {
	mu     sync.Mutex
	nextXS int64
	sends  []protocol.Resource
}

func (f *fakeGateway) Acquire(userID int64, username string, streamID int, reuse bool) *gateway.Connection {
	return nil
}

func (f *fakeGateway) ReleaseUser(userID int64) {}

func (f *fakeGateway) Send(userID int64, resource protocol.Resource, body interface{}, method string, connHint int) (int64, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, resource)
	xs := f.nextXS
	f.nextXS++
	return xs, 1
}

func (f *fakeGateway) Authorize(connID int, userID int64, clientID string) {}

func (f *fakeGateway) MarkUnauthenticated(connID int, userID int64) {}

func (f *fakeGateway) Start() {}

func (f *fakeGateway) Close(ctx context.Context) {}

func (f *fakeGateway) sent(resource protocol.Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.sends {
		if r == resource {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu       sync.Mutex
	nextKey  int64
	users    map[string]store.UserRecord
	recent   []store.TicketRecord
	provider *store.ProviderConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]store.UserRecord)}
}

func (f *fakeStore) SaveTicket(ctx context.Context, username, provider string, t *ticket.Ticket) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextKey++
	return f.nextKey, nil
}

func (f *fakeStore) UpdateTicket(ctx context.Context, t *ticket.Ticket) error { return nil }

func (f *fakeStore) LoadRecentTickets(ctx context.Context, username string, beforeKey int64, count int) ([]store.TicketRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeStore) SaveUser(ctx context.Context, u store.UserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Username] = u
	return nil
}

func (f *fakeStore) LoadUsers(ctx context.Context, provider string) ([]store.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.UserRecord, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) DeleteUser(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, username)
	return nil
}

func (f *fakeStore) LoadProviderConfig(ctx context.Context, name string) (*store.ProviderConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provider, nil
}

func (f *fakeStore) SaveProviderConfig(ctx context.Context, cfg store.ProviderConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provider = &cfg
	return nil
}

func (f *fakeStore) Close() error { return nil }

type fakeBackend struct{}

func (fakeBackend) Name() string { return "betika" }

func (fakeBackend) LoginPassword(ctx context.Context, username, password string) (*auth.Session, error) {
	if password == "wrong" {
		return nil, auth.ErrInvalidCredentials
	}
	return &auth.Session{Username: username, UserID: 7, Token: "tok"}, nil
}

func (fakeBackend) LoginHash(ctx context.Context, sess *auth.Session, connID int) (string, error) {
	return "hash", nil
}

func (fakeBackend) SyncBalance(ctx context.Context, sess *auth.Session) (auth.Balance, error) {
	return auth.Balance{Success: true, Amount: decimal.NewFromInt(50)}, nil
}

type providerHarness struct {
	p   *Provider
	bus *fakeBus
	gw  *fakeGateway
	db  *fakeStore
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Provider.Name = "betika"
	cfg.Provider.ScanInterval = 20 * time.Millisecond
	cfg.Tickets.SentDeadline = 50 * time.Millisecond
	return cfg
}

func newProviderHarness(t *testing.T) *providerHarness {
	t.Helper()
	bus := newFakeBus()
	gw := &fakeGateway{}
	db := newFakeStore()
	p := New(testConfig(), db, bus, auth.NewService(fakeBackend{}, nil))
	p.AttachPool(gw)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)
	return &providerHarness{p: p, bus: bus, gw: gw, db: db}
}

func message(uri, username string, body map[string]interface{}) controlbus.Message {
	raw, _ := json.Marshal(body)
	return controlbus.Message{
		URI:         uri,
		SessionKey:  "9f3c",
		ChannelName: "specific.abc",
		Username:    username,
		Body:        raw,
	}
}

func (h *providerHarness) waitUser(t *testing.T, username string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.p.userByName(username) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProviderAddRegistersUser(t *testing.T) {
	h := newProviderHarness(t)

	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "secret",
	})
	h.waitUser(t, "alpha")

	require.Eventually(t, func() bool {
		return len(h.bus.pushed("provider_add")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.db.mu.Lock()
	_, saved := h.db.users["alpha"]
	h.db.mu.Unlock()
	assert.True(t, saved)

	h.bus.mu.Lock()
	assert.True(t, h.bus.live["alpha"])
	assert.Equal(t, 1, h.bus.online)
	h.bus.mu.Unlock()
}

func TestProviderAddRejectsBadCredentials(t *testing.T) {
	h := newProviderHarness(t)

	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "wrong",
	})
	require.Eventually(t, func() bool {
		return len(h.bus.pushed("provider_add")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	push := h.bus.pushed("provider_add")[0]
	body := push.body.(map[string]interface{})
	assert.Equal(t, false, body["success"])
	assert.Nil(t, h.p.userByName("alpha"))
}

func TestProviderOnlineRestoresFromStore(t *testing.T) {
	h := newProviderHarness(t)
	session, _ := json.Marshal(auth.Session{Username: "alpha", UserID: 7, Token: "tok"})
	require.NoError(t, h.db.SaveUser(context.Background(), store.UserRecord{
		Username: "alpha", Provider: "betika", UserID: 7, Session: session,
	}))

	h.bus.messages <- message("online", "alpha", map[string]interface{}{"username": "alpha"})
	h.waitUser(t, "alpha")

	require.Eventually(t, func() bool {
		return len(h.bus.pushed("init")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	body := h.bus.pushed("init")[0].body.(map[string]interface{})
	assert.Equal(t, true, body["success"])
}

func TestProviderRestoresUsersAtBoot(t *testing.T) {
	bus := newFakeBus()
	gw := &fakeGateway{}
	db := newFakeStore()
	session, _ := json.Marshal(auth.Session{Username: "alpha", UserID: 7, Token: "tok"})
	require.NoError(t, db.SaveUser(context.Background(), store.UserRecord{
		Username: "alpha", Provider: "betika", UserID: 7, Session: session,
	}))

	p := New(testConfig(), db, bus, auth.NewService(fakeBackend{}, nil))
	p.AttachPool(gw)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)

	assert.NotNil(t, p.userByName("alpha"))
}

func TestProviderAuthAndDeauth(t *testing.T) {
	h := newProviderHarness(t)
	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "secret",
	})
	h.waitUser(t, "alpha")

	h.bus.messages <- message("auth", "alpha", map[string]interface{}{"username": "alpha"})
	require.Eventually(t, func() bool {
		return len(h.bus.pushed("init")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.bus.messages <- message("deauth", "alpha", nil)
	require.Eventually(t, func() bool {
		return h.p.userByName("alpha").WsSessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestProviderTicketsHistory(t *testing.T) {
	h := newProviderHarness(t)
	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "secret",
	})
	h.waitUser(t, "alpha")
	h.db.mu.Lock()
	h.db.recent = []store.TicketRecord{{
		Key: 12, Username: "alpha", Player: "alpha",
		Status: ticket.StatusSuccess, TicketStatus: "PAIDOUT",
		Stake: decimal.NewFromInt(10), TotalWon: decimal.NewFromInt(20),
	}}
	h.db.mu.Unlock()

	h.bus.messages <- message("tickets", "alpha", map[string]interface{}{"n": 5})
	require.Eventually(t, func() bool {
		return len(h.bus.pushed("tickets")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	data := h.bus.pushed("tickets")[0].body.(map[string]interface{})
	assert.Contains(t, data, "12")
}

func TestProviderScannerProbesOverdueTickets(t *testing.T) {
	h := newProviderHarness(t)
	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "secret",
	})
	h.waitUser(t, "alpha")
	u := h.p.userByName("alpha")
	u.Account().Update(decimal.NewFromInt(500))

	tk := ticket.NewTicket(41, "alpha")
	tk.Demo = false
	ev := ticket.NewEvent(1001, 14045, 3, nil)
	ev.AddBet(ticket.NewBet(55, "12", "1", decimal.NewFromFloat(2.0), decimal.NewFromInt(10)))
	tk.AddEvent(ev)
	tk.Stake = decimal.NewFromInt(10)
	require.NoError(t, u.RegisterTicket(context.Background(), tk))

	require.Eventually(t, func() bool {
		return u.Tickets().StatusOf(tk) == ticket.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	// 超过回执窗口后巡检发起 findById 回查
	require.Eventually(t, func() bool {
		return h.gw.sent(protocol.ResourceTicketFindByID) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

// 场景：首启把默认运行参数落库，有记录时启动读库叠加
func TestProviderLoadsStoredConfig(t *testing.T) {
	h := newProviderHarness(t)

	h.db.mu.Lock()
	saved := h.db.provider
	h.db.mu.Unlock()
	require.NotNil(t, saved, "defaults must be persisted on first boot")
	assert.Equal(t, int64(20), saved.Settings["scan_interval_ms"])

	db := newFakeStore()
	require.NoError(t, db.SaveProviderConfig(context.Background(), store.ProviderConfig{
		Name:     "betika",
		Settings: map[string]interface{}{"scan_interval_ms": float64(70)},
	}))
	p := New(testConfig(), db, newFakeBus(), auth.NewService(fakeBackend{}, nil))
	p.AttachPool(&fakeGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.Start(ctx)

	assert.Equal(t, 70*time.Millisecond, p.cfg.Provider.ScanInterval)
}

func TestProviderRemoveUser(t *testing.T) {
	h := newProviderHarness(t)
	h.bus.messages <- message("add", "", map[string]interface{}{
		"username": "alpha", "password": "secret",
	})
	h.waitUser(t, "alpha")

	h.p.RemoveUser(context.Background(), "alpha")
	assert.Nil(t, h.p.userByName("alpha"))
	h.bus.mu.Lock()
	assert.Equal(t, 0, h.bus.online)
	assert.False(t, h.bus.live["alpha"])
	h.bus.mu.Unlock()
}
