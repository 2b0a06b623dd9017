package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbetio/vbet/internal/ticket"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "vbet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storedTicket(groupID int64) *ticket.Ticket {
	tk := ticket.NewTicket(groupID, "alpha")
	ev := ticket.NewEvent(1001, 14045, 3, nil)
	ev.AddBet(ticket.NewBet(55, "12", "1", decimal.NewFromFloat(2.0), decimal.NewFromInt(10)))
	tk.AddEvent(ev)
	tk.Stake = decimal.NewFromInt(10)
	return tk
}

func TestStoreSaveAndUpdateTicket(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := storedTicket(41)
	key, err := s.SaveTicket(ctx, "alpha", "betika", tk)
	require.NoError(t, err)
	require.Greater(t, key, int64(0))
	tk.Key = key

	tk.Status = ticket.StatusSuccess
	tk.TicketID = 900123
	tk.TotalWon = decimal.NewFromInt(20)
	require.NoError(t, s.UpdateTicket(ctx, tk))

	recs, err := s.LoadRecentTickets(ctx, "alpha", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, key, recs[0].Key)
	assert.Equal(t, ticket.StatusSuccess, recs[0].Status)
	assert.Equal(t, int64(900123), recs[0].TicketID)
	assert.True(t, recs[0].TotalWon.Equal(decimal.NewFromInt(20)))
	assert.True(t, recs[0].Demo)
	assert.NotEmpty(t, recs[0].Details)
}

func TestStoreRecentTicketsPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var keys []int64
	for i := 0; i < 5; i++ {
		key, err := s.SaveTicket(ctx, "alpha", "betika", storedTicket(int64(40+i)))
		require.NoError(t, err)
		keys = append(keys, key)
	}
	// 其他用户的票据不应混入
	_, err := s.SaveTicket(ctx, "beta", "betika", storedTicket(99))
	require.NoError(t, err)

	page, err := s.LoadRecentTickets(ctx, "alpha", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, keys[4], page[0].Key)
	assert.Equal(t, keys[3], page[1].Key)

	page, err = s.LoadRecentTickets(ctx, "alpha", page[1].Key, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, keys[2], page[0].Key)
}

func TestStoreUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := UserRecord{Username: "alpha", Provider: "betika", UserID: 7}
	require.NoError(t, s.SaveUser(ctx, u))
	u.UserID = 8
	require.NoError(t, s.SaveUser(ctx, u)) // upsert

	users, err := s.LoadUsers(ctx, "betika")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, int64(8), users[0].UserID)

	require.NoError(t, s.DeleteUser(ctx, "alpha"))
	users, err = s.LoadUsers(ctx, "betika")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestStoreProviderConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg, err := s.LoadProviderConfig(ctx, "betika")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, s.SaveProviderConfig(ctx, ProviderConfig{
		Name:     "betika",
		Settings: map[string]interface{}{"shard": float64(2)},
	}))

	cfg, err = s.LoadProviderConfig(ctx, "betika")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, float64(2), cfg.Settings["shard"])
}
