package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

func newTestMachine(t *testing.T) (*Machine, *store.SQLiteStore) {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := rules.New(db, time.Minute, nil)
	return New(db, r), db
}

func TestHandleStartBothGatesOn(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	u, err := m.HandleStart(ctx, "u1", false, Gates{CaptchaEnabled: true, QAEnabled: true})
	require.NoError(t, err)
	require.Equal(t, store.StatePendingTurnstile, u.State)
}

func TestHandleStartBothGatesOff(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	u, err := m.HandleStart(ctx, "u1", false, Gates{})
	require.NoError(t, err)
	require.Equal(t, store.StateVerified, u.State)
}

func TestHandleStartAdminBypass(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	u, err := m.HandleStart(ctx, "admin1", true, Gates{CaptchaEnabled: true, QAEnabled: true})
	require.NoError(t, err)
	require.Equal(t, store.StateVerified, u.State)
}

func TestHandleStartSelfUnblock(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertUser(ctx, &store.User{UserID: "u1", State: store.StateVerified, IsBlocked: true, BlockCount: 5}))

	u, err := m.HandleStart(ctx, "u1", false, Gates{})
	require.NoError(t, err)
	require.False(t, u.IsBlocked)
	require.Equal(t, 0, u.BlockCount)
	require.Equal(t, store.StateVerified, u.State) // both gates off here
}

func TestCaptchaThenQAFlow(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	_, err := m.HandleStart(ctx, "u1", false, Gates{CaptchaEnabled: true, QAEnabled: true})
	require.NoError(t, err)

	u, err := m.CompleteCaptcha(ctx, "u1", true)
	require.NoError(t, err)
	require.Equal(t, store.StatePendingVerification, u.State)

	u, err = m.CompleteQA(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, store.StateVerified, u.State)
}

func TestRecordViolationBlocksAtThreshold(t *testing.T) {
	m, db := newTestMachine(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertUser(ctx, &store.User{UserID: "u1", State: store.StateVerified}))
	u, err := db.GetUser(ctx, "u1")
	require.NoError(t, err)

	var blocked bool
	for i := 0; i < 3; i++ {
		blocked, err = m.RecordViolation(ctx, u, 3)
		require.NoError(t, err)
	}
	require.True(t, blocked)
	require.True(t, u.IsBlocked)
	require.Equal(t, 3, u.BlockCount)
}

func TestIsAdminFromEnvAndConfigList(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	envAdmins := map[string]struct{}{"111": {}}
	require.True(t, m.IsAdmin(ctx, "111", envAdmins))
	require.False(t, m.IsAdmin(ctx, "222", envAdmins))

	require.NoError(t, m.rules.SetJSON(ctx, "authorized_admins", []map[string]any{{"id": "222"}}))
	require.True(t, m.IsAdmin(ctx, "222", envAdmins))
}
