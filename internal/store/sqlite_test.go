package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetConfig(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetConfig(ctx, "welcome_msg", "hello"))
	v, ok, err := s.GetConfig(ctx, "welcome_msg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", v)

	// overwrite
	require.NoError(t, s.SetConfig(ctx, "welcome_msg", "hi there"))
	v, _, _ = s.GetConfig(ctx, "welcome_msg")
	require.Equal(t, "hi there", v)

	require.NoError(t, s.DeleteConfig(ctx, "welcome_msg"))
	_, ok, _ = s.GetConfig(ctx, "welcome_msg")
	require.False(t, ok)
}

func TestUserUpsertRoundTripAndInfoMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	topic := 42
	u := &User{UserID: "u1", State: StateVerified, TopicID: &topic, Info: UserInfo{DisplayName: "Alice"}}
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Alice", got.Info.DisplayName)
	require.NotNil(t, got.TopicID)
	require.Equal(t, 42, *got.TopicID)

	// Merge discipline: partial patch doesn't drop DisplayName.
	got.Info = got.Info.Merge(UserInfo{Note: "vip"})
	require.NoError(t, s.UpsertUser(ctx, got))

	got2, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Alice", got2.Info.DisplayName)
	require.Equal(t, "vip", got2.Info.Note)
}

func TestUserInfoMergeClearNote(t *testing.T) {
	ui := UserInfo{Note: "something"}
	ui = ui.Merge(UserInfo{Note: ClearNoteSentinel})
	require.Equal(t, "", ui.Note)
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	text := "hello world"
	require.NoError(t, s.InsertMessage(ctx, &MessageRecord{UserID: "u1", MessageID: 5, Text: &text, Date: 100}))

	m, err := s.GetMessage(ctx, "u1", 5)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, "hello world", *m.Text)

	n, err := s.PurgeOldMessages(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	m, err = s.GetMessage(ctx, "u1", 5)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestListBlockedUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &User{UserID: "a", IsBlocked: true}))
	require.NoError(t, s.UpsertUser(ctx, &User{UserID: "b", IsBlocked: false}))

	blocked, err := s.ListBlockedUsers(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	require.Equal(t, "a", blocked[0].UserID)
}
