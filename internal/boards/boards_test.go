package boards

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

var errEditFailed = errors.New("edit failed")

type fakeBoardClient struct {
	topics        int
	sent          int
	edited        int
	editShallFail bool
	deleted       []int
}

func (f *fakeBoardClient) CreateForumTopic(chatID int64, name string) (int, error) {
	f.topics++
	return f.topics, nil
}

func (f *fakeBoardClient) SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	f.sent++
	return tgbotapi.Message{MessageID: 100 + f.sent}, nil
}

func (f *fakeBoardClient) EditMessageText(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	if f.editShallFail {
		return tgbotapi.Message{}, errEditFailed
	}
	f.edited++
	return tgbotapi.Message{MessageID: messageID}, nil
}

func (f *fakeBoardClient) DeleteMessage(chatID int64, messageID int) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

func newTestBoards(t *testing.T, client BoardClient) (*Boards, *store.SQLiteStore) {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := rules.New(db, time.Minute, nil)
	lm := locks.New()
	return New(db, client, lm, r, -100123), db
}

func TestUpdateCardCreatesTopicAndCardOnce(t *testing.T) {
	client := &fakeBoardClient{}
	b, db := newTestBoards(t, client)
	ctx := context.Background()

	topicID := 7
	u := &store.User{UserID: "1", TopicID: &topicID, Info: store.UserInfo{DisplayName: "Alice"}}
	require.NoError(t, db.UpsertUser(ctx, u))

	require.NoError(t, b.UpdateCard(ctx, u, "hello"))
	require.Equal(t, 1, client.topics)
	require.Equal(t, 1, client.sent)
	require.NotZero(t, u.Info.InboxMsgID)
}

func TestUpdateCardEditsExistingCard(t *testing.T) {
	client := &fakeBoardClient{}
	b, db := newTestBoards(t, client)
	ctx := context.Background()

	topicID := 7
	u := &store.User{UserID: "1", TopicID: &topicID, Info: store.UserInfo{DisplayName: "Alice", InboxMsgID: 555}}
	require.NoError(t, db.UpsertUser(ctx, u))

	require.NoError(t, b.UpdateCard(ctx, u, "hello again"))
	require.Equal(t, 1, client.edited)
	require.Equal(t, 0, client.sent)
}

func TestUpdateCardRepostsWhenEditFails(t *testing.T) {
	client := &fakeBoardClient{editShallFail: true}
	b, db := newTestBoards(t, client)
	ctx := context.Background()

	topicID := 7
	u := &store.User{UserID: "1", TopicID: &topicID, Info: store.UserInfo{DisplayName: "Alice", InboxMsgID: 555}}
	require.NoError(t, db.UpsertUser(ctx, u))

	require.NoError(t, b.UpdateCard(ctx, u, "hello"))
	require.Equal(t, 1, client.sent)
}

func TestAcknowledgeDeletesCard(t *testing.T) {
	client := &fakeBoardClient{}
	b, db := newTestBoards(t, client)
	ctx := context.Background()

	u := &store.User{UserID: "1", Info: store.UserInfo{InboxMsgID: 42}}
	require.NoError(t, db.UpsertUser(ctx, u))

	require.NoError(t, b.Acknowledge(ctx, u))
	require.Contains(t, client.deleted, 42)
	require.Zero(t, u.Info.InboxMsgID)
}

func TestBlacklistCardLifecycle(t *testing.T) {
	client := &fakeBoardClient{}
	b, db := newTestBoards(t, client)
	ctx := context.Background()

	u := &store.User{UserID: "1", IsBlocked: true, BlockCount: 3}
	require.NoError(t, db.UpsertUser(ctx, u))

	require.NoError(t, b.PostBlacklistCard(ctx, u))
	require.Equal(t, 1, client.topics)
	require.NotZero(t, u.Info.BlacklistMsgID)

	// Posting again while a card already exists must not duplicate.
	require.NoError(t, b.PostBlacklistCard(ctx, u))
	require.Equal(t, 1, client.sent)

	msgID := u.Info.BlacklistMsgID
	require.NoError(t, b.RemoveBlacklistCard(ctx, u))
	require.Contains(t, client.deleted, msgID)
	require.Zero(t, u.Info.BlacklistMsgID)
}
