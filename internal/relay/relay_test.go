package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/events"
	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

type fakeClient struct {
	mu           sync.Mutex
	forwardErr   error
	copyErr      error
	createTopics int
	topicID      int
	reactionErr  error
	sentTexts    []string
}

func (f *fakeClient) ForwardMessage(chatID int64, threadID int, fromChatID int64, messageID int) (tgbotapi.Message, error) {
	if f.forwardErr != nil {
		return tgbotapi.Message{}, f.forwardErr
	}
	return tgbotapi.Message{MessageID: 999}, nil
}

func (f *fakeClient) CopyMessage(chatID int64, threadID int, fromChatID int64, messageID int) (int, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	return 1000, nil
}

func (f *fakeClient) CreateForumTopic(chatID int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createTopics++
	f.topicID++
	return f.topicID, nil
}

func (f *fakeClient) EditForumTopicName(chatID int64, threadID int, name string) error { return nil }

func (f *fakeClient) SendText(chatID int64, threadID int, text string, html bool, replyTo int, silent bool) (tgbotapi.Message, error) {
	f.mu.Lock()
	f.sentTexts = append(f.sentTexts, text)
	f.mu.Unlock()
	return tgbotapi.Message{MessageID: 1}, nil
}

func (f *fakeClient) SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	return tgbotapi.Message{MessageID: 42}, nil
}

func (f *fakeClient) PinMessage(chatID int64, messageID int) error { return nil }

func (f *fakeClient) SetReaction(chatID int64, messageID int, emoji string) error {
	return f.reactionErr
}

func newTestEngine(t *testing.T, client ChatClient) (*Engine, *store.SQLiteStore) {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := rules.New(db, time.Minute, nil)
	lm := locks.New()
	bus := events.NewBus(16)
	return New(db, client, lm, r, bus, nil, nil, -100123), db
}

func inboundMessage(chatID int64, messageID int, text string) *telegram.ClassifiedMessage {
	return telegram.Classify(&tgbotapi.Message{
		MessageID: messageID,
		Chat:      &tgbotapi.Chat{ID: chatID},
		Text:      text,
	})
}

func TestRelayCreatesTopicOnFirstMessage(t *testing.T) {
	client := &fakeClient{}
	e, db := newTestEngine(t, client)
	ctx := context.Background()

	u := &store.User{UserID: "555", State: store.StateVerified}
	require.NoError(t, db.UpsertUser(ctx, u))

	status, err := e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 1, "hello"))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 1, client.createTopics)
	require.NotNil(t, u.TopicID)

	got, err := db.GetUser(ctx, "555")
	require.NoError(t, err)
	require.NotNil(t, got.TopicID)
}

func TestRelayReusesExistingTopic(t *testing.T) {
	client := &fakeClient{}
	e, db := newTestEngine(t, client)
	ctx := context.Background()

	topic := 7
	u := &store.User{UserID: "555", State: store.StateVerified, TopicID: &topic}
	require.NoError(t, db.UpsertUser(ctx, u))

	status, err := e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 2, "hello again"))
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 0, client.createTopics)
}

func TestRelayTopicLostRecovery(t *testing.T) {
	client := &fakeClient{
		forwardErr: errors.New("Bad Request: message thread not found"),
		copyErr:    errors.New("Bad Request: message thread not found"),
	}
	e, db := newTestEngine(t, client)
	ctx := context.Background()

	topic := 7
	u := &store.User{UserID: "555", State: store.StateVerified, TopicID: &topic}
	require.NoError(t, db.UpsertUser(ctx, u))

	status, err := e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 3, "hello"))
	require.NoError(t, err)
	require.Equal(t, StatusSessionExpired, status)
	require.Nil(t, u.TopicID)

	got, err := db.GetUser(ctx, "555")
	require.NoError(t, err)
	require.Nil(t, got.TopicID)
	require.NotEmpty(t, client.sentTexts)
}

func TestRelayAckFallsBackToTextOnReactionFailure(t *testing.T) {
	client := &fakeClient{reactionErr: errors.New("reactions disabled")}
	e, db := newTestEngine(t, client)
	ctx := context.Background()

	u := &store.User{UserID: "555", State: store.StateVerified}
	require.NoError(t, db.UpsertUser(ctx, u))

	_, err := e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 4, "hello"))
	require.NoError(t, err)
	require.Contains(t, client.sentTexts, "✅ 已送达")
}

func TestRelayInfoCardSentOnce(t *testing.T) {
	client := &fakeClient{}
	e, db := newTestEngine(t, client)
	ctx := context.Background()

	u := &store.User{UserID: "555", State: store.StateVerified}
	require.NoError(t, db.UpsertUser(ctx, u))

	_, err := e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 5, "first"))
	require.NoError(t, err)
	require.Equal(t, 42, u.Info.CardMsgID)

	_, err = e.Relay(ctx, u, "Alice", "alice", inboundMessage(555, 6, "second"))
	require.NoError(t, err)
	require.Equal(t, 42, u.Info.CardMsgID) // unchanged: only sent once
}
