package backup

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

type fakeClient struct {
	calls int
	err   error
}

func (f *fakeClient) CopyMessage(chatID int64, threadID int, fromChatID int64, messageID int) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 99, nil
}

func classified(chatID int64, messageID int) *telegram.ClassifiedMessage {
	return &telegram.ClassifiedMessage{Raw: &tgbotapi.Message{
		Chat:      &tgbotapi.Chat{ID: chatID},
		MessageID: messageID,
	}}
}

func TestMirrorSkipsWhenGroupUnset(t *testing.T) {
	client := &fakeClient{}
	m := New(client, 0)

	err := m.Mirror(context.Background(), &store.User{UserID: "1"}, classified(1, 10))

	require.NoError(t, err)
	require.Equal(t, 0, client.calls)
}

func TestMirrorCopiesIntoBackupGroup(t *testing.T) {
	client := &fakeClient{}
	m := New(client, 555)

	err := m.Mirror(context.Background(), &store.User{UserID: "1"}, classified(1, 10))

	require.NoError(t, err)
	require.Equal(t, 1, client.calls)
}

func TestMirrorPropagatesCopyError(t *testing.T) {
	client := &fakeClient{err: errors.New("boom")}
	m := New(client, 555)

	err := m.Mirror(context.Background(), &store.User{UserID: "1"}, classified(1, 10))

	require.Error(t, err)
}
