package admin

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

type fakeAdminClient struct {
	edits []string
}

func (f *fakeAdminClient) EditMessageText(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	f.edits = append(f.edits, text)
	return tgbotapi.Message{MessageID: messageID}, nil
}

func (f *fakeAdminClient) SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	return tgbotapi.Message{MessageID: 1}, nil
}

func (f *fakeAdminClient) AnswerCallback(callbackID, text string) error { return nil }

func newTestConsole(t *testing.T) (*Console, *rules.Store, *fakeAdminClient) {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r := rules.New(db, time.Minute, nil)
	client := &fakeAdminClient{}
	return New(r, client), r, client
}

func TestToggleFlipsAndRerendersOwningPanel(t *testing.T) {
	c, r, client := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.HandleCallback(ctx, "1", 100, 1, "cb1", "config:toggle:enable_text_forwarding"))
	require.True(t, r.GetBool(ctx, "enable_text_forwarding"))
	require.Contains(t, client.edits[len(client.edits)-1], "Content filters")
}

func TestRotateModeTransitionsPair(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "enable_verify", "true"))
	require.NoError(t, r.Set(ctx, "captcha_mode", "turnstile"))

	require.NoError(t, c.HandleCallback(ctx, "1", 100, 1, "cb1", "config:rotate_mode:"))
	require.Equal(t, "recaptcha", r.Get(ctx, "captcha_mode"))
	require.True(t, r.GetBool(ctx, "enable_verify"))

	require.NoError(t, c.HandleCallback(ctx, "1", 100, 1, "cb1", "config:rotate_mode:"))
	require.False(t, r.GetBool(ctx, "enable_verify"))
}

func TestEditFlowSetsInputStateThenAppliesOnNextMessage(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:edit:busy_msg"))
	st, ok := r.GetAdminInputState(ctx, "admin1")
	require.True(t, ok)
	require.Equal(t, "edit:busy_msg", st.Key)

	consumed, err := c.HandleTextInput(ctx, "admin1", &tgbotapi.Message{Text: "back in 5 min"})
	require.NoError(t, err)
	require.True(t, consumed)
	require.Equal(t, "back in 5 min", r.Get(ctx, "busy_msg"))

	_, ok = r.GetAdminInputState(ctx, "admin1")
	require.False(t, ok)
}

func TestAddFlowRejectsMalformedAutoReplyRule(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:add:auto_reply_rules"))
	consumed, err := c.HandleTextInput(ctx, "admin1", &tgbotapi.Message{Text: "no delimiter here"})
	require.True(t, consumed)
	require.Error(t, err)
	require.Empty(t, r.GetJSONList(ctx, "auto_reply_rules"))
}

func TestAddFlowAppendsValidAutoReplyRule(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:add:auto_reply_rules"))
	consumed, err := c.HandleTextInput(ctx, "admin1", &tgbotapi.Message{Text: "^hi$===hello there"})
	require.True(t, consumed)
	require.NoError(t, err)
	require.Len(t, r.GetJSONList(ctx, "auto_reply_rules"), 1)
}

func TestDeleteRemovesListItemByIndex(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()
	require.NoError(t, r.SetJSON(ctx, "block_keywords", []map[string]any{
		{"pattern": "spam"}, {"pattern": "scam"},
	}))

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:del:block_keywords:0"))
	list := r.GetJSONList(ctx, "block_keywords")
	require.Len(t, list, 1)
	require.Equal(t, "scam", list[0]["pattern"])
}

func TestClearWipesList(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()
	require.NoError(t, r.SetJSON(ctx, "authorized_admins", []map[string]any{{"id": "1"}}))

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:cl:authorized_admins"))
	require.Empty(t, r.GetJSONList(ctx, "authorized_admins"))
}

func TestCancelInputClearsStateWithoutApplying(t *testing.T) {
	c, r, _ := newTestConsole(t)
	ctx := context.Background()

	require.NoError(t, c.HandleCallback(ctx, "admin1", 100, 1, "cb1", "config:edit:busy_msg"))
	consumed, err := c.HandleTextInput(ctx, "admin1", &tgbotapi.Message{Text: "/cancel"})
	require.NoError(t, err)
	require.True(t, consumed)
	require.Empty(t, r.Get(ctx, "busy_msg"))
}

func TestHandleTextInputIgnoredWhenNoPendingState(t *testing.T) {
	c, _, _ := newTestConsole(t)
	ctx := context.Background()

	consumed, err := c.HandleTextInput(ctx, "admin1", &tgbotapi.Message{Text: "hello"})
	require.NoError(t, err)
	require.False(t, consumed)
}
