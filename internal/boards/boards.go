// Package boards implements the Inbox Board and Blacklist Board (spec
// §4.7): two auto-provisioned singleton forum topics in the operator
// group that aggregate, respectively, an "unread" card per active user
// and a "blocked" card per blocked user.
package boards

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

// BoardClient is the subset of *telegram.Client the boards need.
type BoardClient interface {
	CreateForumTopic(chatID int64, name string) (int, error)
	SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	EditMessageText(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	DeleteMessage(chatID int64, messageID int) error
}

// Boards manages the inbox and blacklist boards.
type Boards struct {
	db      store.Store
	client  BoardClient
	locks   *locks.Manager
	rules   *rules.Store
	groupID int64
}

func New(db store.Store, client BoardClient, lm *locks.Manager, r *rules.Store, groupID int64) *Boards {
	return &Boards{db: db, client: client, locks: lm, rules: r, groupID: groupID}
}

// UpdateCard implements relay.InboxUpdater: edit the user's existing
// inbox card, or post a new one, with an identity summary, a preview
// of the latest message, and a jump-to-thread link (spec §4.7).
func (b *Boards) UpdateCard(ctx context.Context, u *store.User, preview string) error {
	key := locks.InboxKey(u.UserID)
	if !b.locks.TryAcquire(key, locks.InboxTTL) {
		return nil
	}
	defer b.locks.Release(key)

	topicID, err := b.ensureTopic(ctx, "unread_topic_id", "📥 Inbox")
	if err != nil {
		return fmt.Errorf("boards: ensure inbox topic: %w", err)
	}

	text := inboxCardHTML(u, preview, b.jumpURL(u))
	kb := inboxKeyboard(u.UserID)

	if u.Info.InboxMsgID != 0 {
		if _, err := b.client.EditMessageText(b.groupID, u.Info.InboxMsgID, text, &kb); err == nil {
			return nil
		}
		slog.Debug("boards: inbox card edit failed, reposting", "user", u.UserID)
	}

	msg, err := b.client.SendTextWithKeyboard(b.groupID, topicID, text, true, kb)
	if err != nil {
		return fmt.Errorf("boards: send inbox card: %w", err)
	}
	u.Info.InboxMsgID = msg.MessageID
	return b.db.UpsertUser(ctx, u)
}

// Acknowledge deletes a user's inbox card (the "inbox:ack" callback).
func (b *Boards) Acknowledge(ctx context.Context, u *store.User) error {
	if u.Info.InboxMsgID == 0 {
		return nil
	}
	if err := b.client.DeleteMessage(b.groupID, u.Info.InboxMsgID); err != nil {
		slog.Debug("boards: inbox card delete failed", "user", u.UserID, "error", err)
	}
	u.Info.InboxMsgID = 0
	return b.db.UpsertUser(ctx, u)
}

// PostBlacklistCard posts a card when a user becomes blocked, whether
// by manual action or keyword-violation accrual (spec §4.6.2, §4.7).
func (b *Boards) PostBlacklistCard(ctx context.Context, u *store.User) error {
	topicID, err := b.ensureTopic(ctx, "blocked_topic_id", "🚫 Blacklist")
	if err != nil {
		return fmt.Errorf("boards: ensure blacklist topic: %w", err)
	}
	if u.Info.BlacklistMsgID != 0 {
		return nil
	}
	text := blacklistCardHTML(u)
	msg, err := b.client.SendTextWithKeyboard(b.groupID, topicID, text, true, blacklistKeyboard(u.UserID))
	if err != nil {
		return fmt.Errorf("boards: send blacklist card: %w", err)
	}
	u.Info.BlacklistMsgID = msg.MessageID
	return b.db.UpsertUser(ctx, u)
}

// RemoveBlacklistCard deletes a user's blacklist card on unblock.
func (b *Boards) RemoveBlacklistCard(ctx context.Context, u *store.User) error {
	if u.Info.BlacklistMsgID == 0 {
		return nil
	}
	if err := b.client.DeleteMessage(b.groupID, u.Info.BlacklistMsgID); err != nil {
		slog.Debug("boards: blacklist card delete failed", "user", u.UserID, "error", err)
	}
	u.Info.BlacklistMsgID = 0
	return b.db.UpsertUser(ctx, u)
}

// ensureTopic returns the singleton topic id stored at configKey,
// creating it on first use.
func (b *Boards) ensureTopic(ctx context.Context, configKey, name string) (int, error) {
	if raw := b.rules.Get(ctx, configKey); raw != "" {
		if id, err := strconv.Atoi(raw); err == nil {
			return id, nil
		}
	}
	topicID, err := b.client.CreateForumTopic(b.groupID, name)
	if err != nil {
		return 0, err
	}
	if err := b.rules.Set(ctx, configKey, strconv.Itoa(topicID)); err != nil {
		return 0, err
	}
	return topicID, nil
}

// jumpURL builds the "jump to thread" link (spec §4.7): the admin
// group id with its leading -100 stripped, as Telegram's internal
// numeric chat id for t.me/c links.
func (b *Boards) jumpURL(u *store.User) string {
	if u.TopicID == nil {
		return ""
	}
	internal := strings.TrimPrefix(strconv.FormatInt(b.groupID, 10), "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, *u.TopicID)
}

func inboxCardHTML(u *store.User, preview, jumpURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", u.Info.DisplayName)
	if u.Info.Username != "" {
		fmt.Fprintf(&b, " (@%s)", u.Info.Username)
	}
	b.WriteString("\n")
	if preview != "" {
		fmt.Fprintf(&b, "%s\n", preview)
	}
	if jumpURL != "" {
		fmt.Fprintf(&b, "<a href=\"%s\">跳转 Jump</a>", jumpURL)
	}
	return b.String()
}

func blacklistCardHTML(u *store.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\nID: <code>%s</code>\n已拉黑 (%d)", u.Info.DisplayName, u.UserID, u.BlockCount)
	return b.String()
}

func inboxKeyboard(userID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("已读 Ack", "inbox:ack:"+userID),
		),
	)
}

func blacklistKeyboard(userID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("解封 Unblock", "unblock:do:"+userID),
		),
	)
}
