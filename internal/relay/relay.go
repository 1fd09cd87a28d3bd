// Package relay implements the relay engine (spec §4.5): binding each
// verified user to exactly one operator-side forum topic, delivering
// messages with a forward-then-copy fallback, recovering from a lost
// topic, and dispatching the info card and delivery acknowledgement.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybot/telegram-relaybot/internal/events"
	"github.com/relaybot/telegram-relaybot/internal/locks"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

// maxTopicNameLen bounds the forum topic name (spec §4.5 step 2).
const maxTopicNameLen = 128

// Status is the outcome of a relay attempt.
type Status string

const (
	StatusOK             Status = "ok"
	StatusDropped        Status = "dropped"         // lock contention, nothing changed
	StatusSessionExpired Status = "session_expired" // topic lost, user asked to resend
	StatusDeliveryFailed Status = "delivery_failed"
)

// InboxUpdater and BackupMirror are the fan-out collaborators invoked
// after a successful relay (spec §4.5 step 7); kept as narrow
// interfaces so internal/boards and the backup mirror can be wired
// independently of this package.
type InboxUpdater interface {
	UpdateCard(ctx context.Context, u *store.User, preview string) error
}

type BackupMirror interface {
	Mirror(ctx context.Context, u *store.User, msg *telegram.ClassifiedMessage) error
}

// ChatClient is the subset of *telegram.Client the relay engine needs;
// narrowed to an interface so tests can substitute a fake.
type ChatClient interface {
	ForwardMessage(chatID int64, threadID int, fromChatID int64, messageID int) (tgbotapi.Message, error)
	CopyMessage(chatID int64, threadID int, fromChatID int64, messageID int) (int, error)
	CreateForumTopic(chatID int64, name string) (int, error)
	EditForumTopicName(chatID int64, threadID int, name string) error
	SendText(chatID int64, threadID int, text string, html bool, replyTo int, silent bool) (tgbotapi.Message, error)
	SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	PinMessage(chatID int64, messageID int) error
	SetReaction(chatID int64, messageID int, emoji string) error
}

// Engine is the relay engine.
type Engine struct {
	db      store.Store
	client  ChatClient
	locks   *locks.Manager
	rules   *rules.Store
	bus     *events.Bus
	inbox   InboxUpdater
	backup  BackupMirror
	groupID int64
}

func New(db store.Store, client ChatClient, lm *locks.Manager, r *rules.Store, bus *events.Bus, inbox InboxUpdater, backup BackupMirror, groupID int64) *Engine {
	return &Engine{db: db, client: client, locks: lm, rules: r, bus: bus, inbox: inbox, backup: backup, groupID: groupID}
}

// Relay delivers msg from u into u's bound topic, creating or
// recovering the topic as needed (spec §4.5).
func (e *Engine) Relay(ctx context.Context, u *store.User, displayName, username string, msg *telegram.ClassifiedMessage) (Status, error) {
	e.refreshIdentity(ctx, u, displayName, username)

	if u.TopicID == nil {
		status, err := e.bindTopic(ctx, u, displayName)
		if err != nil {
			return StatusDeliveryFailed, err
		}
		if status != StatusOK {
			return status, nil
		}
	}

	fromChatID := msg.Raw.Chat.ID
	messageID := msg.Raw.MessageID
	topicID := *u.TopicID

	_, fwdErr := e.client.ForwardMessage(e.groupID, topicID, fromChatID, messageID)
	if fwdErr != nil {
		_, copyErr := e.client.CopyMessage(e.groupID, topicID, fromChatID, messageID)
		if copyErr != nil {
			if telegram.IsTopicLost(fwdErr) && telegram.IsTopicLost(copyErr) {
				return e.recoverFromLostTopic(ctx, u)
			}
			return StatusDeliveryFailed, fmt.Errorf("relay: forward and copy both failed: %w", copyErr)
		}
	}

	if msg.Text != "" {
		text := msg.Text
		_ = e.db.InsertMessage(ctx, &store.MessageRecord{
			UserID: u.UserID, MessageID: messageID, Text: &text, Date: time.Now().Unix(),
		})
	}

	e.ensureInfoCard(ctx, u, displayName, username, topicID)
	e.acknowledge(fromChatID, messageID)
	e.fanOut(ctx, u, msg)

	return StatusOK, nil
}

func (e *Engine) refreshIdentity(ctx context.Context, u *store.User, displayName, username string) {
	changed := false
	if displayName != "" && displayName != u.Info.DisplayName {
		u.Info.DisplayName = displayName
		changed = true
	}
	if username != "" && username != u.Info.Username {
		u.Info.Username = username
		changed = true
	}
	if !changed {
		return
	}
	if err := e.db.UpsertUser(ctx, u); err != nil {
		slog.Warn("relay: persist identity refresh failed", "user", u.UserID, "error", err)
		return
	}
	if u.TopicID != nil {
		name := topicName(displayName, u.UserID)
		if err := e.client.EditForumTopicName(e.groupID, *u.TopicID, name); err != nil {
			slog.Debug("relay: best-effort topic rename failed", "user", u.UserID, "error", err)
		}
	}
}

// bindTopic implements spec §4.5 step 2: non-blocking lock, re-read
// after acquiring, create-if-still-absent.
func (e *Engine) bindTopic(ctx context.Context, u *store.User, displayName string) (Status, error) {
	key := locks.TopicCreateKey(u.UserID)
	if !e.locks.TryAcquire(key, locks.TopicCreateTTL) {
		return StatusDropped, nil
	}
	defer e.locks.Release(key)

	fresh, err := e.db.GetUser(ctx, u.UserID)
	if err != nil {
		return StatusDeliveryFailed, fmt.Errorf("relay: re-read user before topic create: %w", err)
	}
	if fresh != nil && fresh.TopicID != nil {
		u.TopicID = fresh.TopicID
		u.Info = fresh.Info
		return StatusOK, nil
	}

	name := topicName(displayName, u.UserID)
	topicID, err := e.client.CreateForumTopic(e.groupID, name)
	if err != nil {
		return StatusDeliveryFailed, fmt.Errorf("relay: create forum topic: %w", err)
	}
	u.TopicID = &topicID
	if err := e.db.UpsertUser(ctx, u); err != nil {
		return StatusDeliveryFailed, fmt.Errorf("relay: persist new topic: %w", err)
	}
	e.bus.Publish(events.Event{Type: events.EventTopicCreated, UserID: u.UserID, TopicID: topicID, Message: "topic created"})
	return StatusOK, nil
}

// recoverFromLostTopic implements spec §4.5 step 4.
func (e *Engine) recoverFromLostTopic(ctx context.Context, u *store.User) (Status, error) {
	u.TopicID = nil
	if err := e.db.UpsertUser(ctx, u); err != nil {
		return StatusDeliveryFailed, fmt.Errorf("relay: clear lost topic: %w", err)
	}
	e.bus.Publish(events.Event{Type: events.EventTopicLost, UserID: u.UserID, Message: "bound topic lost"})

	notice := e.rules.Get(ctx, "session_expired_msg")
	if notice == "" {
		notice = "会话已过期，请重新发送消息 (session expired, please resend)"
	}
	if chatID, err := strconv.ParseInt(u.UserID, 10, 64); err == nil {
		if _, err := e.client.SendText(chatID, 0, notice, false, 0, false); err != nil {
			slog.Warn("relay: failed to notify user of session expiry", "user", u.UserID, "error", err)
		}
	}
	return StatusSessionExpired, nil
}

// ensureInfoCard implements spec §4.5 step 5: send once, pin
// best-effort, never fail the relay over a pin error.
func (e *Engine) ensureInfoCard(ctx context.Context, u *store.User, displayName, username string, topicID int) {
	if u.Info.CardMsgID != 0 {
		return
	}
	card := infoCardHTML(u, displayName, username)
	msg, err := e.client.SendTextWithKeyboard(e.groupID, topicID, card, true, infoCardKeyboard(u.UserID))
	if err != nil {
		slog.Warn("relay: failed to send info card", "user", u.UserID, "error", err)
		return
	}
	u.Info.CardMsgID = msg.MessageID
	if err := e.db.UpsertUser(ctx, u); err != nil {
		slog.Warn("relay: failed to persist info card id", "user", u.UserID, "error", err)
	}
	if err := e.client.PinMessage(e.groupID, msg.MessageID); err != nil {
		slog.Debug("relay: best-effort info card pin failed", "user", u.UserID, "error", err)
	}
}

// acknowledge implements spec §4.5 step 6: reaction preferred, text
// fallback on reaction failure.
func (e *Engine) acknowledge(chatID int64, messageID int) {
	if err := e.client.SetReaction(chatID, messageID, "👍"); err != nil {
		if _, sendErr := e.client.SendText(chatID, 0, "✅ 已送达", false, messageID, true); sendErr != nil {
			slog.Debug("relay: both reaction and fallback ack failed", "chat", chatID, "error", sendErr)
		}
	}
}

// fanOut implements spec §4.5 step 7: neither task may block or fail
// the primary relay.
func (e *Engine) fanOut(ctx context.Context, u *store.User, msg *telegram.ClassifiedMessage) {
	if e.inbox != nil {
		go func() {
			if err := e.inbox.UpdateCard(ctx, u, preview(msg.Text)); err != nil {
				slog.Debug("relay: inbox fan-out failed", "user", u.UserID, "error", err)
			}
		}()
	}
	if e.backup != nil {
		go func() {
			if err := e.backup.Mirror(ctx, u, msg); err != nil {
				slog.Debug("relay: backup mirror fan-out failed", "user", u.UserID, "error", err)
			}
		}()
	}
}

func topicName(displayName, userID string) string {
	name := fmt.Sprintf("%s | %s", displayName, userID)
	if len(name) > maxTopicNameLen {
		name = name[:maxTopicNameLen]
	}
	return name
}

func preview(text string) string {
	const previewLen = 20
	r := []rune(text)
	if len(r) > previewLen {
		return string(r[:previewLen]) + "…"
	}
	return string(r)
}

func infoCardHTML(u *store.User, displayName, username string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\nID: <code>%s</code>\n", displayName, u.UserID)
	if username != "" {
		fmt.Fprintf(&b, "@%s\n", username)
	}
	if u.Info.Note != "" {
		fmt.Fprintf(&b, "备注: %s\n", u.Info.Note)
	}
	return b.String()
}

// infoCardKeyboard builds the info card's control row (spec §4.5 step
// 5: Open profile, Block/Unblock, Edit note, Pin card).
func infoCardKeyboard(userID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("资料 Profile", "tg://user?id="+userID),
			tgbotapi.NewInlineKeyboardButtonData("拉黑 Block", "block:toggle:"+userID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("备注 Note", "note:edit:"+userID),
			tgbotapi.NewInlineKeyboardButtonData("置顶 Pin", "pin_card:do:"+userID),
		),
	)
}
