// Package telegram wraps the bot API client used to talk to Telegram:
// a thin Call layer over tgbotapi for the handful of forum and message
// methods the relay needs, plus helpers to classify API errors and
// message content (spec §4.2, §4.6.2).
package telegram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Client wraps a tgbotapi.BotAPI with the relay's own HTTP client
// (proxy + TLS fingerprint, internal/transport) and a narrow surface
// for the handful of methods the relay needs.
type Client struct {
	api *tgbotapi.BotAPI
}

// New constructs a Client for botToken using httpClient for outbound
// requests.
func New(botToken string, httpClient *http.Client) (*Client, error) {
	api, err := tgbotapi.NewBotAPIWithClient(botToken, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot api: %w", err)
	}
	return &Client{api: api}, nil
}

// Self returns the bot's own identity, as established at startup.
func (c *Client) Self() tgbotapi.User { return c.api.Self }

// Call performs a raw bot API method call and returns the decoded
// response, mirroring tgbotapi.BotAPI.MakeRequest. Most relay
// operations go through the typed Send/Forward/Copy helpers below;
// Call exists for forum-topic operations tgbotapi doesn't wrap.
func (c *Client) Call(method string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return c.api.MakeRequest(method, params)
}

// Request sends any tgbotapi.Chattable and returns the decoded response.
func (c *Client) Request(cfg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.api.Send(cfg)
}

// GetUpdatesChan starts long-polling for updates.
func (c *Client) GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return c.api.GetUpdatesChan(cfg)
}

// StopReceivingUpdates halts the long-poll loop.
func (c *Client) StopReceivingUpdates() { c.api.StopReceivingUpdates() }

// --- Forum topic operations (not wrapped by tgbotapi's typed configs) ---

// CreateForumTopic creates a new topic in chatID's forum and returns
// its topic id.
func (c *Client) CreateForumTopic(chatID int64, name string) (int, error) {
	resp, err := c.Call("createForumTopic", tgbotapi.Params{
		"chat_id": fmt.Sprintf("%d", chatID),
		"name":    name,
	})
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := unmarshalResult(resp, &topic); err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// ReopenForumTopic reopens a closed topic so the relay can keep using it.
func (c *Client) ReopenForumTopic(chatID int64, threadID int) error {
	_, err := c.Call("reopenForumTopic", tgbotapi.Params{
		"chat_id":           fmt.Sprintf("%d", chatID),
		"message_thread_id": fmt.Sprintf("%d", threadID),
	})
	return err
}

// IsTopicLost classifies a Telegram API error as "the bound topic no
// longer exists", which drives the topic-loss recovery path (spec
// §4.5). Telegram reports this as one of a few distinct substrings
// depending on whether the topic was deleted or the forum itself
// disabled.
func IsTopicLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"message thread not found",
		"thread not found",
		"topic_deleted",
		"topic not found",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func unmarshalResult(resp *tgbotapi.APIResponse, dst any) error {
	return json.Unmarshal(resp.Result, dst)
}

// --- Message delivery ---

// ForwardMessage forwards fromChatID/messageID into chatID's thread.
func (c *Client) ForwardMessage(chatID int64, threadID int, fromChatID int64, messageID int) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewForward(chatID, fromChatID, messageID)
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	return c.api.Send(cfg)
}

// CopyMessage copies fromChatID/messageID into chatID's thread,
// preserving text/caption but not forward attribution. Returns the id
// of the newly created message.
func (c *Client) CopyMessage(chatID int64, threadID int, fromChatID int64, messageID int) (int, error) {
	cfg := tgbotapi.NewCopyMessage(chatID, fromChatID, messageID)
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	result, err := c.api.CopyMessage(cfg)
	if err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// SendText sends a plain or HTML-parsed text message into chatID,
// optionally inside threadID, optionally as a silent reply to replyTo.
func (c *Client) SendText(chatID int64, threadID int, text string, html bool, replyTo int, silent bool) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	if html {
		cfg.ParseMode = tgbotapi.ModeHTML
	}
	if replyTo != 0 {
		cfg.ReplyToMessageID = replyTo
	}
	cfg.DisableNotification = silent
	return c.api.Send(cfg)
}

// SendPhoto sends a photo by file_id into chatID, with an optional
// caption, optionally inside threadID.
func (c *Client) SendPhoto(chatID int64, threadID int, fileID, caption string) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(fileID))
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	cfg.Caption = caption
	return c.api.Send(cfg)
}

// SendVideo sends a video by file_id into chatID, with an optional
// caption, optionally inside threadID.
func (c *Client) SendVideo(chatID int64, threadID int, fileID, caption string) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewVideo(chatID, tgbotapi.FileID(fileID))
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	cfg.Caption = caption
	return c.api.Send(cfg)
}

// SendAnimation sends an animation (GIF/silent MP4) by file_id into
// chatID, with an optional caption, optionally inside threadID.
func (c *Client) SendAnimation(chatID int64, threadID int, fileID, caption string) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewAnimation(chatID, tgbotapi.FileID(fileID))
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	cfg.Caption = caption
	return c.api.Send(cfg)
}

// SendTextWithKeyboard is SendText plus an inline keyboard.
func (c *Client) SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	if threadID != 0 {
		cfg.MessageThreadID = threadID
	}
	if html {
		cfg.ParseMode = tgbotapi.ModeHTML
	}
	cfg.ReplyMarkup = kb
	return c.api.Send(cfg)
}

// EditMessageText edits an existing message's text/markup in place,
// used throughout the admin console's menu-by-edit navigation.
func (c *Client) EditMessageText(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ParseMode = tgbotapi.ModeHTML
	if kb != nil {
		cfg.ReplyMarkup = kb
	}
	return c.api.Send(cfg)
}

// DeleteMessage removes a message, e.g. an acknowledged inbox card.
func (c *Client) DeleteMessage(chatID int64, messageID int) error {
	_, err := c.api.Send(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

// PinMessage pins a message without notifying chat members (used for
// the info card, spec §4.5 step 5: best-effort, failure must not fail relay).
func (c *Client) PinMessage(chatID int64, messageID int) error {
	cfg := tgbotapi.PinChatMessageConfig{ChatID: chatID, MessageID: messageID, DisableNotification: true}
	_, err := c.api.Request(cfg)
	return err
}

// SetReaction sets an emoji reaction on a message (spec §4.5 step 6
// preferred acknowledgement path). Not wrapped by tgbotapi's typed
// configs, so this goes through the raw Call layer.
func (c *Client) SetReaction(chatID int64, messageID int, emoji string) error {
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	_, err = c.Call("setMessageReaction", tgbotapi.Params{
		"chat_id":    fmt.Sprintf("%d", chatID),
		"message_id": fmt.Sprintf("%d", messageID),
		"reaction":   string(reaction),
	})
	return err
}

// EditForumTopicName renames a forum topic, best-effort.
func (c *Client) EditForumTopicName(chatID int64, threadID int, name string) error {
	_, err := c.Call("editForumTopicName", tgbotapi.Params{
		"chat_id":           fmt.Sprintf("%d", chatID),
		"message_thread_id": fmt.Sprintf("%d", threadID),
		"name":              name,
	})
	return err
}

// AnswerCallback acknowledges a callback query, optionally with a
// transient toast.
func (c *Client) AnswerCallback(callbackID, text string) error {
	_, err := c.api.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}
