// Package admin implements the Admin Console (spec §4.8): a
// hierarchical menu rendered through message edits, driven by a
// callback-data grammar `config:<verb>:<key>[:value]`, plus the
// per-admin two-step input workflow used for scalar edits and list
// additions.
package admin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybot/telegram-relaybot/internal/attestation"
	"github.com/relaybot/telegram-relaybot/internal/rules"
)

// Client is the subset of *telegram.Client the console needs.
type Client interface {
	EditMessageText(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	SendTextWithKeyboard(chatID int64, threadID int, text string, html bool, kb tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error)
	AnswerCallback(callbackID, text string) error
}

// Console is the admin menu state machine.
type Console struct {
	rules  *rules.Store
	client Client
}

func New(r *rules.Store, client Client) *Console {
	return &Console{rules: r, client: client}
}

// panel is one root menu page.
type panel struct {
	key   string
	title string
}

var panels = []panel{
	{"base", "⚙️ Base"},
	{"autoreply", "💬 Auto-reply rules"},
	{"keywords", "🚫 Block keywords"},
	{"filters", "🧰 Content filters"},
	{"admins", "👮 Authorized admins"},
	{"backup", "📣 Backup & receipts"},
	{"quiet", "🌙 Quiet hours"},
}

// booleanToggles maps a config key to its owning panel, so a toggle
// callback knows which panel to re-render.
var booleanToggles = map[string]string{
	"enable_qa_verify":          "base",
	"enable_forward_forwarding": "filters",
	"enable_audio_forwarding":   "filters",
	"enable_sticker_forwarding": "filters",
	"enable_media_forwarding":   "filters",
	"enable_link_forwarding":    "filters",
	"enable_text_forwarding":    "filters",
	"enable_channel_forwarding": "filters",
	"enable_admin_receipt":      "backup",
	"busy_mode":                 "quiet",
}

// Show renders the console's root menu into a new message.
func (c *Console) Show(ctx context.Context, chatID int64) (tgbotapi.Message, error) {
	return c.client.SendTextWithKeyboard(chatID, 0, "<b>Admin Console</b>", true, rootKeyboard())
}

// HandleCallback dispatches a config:<verb>:<key>[:value] callback
// (spec §4.8).
func (c *Console) HandleCallback(ctx context.Context, adminUserID string, chatID int64, messageID int, callbackID, data string) error {
	parts := strings.SplitN(data, ":", 4)
	if len(parts) < 2 || parts[0] != "config" {
		return fmt.Errorf("admin: unrecognized callback data %q", data)
	}
	verb := parts[1]
	key := ""
	if len(parts) > 2 {
		key = parts[2]
	}
	value := ""
	if len(parts) > 3 {
		value = parts[3]
	}

	switch verb {
	case "menu":
		return c.renderPanelInto(ctx, chatID, messageID, key)
	case "toggle":
		return c.handleToggle(ctx, chatID, messageID, key)
	case "edit":
		return c.promptInput(ctx, adminUserID, chatID, messageID, rules.InputActionValue, "edit:"+key, "Send the new value for "+key+". /cancel to abort.")
	case "add":
		return c.promptInput(ctx, adminUserID, chatID, messageID, rules.InputActionValue, "add:"+key, "Send the item to add to "+key+". /cancel to abort.")
	case "del":
		return c.handleDelete(ctx, chatID, messageID, key, value)
	case "cl":
		return c.handleClear(ctx, chatID, messageID, key)
	case "rotate_mode":
		return c.handleRotateMode(ctx, chatID, messageID)
	default:
		if c.client != nil {
			_ = c.client.AnswerCallback(callbackID, "unknown action")
		}
		return fmt.Errorf("admin: unknown verb %q", verb)
	}
}

// HandleTextInput consumes adminUserID's pending two-step input, if
// any (spec §4.8). Returns consumed=false if no input was pending, so
// the caller can fall through to normal admin-reply handling.
func (c *Console) HandleTextInput(ctx context.Context, adminUserID string, msg *tgbotapi.Message) (consumed bool, err error) {
	st, ok := c.rules.GetAdminInputState(ctx, adminUserID)
	if !ok || st.Action != rules.InputActionValue {
		return false, nil
	}
	defer func() { _ = c.rules.ClearAdminInputState(ctx, adminUserID) }()

	if strings.TrimSpace(msg.Text) == "/cancel" {
		return true, nil
	}

	verb, key, ok := strings.Cut(st.Key, ":")
	if !ok {
		return true, fmt.Errorf("admin: corrupt input state key %q", st.Key)
	}

	switch verb {
	case "edit":
		return true, c.applyEdit(ctx, key, msg)
	case "add":
		return true, c.applyAdd(ctx, key, msg)
	default:
		return true, fmt.Errorf("admin: unknown input verb %q", verb)
	}
}

func (c *Console) applyEdit(ctx context.Context, key string, msg *tgbotapi.Message) error {
	if key == "welcome_msg" {
		if media := welcomeMediaFromMessage(msg); media != nil {
			return c.rules.SetJSON(ctx, key, media)
		}
	}
	return c.rules.Set(ctx, key, msg.Text)
}

// WelcomeMedia is the encoding used when welcome_msg is a photo/video/
// animation rather than plain text (spec §4.8): a sum type over media
// kinds, matched explicitly by Type wherever welcome_msg is rendered.
type WelcomeMedia struct {
	Type    string `json:"type"`
	FileID  string `json:"file_id"`
	Caption string `json:"caption"`
}

const (
	WelcomeMediaPhoto     = "photo"
	WelcomeMediaVideo     = "video"
	WelcomeMediaAnimation = "animation"
)

func welcomeMediaFromMessage(msg *tgbotapi.Message) *WelcomeMedia {
	switch {
	case len(msg.Photo) > 0:
		return &WelcomeMedia{Type: WelcomeMediaPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID, Caption: msg.Caption}
	case msg.Video != nil:
		return &WelcomeMedia{Type: WelcomeMediaVideo, FileID: msg.Video.FileID, Caption: msg.Caption}
	case msg.Animation != nil:
		return &WelcomeMedia{Type: WelcomeMediaAnimation, FileID: msg.Animation.FileID, Caption: msg.Caption}
	default:
		return nil
	}
}

const autoReplyDelim = "==="

func (c *Console) applyAdd(ctx context.Context, key string, msg *tgbotapi.Message) error {
	switch key {
	case "auto_reply_rules":
		if !strings.Contains(msg.Text, autoReplyDelim) {
			return fmt.Errorf("admin: auto-reply rule missing %q delimiter", autoReplyDelim)
		}
		list := c.rules.GetJSONList(ctx, key)
		list = append(list, map[string]any{"rule": msg.Text})
		return c.rules.SetJSON(ctx, key, list)
	case "block_keywords":
		list := c.rules.GetJSONList(ctx, key)
		list = append(list, map[string]any{"pattern": msg.Text})
		return c.rules.SetJSON(ctx, key, list)
	case "authorized_admins":
		list := c.rules.GetJSONList(ctx, key)
		list = append(list, map[string]any{"id": strings.TrimSpace(msg.Text)})
		return c.rules.SetJSON(ctx, key, list)
	default:
		return fmt.Errorf("admin: %q does not support add", key)
	}
}

func (c *Console) promptInput(ctx context.Context, adminUserID string, chatID int64, messageID int, action rules.InputAction, key, prompt string) error {
	if err := c.rules.SetAdminInputState(ctx, rules.AdminInputState{AdminUserID: adminUserID, Action: action, Key: key}); err != nil {
		return err
	}
	_, err := c.client.EditMessageText(chatID, messageID, prompt, nil)
	return err
}

func (c *Console) handleToggle(ctx context.Context, chatID int64, messageID int, key string) error {
	current := c.rules.GetBool(ctx, key)
	if err := c.rules.Set(ctx, key, strconv.FormatBool(!current)); err != nil {
		return err
	}
	panelKey := booleanToggles[key]
	if panelKey == "" {
		panelKey = "base"
	}
	return c.renderPanelInto(ctx, chatID, messageID, panelKey)
}

func (c *Console) handleDelete(ctx context.Context, chatID int64, messageID int, key, indexStr string) error {
	idx, err := strconv.Atoi(indexStr)
	if err != nil {
		return fmt.Errorf("admin: bad delete index %q: %w", indexStr, err)
	}
	list := c.rules.GetJSONList(ctx, key)
	if idx < 0 || idx >= len(list) {
		return fmt.Errorf("admin: delete index %d out of range for %s", idx, key)
	}
	list = append(list[:idx], list[idx+1:]...)
	if err := c.rules.SetJSON(ctx, key, list); err != nil {
		return err
	}
	return c.renderPanelInto(ctx, chatID, messageID, panelForListKey(key))
}

func (c *Console) handleClear(ctx context.Context, chatID int64, messageID int, key string) error {
	if err := c.rules.Delete(ctx, key); err != nil {
		return err
	}
	panelKey := panelForListKey(key)
	if panelKey == "" {
		panelKey = booleanToggles[key]
	}
	if panelKey == "" {
		panelKey = "base"
	}
	return c.renderPanelInto(ctx, chatID, messageID, panelKey)
}

func panelForListKey(key string) string {
	switch key {
	case "auto_reply_rules":
		return "autoreply"
	case "block_keywords":
		return "keywords"
	case "authorized_admins":
		return "admins"
	default:
		return ""
	}
}

func (c *Console) handleRotateMode(ctx context.Context, chatID int64, messageID int) error {
	enabled := c.rules.GetBool(ctx, "enable_verify")
	mode := attestation.CaptchaMode(c.rules.Get(ctx, "captcha_mode"))
	if mode == "" {
		mode = attestation.ModeTurnstile
	}
	nextEnabled, nextMode := attestation.NextMode(enabled, mode)
	if err := c.rules.Set(ctx, "enable_verify", strconv.FormatBool(nextEnabled)); err != nil {
		return err
	}
	if err := c.rules.Set(ctx, "captcha_mode", string(nextMode)); err != nil {
		return err
	}
	return c.renderPanelInto(ctx, chatID, messageID, "base")
}

func (c *Console) renderPanelInto(ctx context.Context, chatID int64, messageID int, panelKey string) error {
	text, kb := c.renderPanel(ctx, panelKey)
	_, err := c.client.EditMessageText(chatID, messageID, text, &kb)
	return err
}

func (c *Console) renderPanel(ctx context.Context, panelKey string) (string, tgbotapi.InlineKeyboardMarkup) {
	switch panelKey {
	case "base":
		return c.renderBase(ctx)
	case "autoreply":
		return c.renderList(ctx, "auto_reply_rules", "rule", "💬 Auto-reply rules")
	case "keywords":
		return c.renderList(ctx, "block_keywords", "pattern", "🚫 Block keywords")
	case "filters":
		return c.renderFilters(ctx)
	case "admins":
		return c.renderList(ctx, "authorized_admins", "id", "👮 Authorized admins")
	case "backup":
		return c.renderBackup(ctx)
	case "quiet":
		return c.renderQuiet(ctx)
	default:
		return "<b>Admin Console</b>", rootKeyboard()
	}
}

func rootKeyboard() tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range panels {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(p.title, "config:menu:"+p.key),
		))
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func backRow() tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData("« Back", "config:menu:root")
}

func (c *Console) renderBase(ctx context.Context) (string, tgbotapi.InlineKeyboardMarkup) {
	mode := c.rules.Get(ctx, "captcha_mode")
	if mode == "" {
		mode = string(attestation.ModeOff)
	}
	qaOn := c.rules.GetBool(ctx, "enable_qa_verify")
	verifyOn := c.rules.GetBool(ctx, "enable_verify")

	text := fmt.Sprintf("<b>Base</b>\ncaptcha: %s (%s)\nQA: %v\nwelcome_msg: edit below",
		mode, onOff(verifyOn), qaOn)

	kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData("✏️ Welcome message", "config:edit:welcome_msg")},
		{tgbotapi.NewInlineKeyboardButtonData("✏️ QA question", "config:edit:captcha_q")},
		{tgbotapi.NewInlineKeyboardButtonData("✏️ QA answer", "config:edit:captcha_a")},
		{tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("QA verify: %s", onOff(qaOn)), "config:toggle:enable_qa_verify")},
		{tgbotapi.NewInlineKeyboardButtonData("🔁 Rotate captcha mode", "config:rotate_mode:")},
		{backRow()},
	}}
	return text, kb
}

func (c *Console) renderFilters(ctx context.Context) (string, tgbotapi.InlineKeyboardMarkup) {
	keys := []struct{ key, label string }{
		{"enable_forward_forwarding", "Forwarded"},
		{"enable_audio_forwarding", "Audio/voice"},
		{"enable_sticker_forwarding", "Sticker/animation"},
		{"enable_media_forwarding", "Media"},
		{"enable_link_forwarding", "Links"},
		{"enable_text_forwarding", "Text"},
		{"enable_channel_forwarding", "Forwarded from channel"},
	}
	var b strings.Builder
	b.WriteString("<b>Content filters</b>\n")
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, k := range keys {
		on := c.rules.GetBool(ctx, k.key)
		fmt.Fprintf(&b, "%s: %s\n", k.label, onOff(on))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("%s: %s", k.label, onOff(on)), "config:toggle:"+k.key),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(backRow()))
	return b.String(), tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *Console) renderBackup(ctx context.Context) (string, tgbotapi.InlineKeyboardMarkup) {
	receiptOn := c.rules.GetBool(ctx, "enable_admin_receipt")
	backupGroupID := c.rules.Get(ctx, "backup_group_id")
	text := fmt.Sprintf("<b>Backup & receipts</b>\nbackup_group_id: %s\nadmin receipt: %s",
		orDash(backupGroupID), onOff(receiptOn))
	kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData("✏️ Backup group id", "config:edit:backup_group_id")},
		{tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Admin receipt: %s", onOff(receiptOn)), "config:toggle:enable_admin_receipt")},
		{backRow()},
	}}
	return text, kb
}

func (c *Console) renderQuiet(ctx context.Context) (string, tgbotapi.InlineKeyboardMarkup) {
	busyOn := c.rules.GetBool(ctx, "busy_mode")
	text := fmt.Sprintf("<b>Quiet hours</b>\nbusy_mode: %s\nbusy_msg: edit below", onOff(busyOn))
	kb := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Busy mode: %s", onOff(busyOn)), "config:toggle:busy_mode")},
		{tgbotapi.NewInlineKeyboardButtonData("✏️ Busy message", "config:edit:busy_msg")},
		{backRow()},
	}}
	return text, kb
}

// renderList renders a generic add/delete list panel for itemField
// entries under key (spec §4.8 list mutation verbs).
func (c *Console) renderList(ctx context.Context, key, itemField, title string) (string, tgbotapi.InlineKeyboardMarkup) {
	items := c.rules.GetJSONList(ctx, key)
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", title)
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, item := range items {
		val, _ := item[itemField].(string)
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(val, 60))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("🗑 %d", i+1), fmt.Sprintf("config:del:%s:%d", key, i)),
		))
	}
	rows = append(rows,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("➕ Add", "config:add:"+key)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🗑 Clear all", "config:cl:"+key)),
		tgbotapi.NewInlineKeyboardRow(backRow()),
	)
	return b.String(), tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
