package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaybot/telegram-relaybot/internal/admin"
	"github.com/relaybot/telegram-relaybot/internal/admission"
	"github.com/relaybot/telegram-relaybot/internal/events"
	"github.com/relaybot/telegram-relaybot/internal/policy"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

// handleWebhook accepts the Telegram update envelope (spec §6): always
// 200 "OK" once parsed, 400 on invalid JSON, and never propagates a
// downstream failure back to the caller — that would trigger Telegram
// to redeliver the update.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")

	go s.dispatchUpdate(context.Background(), update)
}

func (s *Server) dispatchUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("relaybot: panic handling update", "panic", rec)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		s.dispatchCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		s.dispatchMessage(ctx, update.Message)
	}
}

func (s *Server) dispatchMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	if msg.Chat != nil && msg.Chat.ID == s.cfg.AdminGroupID {
		s.dispatchGroupMessage(ctx, msg)
		return
	}
	if msg.Chat == nil || !msg.Chat.IsPrivate() {
		return
	}
	s.dispatchPrivateMessage(ctx, msg)
}

func (s *Server) dispatchPrivateMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	isAdmin := s.admission.IsAdmin(ctx, userID, s.adminIDsSet())
	isPrimary := s.isPrimaryAdmin(userID)

	if isPrimary {
		if consumed, err := s.console.HandleTextInput(ctx, userID, msg); err != nil {
			slog.Warn("relaybot: admin console input failed", "error", err)
			return
		} else if consumed {
			return
		}
		if strings.TrimSpace(msg.Text) == "/admin" {
			if _, err := s.console.Show(ctx, msg.Chat.ID); err != nil {
				slog.Warn("relaybot: admin console open failed", "error", err)
			}
			return
		}
	}

	if strings.HasPrefix(msg.Text, "/start") {
		s.handleStart(ctx, userID, isAdmin)
		return
	}

	u, err := s.admission.EnsureUser(ctx, userID)
	if err != nil {
		slog.Error("relaybot: ensure user failed", "error", err)
		return
	}

	if u.IsBlocked {
		return // spec §3 invariant 2: silently drop, except /start (handled above)
	}

	switch u.State {
	case store.StatePendingTurnstile:
		return // awaiting the captcha page, nothing to do with a text message
	case store.StatePendingVerification:
		s.handleQAAnswer(ctx, u, msg)
		return
	case store.StateVerified:
		s.relayVerifiedMessage(ctx, u, msg, isAdmin)
	}
}

func (s *Server) handleStart(ctx context.Context, userID string, isAdmin bool) {
	gates := admission.Gates{
		CaptchaEnabled: s.rules.GetBool(ctx, "enable_verify"),
		QAEnabled:      s.rules.GetBool(ctx, "enable_qa_verify"),
	}
	u, err := s.admission.HandleStart(ctx, userID, isAdmin, gates)
	if err != nil {
		slog.Error("relaybot: handle start failed", "user", userID, "error", err)
		return
	}
	if !u.IsBlocked && u.Info.BlacklistMsgID != 0 {
		if err := s.boards.RemoveBlacklistCard(ctx, u); err != nil {
			slog.Warn("relaybot: remove blacklist card failed", "user", userID, "error", err)
		}
	}

	switch u.State {
	case store.StatePendingTurnstile:
		s.sendVerifyLink(ctx, userID)
	case store.StatePendingVerification:
		s.sendQAPrompt(ctx, userID)
	case store.StateVerified:
		s.sendVerifiedGreeting(ctx, userID)
	}
}

func (s *Server) sendVerifyLink(ctx context.Context, userID string) {
	link := fmt.Sprintf("%s/verify?user_id=%s", strings.TrimRight(s.cfg.WorkerURL, "/"), userID)
	chatID, _ := strconv.ParseInt(userID, 10, 64)
	text := fmt.Sprintf("Please verify: %s", link)
	if _, err := s.client.SendText(chatID, 0, text, false, 0, false); err != nil {
		slog.Warn("relaybot: send verify link failed", "user", userID, "error", err)
	}
}

func (s *Server) sendQAPrompt(ctx context.Context, userID string) {
	q := s.rules.Get(ctx, "captcha_q")
	if q == "" {
		q = "What is 1+1?"
	}
	chatID, _ := strconv.ParseInt(userID, 10, 64)
	if _, err := s.client.SendText(chatID, 0, q, false, 0, false); err != nil {
		slog.Warn("relaybot: send QA prompt failed", "user", userID, "error", err)
	}
}

// sendVerifiedGreeting renders welcome_msg for a newly verified user.
// welcome_msg is either plain text or a JSON-encoded admin.WelcomeMedia
// (spec §4.3, §4.8): dispatch switches explicitly on Type rather than
// guessing from content, falling back to plain text on anything else.
func (s *Server) sendVerifiedGreeting(ctx context.Context, userID string) {
	welcome := s.rules.Get(ctx, "welcome_msg")
	if welcome == "" {
		welcome = "You're verified. Send a message to reach the operator."
	}
	chatID, _ := strconv.ParseInt(userID, 10, 64)

	var media admin.WelcomeMedia
	if err := json.Unmarshal([]byte(welcome), &media); err == nil && media.FileID != "" {
		var sendErr error
		switch media.Type {
		case admin.WelcomeMediaPhoto:
			_, sendErr = s.client.SendPhoto(chatID, 0, media.FileID, media.Caption)
		case admin.WelcomeMediaVideo:
			_, sendErr = s.client.SendVideo(chatID, 0, media.FileID, media.Caption)
		case admin.WelcomeMediaAnimation:
			_, sendErr = s.client.SendAnimation(chatID, 0, media.FileID, media.Caption)
		default:
			_, sendErr = s.client.SendText(chatID, 0, welcome, false, 0, false)
		}
		if sendErr != nil {
			slog.Warn("relaybot: send welcome media failed", "user", userID, "type", media.Type, "error", sendErr)
		}
		return
	}

	if _, err := s.client.SendText(chatID, 0, welcome, false, 0, false); err != nil {
		slog.Warn("relaybot: send welcome failed", "user", userID, "error", err)
	}
}

func (s *Server) handleQAAnswer(ctx context.Context, u *store.User, msg *tgbotapi.Message) {
	answer := s.rules.Get(ctx, "captcha_a")
	if !strings.EqualFold(strings.TrimSpace(msg.Text), strings.TrimSpace(answer)) {
		chatID, _ := strconv.ParseInt(u.UserID, 10, 64)
		_, _ = s.client.SendText(chatID, 0, "Incorrect answer, try again.", false, 0, false)
		return
	}
	nu, err := s.admission.CompleteQA(ctx, u.UserID)
	if err != nil {
		slog.Error("relaybot: complete QA failed", "user", u.UserID, "error", err)
		return
	}
	s.bus.Publish(events.Event{Type: events.EventUserVerified, UserID: u.UserID, Message: "QA verified"})
	s.sendVerifiedGreeting(ctx, nu.UserID)
}

func (s *Server) relayVerifiedMessage(ctx context.Context, u *store.User, msg *tgbotapi.Message, isAdmin bool) {
	classified := telegram.Classify(msg)

	if reply, fired := s.policy.QuietHoursCheck(ctx, u, time.Now()); fired {
		chatID, _ := strconv.ParseInt(u.UserID, 10, 64)
		_, _ = s.client.SendText(chatID, 0, reply, false, msg.MessageID, true)
		if err := s.store.UpsertUser(ctx, u); err != nil {
			slog.Warn("relaybot: persist quiet-hours timestamp failed", "user", u.UserID, "error", err)
		}
	}

	res, err := s.policy.Evaluate(ctx, u, classified, isAdmin)
	if err != nil {
		slog.Error("relaybot: policy evaluate failed", "user", u.UserID, "error", err)
		return
	}
	if res.Outcome == policy.OutcomeBlockedWarn || res.Outcome == policy.OutcomeAutoBanned {
		if err := s.store.UpsertUser(ctx, u); err != nil {
			slog.Error("relaybot: persist violation failed", "user", u.UserID, "error", err)
			return
		}
	}

	switch res.Outcome {
	case policy.OutcomeBlockedWarn, policy.OutcomeTypeRejected, policy.OutcomeAutoReplied:
		if res.Reply != "" {
			chatID, _ := strconv.ParseInt(u.UserID, 10, 64)
			_, _ = s.client.SendText(chatID, 0, res.Reply, false, msg.MessageID, false)
		}
		if res.Outcome != policy.OutcomeAutoReplied {
			return
		}
	case policy.OutcomeAutoBanned:
		chatID, _ := strconv.ParseInt(u.UserID, 10, 64)
		if res.Reply != "" {
			_, _ = s.client.SendText(chatID, 0, res.Reply, false, msg.MessageID, false)
		}
		_ = s.boards.PostBlacklistCard(ctx, u)
		s.bus.Publish(events.Event{Type: events.EventAutoBan, UserID: u.UserID, Message: "auto-banned on keyword threshold"})
		return
	}

	status, err := s.relay.Relay(ctx, u, displayName(msg.From), msg.From.UserName, classified)
	if err != nil {
		slog.Error("relaybot: relay failed", "user", u.UserID, "error", err)
		s.bus.Publish(events.Event{Type: events.EventRelayFailed, UserID: u.UserID, Message: err.Error()})
		return
	}
	_ = status
}

// dispatchGroupMessage implements the admin reply path (spec §4.9):
// a message in a known topic from an authorized admin is copied to
// the bound user, unless it's consumed as a note update instead.
func (s *Server) dispatchGroupMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.MessageThreadID == 0 {
		return
	}
	adminID := strconv.FormatInt(msg.From.ID, 10)
	if !s.admission.IsAdmin(ctx, adminID, s.adminIDsSet()) {
		return
	}

	u, err := s.store.GetUserByTopic(ctx, msg.MessageThreadID)
	if err != nil {
		slog.Error("relaybot: lookup user by topic failed", "topic", msg.MessageThreadID, "error", err)
		return
	}
	if u == nil {
		return
	}

	if st, ok := s.rules.GetAdminInputState(ctx, adminID); ok && st.Action == rules.InputActionNote && st.TargetID == u.UserID {
		defer func() { _ = s.rules.ClearAdminInputState(ctx, adminID) }()
		note := msg.Text
		if strings.TrimSpace(note) == "/clear" || strings.TrimSpace(note) == "清除" {
			note = store.ClearNoteSentinel
		}
		u.Info = u.Info.Merge(store.UserInfo{Note: note})
		if err := s.store.UpsertUser(ctx, u); err != nil {
			slog.Error("relaybot: update note failed", "user", u.UserID, "error", err)
		}
		return
	}

	userChatID, err := strconv.ParseInt(u.UserID, 10, 64)
	if err != nil {
		slog.Error("relaybot: malformed user id", "user", u.UserID, "error", err)
		return
	}
	if _, err := s.client.CopyMessage(userChatID, 0, msg.Chat.ID, msg.MessageID); err != nil {
		slog.Warn("relaybot: admin reply copy failed", "user", u.UserID, "error", err)
		return
	}

	if s.rules.GetBool(ctx, "enable_admin_receipt") {
		if _, err := s.client.SendText(msg.Chat.ID, msg.MessageThreadID, "✅", false, msg.MessageID, true); err != nil {
			slog.Warn("relaybot: admin receipt failed", "error", err)
		}
	}
}

// dispatchCallback routes callback_query updates by namespace (spec
// §6 callback data grammar): config, inbox, note, block, unblock,
// pin_card.
func (s *Server) dispatchCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	namespace, _, _ := strings.Cut(cb.Data, ":")
	adminID := strconv.FormatInt(cb.From.ID, 10)

	switch namespace {
	case "config":
		if !s.isPrimaryAdmin(adminID) {
			_ = s.client.AnswerCallback(cb.ID, "not authorized")
			return
		}
		if err := s.console.HandleCallback(ctx, adminID, cb.Message.Chat.ID, cb.Message.MessageID, cb.ID, cb.Data); err != nil {
			slog.Warn("relaybot: admin console callback failed", "error", err)
		}
		_ = s.client.AnswerCallback(cb.ID, "")
	case "inbox":
		s.dispatchInboxCallback(ctx, cb)
	case "note":
		s.dispatchNoteCallback(ctx, cb)
	case "block":
		s.dispatchBlockToggleCallback(ctx, cb)
	case "unblock":
		s.dispatchUnblockCallback(ctx, cb)
	case "pin_card":
		s.dispatchPinCardCallback(ctx, cb)
	default:
		_ = s.client.AnswerCallback(cb.ID, "")
	}
}

func (s *Server) dispatchInboxCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := lastCallbackSegment(cb.Data)
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		_ = s.client.AnswerCallback(cb.ID, "user not found")
		return
	}
	if err := s.boards.Acknowledge(ctx, u); err != nil {
		slog.Warn("relaybot: inbox acknowledge failed", "user", userID, "error", err)
	}
	_ = s.client.AnswerCallback(cb.ID, "acknowledged")
}

func (s *Server) dispatchNoteCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) < 3 {
		_ = s.client.AnswerCallback(cb.ID, "")
		return
	}
	targetUserID := parts[2]
	adminID := strconv.FormatInt(cb.From.ID, 10)
	st := rules.AdminInputState{AdminUserID: adminID, Action: rules.InputActionNote, TargetID: targetUserID}
	if err := s.rules.SetAdminInputState(ctx, st); err != nil {
		slog.Warn("relaybot: set note input state failed", "error", err)
	}
	_ = s.client.AnswerCallback(cb.ID, "send the note, or /clear")
}

// dispatchBlockToggleCallback handles "block:toggle:<userId>" from the
// info card, flipping isBlocked either way.
func (s *Server) dispatchBlockToggleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := lastCallbackSegment(cb.Data)
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		_ = s.client.AnswerCallback(cb.ID, "user not found")
		return
	}
	u.IsBlocked = !u.IsBlocked
	if !u.IsBlocked {
		u.BlockCount = 0
	}
	if err := s.applyBlockState(ctx, u); err != nil {
		slog.Warn("relaybot: toggle block failed", "user", userID, "error", err)
		_ = s.client.AnswerCallback(cb.ID, "failed")
		return
	}
	_ = s.client.AnswerCallback(cb.ID, "done")
}

// dispatchUnblockCallback handles "unblock:do:<userId>" from the
// blacklist card, always clearing the block.
func (s *Server) dispatchUnblockCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := lastCallbackSegment(cb.Data)
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		_ = s.client.AnswerCallback(cb.ID, "user not found")
		return
	}
	u.IsBlocked = false
	u.BlockCount = 0
	if err := s.applyBlockState(ctx, u); err != nil {
		slog.Warn("relaybot: unblock failed", "user", userID, "error", err)
		_ = s.client.AnswerCallback(cb.ID, "failed")
		return
	}
	_ = s.client.AnswerCallback(cb.ID, "unblocked")
}

func (s *Server) applyBlockState(ctx context.Context, u *store.User) error {
	if err := s.store.UpsertUser(ctx, u); err != nil {
		return err
	}
	if u.IsBlocked {
		_ = s.boards.PostBlacklistCard(ctx, u)
		s.bus.Publish(events.Event{Type: events.EventUserBlocked, UserID: u.UserID, Message: "blocked via operator console"})
	} else {
		_ = s.boards.RemoveBlacklistCard(ctx, u)
		s.bus.Publish(events.Event{Type: events.EventUserUnblocked, UserID: u.UserID, Message: "unblocked via operator console"})
	}
	return nil
}

func lastCallbackSegment(data string) string {
	idx := strings.LastIndex(data, ":")
	if idx < 0 {
		return data
	}
	return data[idx+1:]
}

func (s *Server) dispatchPinCardCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	userID := lastCallbackSegment(cb.Data)
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u == nil || u.Info.CardMsgID == 0 || u.TopicID == nil {
		_ = s.client.AnswerCallback(cb.ID, "nothing to pin")
		return
	}
	if err := s.client.PinMessage(s.cfg.AdminGroupID, u.Info.CardMsgID); err != nil {
		slog.Warn("relaybot: pin info card failed", "user", userID, "error", err)
		_ = s.client.AnswerCallback(cb.ID, "failed")
		return
	}
	_ = s.client.AnswerCallback(cb.ID, "pinned")
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}

func (s *Server) adminIDsSet() map[string]struct{} { return s.adminIDs }
