// Package policy implements the content-policy pipeline (spec §4.6):
// block-keyword accrual, typed-content switches, auto-reply matching,
// and the quiet-hours reply. Evaluate applies the first three in a fixed
// order where the first hit short-circuits; QuietHoursCheck is a
// separate call and never blocks relaying.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

// maxPatternLen bounds block-keyword and auto-reply regex length; any
// longer, empty, or non-compiling pattern is silently ignored rather
// than raised (spec §4.6 step 1, §9 design note).
const maxPatternLen = 256

// maxTextLen is the truncation bound applied before keyword matching.
const maxTextLen = 2000

// quietHoursDebounce is the minimum gap between quiet-hours notices to
// the same user (spec §4.6 step 4).
const quietHoursDebounce = 300 * time.Second

// Outcome is the verdict of evaluating the pipeline against one message.
type Outcome string

const (
	OutcomeRelay        Outcome = "relay"         // nothing matched; proceed to relay
	OutcomeBlockedWarn  Outcome = "blocked_warn"  // keyword hit, below threshold
	OutcomeAutoBanned   Outcome = "auto_banned"   // keyword hit, threshold reached
	OutcomeTypeRejected Outcome = "type_rejected" // typed-content switch off
	OutcomeAutoReplied  Outcome = "auto_replied"  // auto-reply rule matched
)

// Result carries the verdict plus any reply text the caller should
// send to the user.
type Result struct {
	Outcome Outcome
	Reply   string
	Blocked bool // true only for OutcomeAutoBanned
}

// Pipeline evaluates the content-policy pipeline against inbound
// messages.
type Pipeline struct {
	rules *rules.Store
}

func New(r *rules.Store) *Pipeline {
	return &Pipeline{rules: r}
}

// Evaluate runs the fixed-order pipeline for one inbound message from
// u. isAdmin bypasses the typed-content switches only (spec §4.6 step
// 2, and the open question on scope, kept as documented: applies to
// all authorized admins).
func (p *Pipeline) Evaluate(ctx context.Context, u *store.User, msg *telegram.ClassifiedMessage, isAdmin bool) (Result, error) {
	if r, hit, err := p.evaluateKeywords(ctx, u, msg.Text); err != nil {
		return Result{}, err
	} else if hit {
		return r, nil
	}

	if !isAdmin {
		if r, hit := p.evaluateTypedContent(ctx, msg); hit {
			return r, nil
		}
	}

	if r, hit := p.evaluateAutoReply(ctx, msg.Text); hit {
		return r, nil
	}

	return Result{Outcome: OutcomeRelay}, nil
}

func (p *Pipeline) evaluateKeywords(ctx context.Context, u *store.User, text string) (Result, bool, error) {
	if text == "" {
		return Result{}, false, nil
	}
	truncated := text
	if len(truncated) > maxTextLen {
		truncated = truncated[:maxTextLen]
	}

	for _, raw := range p.rules.GetJSONList(ctx, "block_keywords") {
		pattern, _ := raw["pattern"].(string)
		if pattern == "" {
			pattern, _ = raw["value"].(string)
		}
		if pattern == "" || len(pattern) > maxPatternLen {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue // invalid regex: silently ignored, spec §9
		}
		if re.MatchString(truncated) {
			threshold := p.rules.Int(ctx, "block_threshold", 5)
			u.BlockCount++
			if u.BlockCount >= threshold {
				u.BlockCount = threshold
				u.IsBlocked = true
				return Result{Outcome: OutcomeAutoBanned, Blocked: true, Reply: "您已被自动封禁 (auto-banned)"}, true, nil
			}
			return Result{
				Outcome: OutcomeBlockedWarn,
				Reply:   fmt.Sprintf("消息包含违禁词 (%d/%d)", u.BlockCount, threshold),
			}, true, nil
		}
	}
	return Result{}, false, nil
}

func (p *Pipeline) evaluateTypedContent(ctx context.Context, msg *telegram.ClassifiedMessage) (Result, bool) {
	switchKey := typeSwitchKey(msg.Type)
	if switchKey == "" {
		return Result{}, false
	}
	if !p.rules.GetBool(ctx, switchKey) {
		return Result{Outcome: OutcomeTypeRejected, Reply: "暂不接受此类型消息 (not accepted)"}, true
	}
	if msg.Type == telegram.ContentForwarded && msg.ForwardedFromChannel {
		if !p.rules.GetBool(ctx, "enable_channel_forwarding") {
			return Result{Outcome: OutcomeTypeRejected, Reply: "暂不接受此类型消息 (not accepted)"}, true
		}
	}
	return Result{}, false
}

func typeSwitchKey(t telegram.ContentType) string {
	switch t {
	case telegram.ContentForwarded:
		return "enable_forward_forwarding"
	case telegram.ContentAudio:
		return "enable_audio_forwarding"
	case telegram.ContentSticker:
		return "enable_sticker_forwarding"
	case telegram.ContentMedia:
		return "enable_media_forwarding"
	case telegram.ContentLink:
		return "enable_link_forwarding"
	case telegram.ContentText:
		return "enable_text_forwarding"
	default:
		return ""
	}
}

// autoReplyDelim separates a rule's match pattern from its response
// text in the admin console's stored payload (spec §4.8).
const autoReplyDelim = "==="

func (p *Pipeline) evaluateAutoReply(ctx context.Context, text string) (Result, bool) {
	if text == "" {
		return Result{}, false
	}
	for _, raw := range p.rules.GetJSONList(ctx, "auto_reply_rules") {
		rule, _ := raw["rule"].(string)
		if rule == "" {
			continue
		}
		parts := strings.SplitN(rule, autoReplyDelim, 2)
		if len(parts) != 2 {
			continue // structurally invalid; reported at input time, not here
		}
		pattern, response := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if pattern == "" || len(pattern) > maxPatternLen {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return Result{Outcome: OutcomeAutoReplied, Reply: response}, true
		}
	}
	return Result{}, false
}

// QuietHoursCheck returns the busy-mode reply text if busy_mode is on
// and the debounce window has elapsed since u's last notice; it
// updates u.Info.LastBusyReplyAt in place when it fires. This never
// blocks relaying (spec §4.6 step 4).
func (p *Pipeline) QuietHoursCheck(ctx context.Context, u *store.User, now time.Time) (reply string, fired bool) {
	if !p.rules.GetBool(ctx, "busy_mode") {
		return "", false
	}
	last := time.Unix(u.Info.LastBusyReplyAt, 0)
	if u.Info.LastBusyReplyAt != 0 && now.Sub(last) < quietHoursDebounce {
		return "", false
	}
	u.Info.LastBusyReplyAt = now.Unix()
	msg := p.rules.Get(ctx, "busy_msg")
	if msg == "" {
		msg = "当前为免打扰时段，稍后回复 (quiet hours, will reply later)"
	}
	return msg, true
}
