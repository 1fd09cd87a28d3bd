// Package rules implements the configuration & rule store (spec §4.1):
// a read-through cache in front of the config table, with env-var and
// built-in-default fallback, plus the reserved admin_state: key prefix
// used by the admin console's two-step input workflow.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaybot/telegram-relaybot/internal/store"
)

// DefaultTTL is the cache staleness bound (spec §4.1, §3 invariant 5).
const DefaultTTL = 60 * time.Second

const adminStatePrefix = "admin_state:"

// Store is the configuration & rule store.
type Store struct {
	db       store.Store
	ttl      time.Duration
	defaults map[string]string

	mu        sync.RWMutex
	cache     map[string]string
	cachedAt  time.Time
	hasCached bool
}

// Defaults returns the built-in fallback values consulted when a
// config key has never been set (spec §4.1 resolution order).
func Defaults() map[string]string {
	return map[string]string{
		"enable_verify":             "false",
		"captcha_mode":              "off",
		"enable_qa_verify":          "false",
		"captcha_q":                 "What is 1+1?",
		"captcha_a":                "2",
		"welcome_msg":               "Welcome. Send a message to reach the operator.",
		"block_threshold":           "5",
		"busy_mode":                 "false",
		"busy_msg":                  "Quiet hours, will reply later.",
		"enable_admin_receipt":      "false",
		"enable_forward_forwarding": "true",
		"enable_audio_forwarding":   "true",
		"enable_sticker_forwarding": "true",
		"enable_media_forwarding":   "true",
		"enable_link_forwarding":    "true",
		"enable_text_forwarding":    "true",
		"enable_channel_forwarding": "true",
	}
}

// New builds a rule store over db. defaults supplies built-in fallback
// values consulted only when neither the cache nor an environment
// variable has the key (spec §4.1 resolution order).
func New(db store.Store, ttl time.Duration, defaults map[string]string) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &Store{db: db, ttl: ttl, defaults: defaults}
}

// Get resolves key as: cached value (if fresh) → reload-all-then-cache →
// environment variable (rewritten key) → built-in default → "".
func (s *Store) Get(ctx context.Context, key string) string {
	v, ok := s.getCached(ctx, key)
	if ok {
		return v
	}
	if v, ok := os.LookupEnv(envKey(key)); ok {
		return v
	}
	return s.defaults[key]
}

// GetBool parses Get(key) leniently; "true"/"1"/"yes"/"on" are true.
func (s *Store) GetBool(ctx context.Context, key string) bool {
	v := strings.ToLower(strings.TrimSpace(s.Get(ctx, key)))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// GetJSONList decodes Get(key) as a list of objects (GetJSONObject does
// the same for a single object). It fails closed: any parse error
// yields an empty value of the requested shape rather than an error
// (spec §4.1).
func (s *Store) GetJSONList(ctx context.Context, key string) []map[string]any {
	raw := s.Get(ctx, key)
	if raw == "" {
		return []map[string]any{}
	}
	var out []map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Debug("rules: getJSON list parse failed, failing closed", "key", key, "error", err)
		return []map[string]any{}
	}
	return out
}

func (s *Store) GetJSONObject(ctx context.Context, key string) map[string]any {
	raw := s.Get(ctx, key)
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Debug("rules: getJSON object parse failed, failing closed", "key", key, "error", err)
		return map[string]any{}
	}
	return out
}

// GetJSONInto decodes the raw config value into dst, failing closed
// (dst left at its zero value) on any parse error.
func (s *Store) GetJSONInto(ctx context.Context, key string, dst any) {
	raw := s.Get(ctx, key)
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Debug("rules: getJSON parse failed, failing closed", "key", key, "error", err)
	}
}

// Set writes key through to the store and invalidates the cache so the
// immediately following read observes the write, regardless of cache
// age (spec §8 testable property).
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.db.SetConfig(ctx, key, value); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// SetJSON marshals value and writes it through Set.
func (s *Store) SetJSON(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}

// Delete removes key and invalidates the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.DeleteConfig(ctx, key); err != nil {
		return err
	}
	s.invalidate()
	return nil
}

func (s *Store) getCached(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	if s.hasCached && time.Since(s.cachedAt) < s.ttl {
		v, ok := s.cache[key]
		s.mu.RUnlock()
		return v, ok
	}
	s.mu.RUnlock()

	all, err := s.db.ListConfig(ctx)
	if err != nil {
		slog.Warn("rules: reload config failed", "error", err)
		// Fall back to whatever we had cached, even if stale, rather
		// than silently treating every key as absent.
		s.mu.RLock()
		v, ok := s.cache[key]
		s.mu.RUnlock()
		return v, ok
	}

	s.mu.Lock()
	s.cache = all
	s.cachedAt = time.Now()
	s.hasCached = true
	v, ok := s.cache[key]
	s.mu.Unlock()
	return v, ok
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.hasCached = false
	s.mu.Unlock()
}

// envKey rewrites a config key into its environment-variable fallback
// name per spec §4.1: suffix _MSG→_MESSAGE, _Q→_QUESTION, _A→_ANSWER,
// else the uppercased key.
func envKey(key string) string {
	upper := strings.ToUpper(key)
	switch {
	case strings.HasSuffix(upper, "_MSG"):
		return strings.TrimSuffix(upper, "_MSG") + "_MESSAGE"
	case strings.HasSuffix(upper, "_Q"):
		return strings.TrimSuffix(upper, "_Q") + "_QUESTION"
	case strings.HasSuffix(upper, "_A"):
		return strings.TrimSuffix(upper, "_A") + "_ANSWER"
	default:
		return upper
	}
}

// ---------------------------------------------------------------------------
// Admin input state (spec §3 AdminInputState, §4.8)
// ---------------------------------------------------------------------------

// InputAction names the kind of transient admin input being awaited.
type InputAction string

const (
	InputActionValue InputAction = "input"      // config:edit:<key> scalar replace
	InputActionNote  InputAction = "input_note" // per-user note edit
)

// AdminInputState is the per-admin transient input state (spec §3).
type AdminInputState struct {
	AdminUserID string      `json:"adminUserId"`
	Action      InputAction `json:"action"`
	Key         string      `json:"key,omitempty"`    // config key for InputActionValue
	TargetID    string      `json:"targetId,omitempty"` // user id for InputActionNote
}

func adminStateKey(adminUserID string) string { return adminStatePrefix + adminUserID }

// SetAdminInputState records that adminUserID's next private message
// should be consumed as input, per spec §4.8.
func (s *Store) SetAdminInputState(ctx context.Context, st AdminInputState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal admin input state: %w", err)
	}
	return s.Set(ctx, adminStateKey(st.AdminUserID), string(b))
}

// GetAdminInputState returns the pending input state for adminUserID, if any.
func (s *Store) GetAdminInputState(ctx context.Context, adminUserID string) (*AdminInputState, bool) {
	raw := s.Get(ctx, adminStateKey(adminUserID))
	if raw == "" {
		return nil, false
	}
	var st AdminInputState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		slog.Warn("rules: corrupt admin input state, clearing", "adminUserId", adminUserID, "error", err)
		_ = s.Delete(ctx, adminStateKey(adminUserID))
		return nil, false
	}
	return &st, true
}

// ClearAdminInputState removes the pending input state (completion or
// /cancel, spec §4.8).
func (s *Store) ClearAdminInputState(ctx context.Context, adminUserID string) error {
	return s.Delete(ctx, adminStateKey(adminUserID))
}

// ---------------------------------------------------------------------------
// Typed config accessors used across packages
// ---------------------------------------------------------------------------

// Int parses Get(key) as an integer, returning fallback on any error.
func (s *Store) Int(ctx context.Context, key string, fallback int) int {
	v := s.Get(ctx, key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
