// Package admission implements the per-user verification state machine
// (spec §4.3): new → pending_turnstile → pending_verification → verified,
// with a blocked overlay orthogonal to the verification phase.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

// Gates describes the two independently toggled verification gates.
type Gates struct {
	CaptchaEnabled bool
	QAEnabled      bool
}

// Machine drives admission transitions against the store.
type Machine struct {
	db    store.Store
	rules *rules.Store
}

func New(db store.Store, r *rules.Store) *Machine {
	return &Machine{db: db, rules: r}
}

// IsAdmin reports whether userID is one of the operators listed in
// ADMIN_IDS or the authorized_admins config list (spec §4.3).
func (m *Machine) IsAdmin(ctx context.Context, userID string, envAdminIDs map[string]struct{}) bool {
	if _, ok := envAdminIDs[userID]; ok {
		return true
	}
	for _, entry := range m.rules.GetJSONList(ctx, "authorized_admins") {
		if id, ok := entry["id"].(string); ok && id == userID {
			return true
		}
		if id, ok := entry["userId"].(string); ok && id == userID {
			return true
		}
	}
	return false
}

// EnsureUser loads userID's row, creating a fresh "new" row if absent.
func (m *Machine) EnsureUser(ctx context.Context, userID string) (*store.User, error) {
	u, err := m.db.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("admission: load user %s: %w", userID, err)
	}
	if u == nil {
		u = &store.User{UserID: userID, State: store.StateNew, Info: store.UserInfo{JoinDate: time.Now().Unix()}}
		if err := m.db.UpsertUser(ctx, u); err != nil {
			return nil, fmt.Errorf("admission: create user %s: %w", userID, err)
		}
	}
	return u, nil
}

// HandleStart processes a /start command for userID, per spec §4.3:
// operators are promoted to verified unconditionally; a blocked user
// self-unblocks and re-enters admission from "new"; otherwise the
// standard new→pending transition runs according to the active gates.
func (m *Machine) HandleStart(ctx context.Context, userID string, isAdmin bool, gates Gates) (*store.User, error) {
	u, err := m.EnsureUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if isAdmin {
		u.State = store.StateVerified
		if err := m.db.UpsertUser(ctx, u); err != nil {
			return nil, err
		}
		return u, nil
	}

	if u.IsBlocked {
		u.IsBlocked = false
		u.BlockCount = 0
		u.State = store.StateNew
	}

	u.State = nextStateFromNew(gates)
	if err := m.db.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// nextStateFromNew resolves the state reached immediately after /start,
// before any captcha/QA round-trip, per the transition diagram in spec
// §4.3: captcha on → pending_turnstile; captcha off & QA on →
// pending_verification; both off → verified.
func nextStateFromNew(gates Gates) store.UserState {
	switch {
	case gates.CaptchaEnabled:
		return store.StatePendingTurnstile
	case gates.QAEnabled:
		return store.StatePendingVerification
	default:
		return store.StateVerified
	}
}

// CompleteCaptcha advances a user out of pending_turnstile once the
// captcha + initData re-verification in /submit_token succeeds (spec
// §4.4 step 4).
func (m *Machine) CompleteCaptcha(ctx context.Context, userID string, qaEnabled bool) (*store.User, error) {
	u, err := m.EnsureUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if qaEnabled {
		u.State = store.StatePendingVerification
	} else {
		u.State = store.StateVerified
	}
	if err := m.db.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// CompleteQA advances a user out of pending_verification once they
// reply with the correct QA answer.
func (m *Machine) CompleteQA(ctx context.Context, userID string) (*store.User, error) {
	u, err := m.EnsureUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.State = store.StateVerified
	if err := m.db.UpsertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// RecordViolation increments blockCount and, if the threshold is
// reached, sets isBlocked atomically with the increment (spec §3
// invariant 3, §8 property on blockCount == min(N, T)).
func (m *Machine) RecordViolation(ctx context.Context, u *store.User, threshold int) (blocked bool, err error) {
	u.BlockCount++
	if u.BlockCount >= threshold {
		u.BlockCount = threshold
		u.IsBlocked = true
		blocked = true
	}
	if err := m.db.UpsertUser(ctx, u); err != nil {
		return false, fmt.Errorf("admission: record violation for %s: %w", u.UserID, err)
	}
	return blocked, nil
}
