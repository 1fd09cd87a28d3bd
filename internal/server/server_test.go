package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/telegram-relaybot/internal/config"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := rules.New(db, time.Minute, rules.Defaults())
	cfg := &config.Config{
		TurnstileSiteKey: "ts-site-key",
		RecaptchaSiteKey: "rc-site-key",
	}
	return &Server{cfg: cfg, store: db, rules: r, startTime: time.Now()}, db
}

func TestHandleLivenessReportsUptime(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	srv.handleLiveness(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")
}

func TestHandleVerifyPageRejectsMissingUserID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/verify", nil)
	w := httptest.NewRecorder()

	srv.handleVerifyPage(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyPageRejectsMissingSiteKeyForActiveMode(t *testing.T) {
	srv, db := newTestServer(t)
	require.NoError(t, db.SetConfig(t.Context(), "captcha_mode", "turnstile"))
	srv.cfg.TurnstileSiteKey = ""

	req := httptest.NewRequest(http.MethodGet, "/verify?user_id=123", nil)
	w := httptest.NewRecorder()
	srv.handleVerifyPage(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleVerifyPageRendersWidgetForActiveMode(t *testing.T) {
	srv, db := newTestServer(t)
	require.NoError(t, db.SetConfig(t.Context(), "captcha_mode", "turnstile"))

	req := httptest.NewRequest(http.MethodGet, "/verify?user_id=123", nil)
	w := httptest.NewRecorder()
	srv.handleVerifyPage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ts-site-key")
	require.Contains(t, w.Body.String(), "turnstile")
}

func TestHandleVerifyPageAllowsOffModeWithoutSiteKey(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.TurnstileSiteKey = ""
	srv.cfg.RecaptchaSiteKey = ""

	req := httptest.NewRequest(http.MethodGet, "/verify?user_id=123", nil)
	w := httptest.NewRecorder()
	srv.handleVerifyPage(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestDisplayNamePrefersFullName(t *testing.T) {
	require.Equal(t, "Ada Lovelace", displayName(&tgbotapi.User{FirstName: "Ada", LastName: "Lovelace"}))
	require.Equal(t, "ada", displayName(&tgbotapi.User{UserName: "ada"}))
	require.Equal(t, "unknown", displayName(nil))
}

func TestLastCallbackSegmentExtractsFinalPart(t *testing.T) {
	require.Equal(t, "42", lastCallbackSegment("block:toggle:42"))
	require.Equal(t, "nodelim", lastCallbackSegment("nodelim"))
}

func TestIsPrimaryAdminChecksConfiguredSet(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.adminIDs = map[string]struct{}{"7": {}}

	require.True(t, srv.isPrimaryAdmin("7"))
	require.False(t, srv.isPrimaryAdmin("8"))
}

func TestHandleSubmitTokenRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/submit_token", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	srv.handleSubmitToken(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), `"success":false`)
}
