package server

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaybot/telegram-relaybot/internal/attestation"
	"github.com/relaybot/telegram-relaybot/internal/store"
)

//go:embed verify.html
var verifyPageTemplate string

// handleVerifyPage serves the captcha + mini-app attestation page
// (spec §4.4). 400 if the active captcha mode's site key is missing.
func (s *Server) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	mode := attestation.CaptchaMode(s.rules.Get(r.Context(), "captcha_mode"))
	if mode == "" {
		mode = attestation.ModeOff
	}

	var siteKey string
	switch mode {
	case attestation.ModeTurnstile:
		siteKey = s.cfg.TurnstileSiteKey
	case attestation.ModeRecaptcha:
		siteKey = s.cfg.RecaptchaSiteKey
	}
	if mode != attestation.ModeOff && siteKey == "" {
		http.Error(w, "captcha site key not configured for active mode", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, verifyPageTemplate, userID, mode, siteKey)
}

type submitTokenRequest struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	InitData string `json:"initData"`
}

type submitTokenResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleSubmitToken re-verifies the captcha token and the mini-app
// initData attestation, then advances the user's admission state
// (spec §4.4 step 2-4).
func (s *Server) handleSubmitToken(w http.ResponseWriter, r *http.Request) {
	var req submitTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeSubmitError(w, "invalid request body")
		return
	}

	verified, err := s.initData.Verify(req.InitData)
	if err != nil {
		writeSubmitError(w, "initData verification failed: "+err.Error())
		return
	}
	userID := fmt.Sprintf("%d", verified.ID)

	mode := attestation.CaptchaMode(s.rules.Get(r.Context(), "captcha_mode"))
	if mode == "" {
		mode = attestation.ModeOff
	}
	ok, err := s.captcha.Verify(r.Context(), mode, req.Token)
	if err != nil {
		writeSubmitError(w, "captcha verification request failed")
		return
	}
	if !ok {
		writeSubmitError(w, "captcha verification rejected")
		return
	}

	qaEnabled := s.rules.GetBool(r.Context(), "enable_qa_verify")
	u, err := s.admission.CompleteCaptcha(r.Context(), userID, qaEnabled)
	if err != nil {
		writeSubmitError(w, "internal error advancing admission state")
		return
	}

	if u.State == store.StateVerified {
		s.sendVerifiedGreeting(r.Context(), userID)
	} else if qaEnabled {
		s.sendQAPrompt(r.Context(), userID)
	}

	writeJSON(w, http.StatusOK, submitTokenResponse{Success: true})
}

func writeSubmitError(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, submitTokenResponse{Success: false, Error: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
